package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/database"
	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
	"github.com/Blockeeer/ai-hair-simulation/internal/httpapi"
	"github.com/Blockeeer/ai-hair-simulation/internal/jobs"
	"github.com/Blockeeer/ai-hair-simulation/internal/kie"
	"github.com/Blockeeer/ai-hair-simulation/internal/metrics"
	"github.com/Blockeeer/ai-hair-simulation/internal/payment"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
	"github.com/Blockeeer/ai-hair-simulation/internal/repository"
	"github.com/Blockeeer/ai-hair-simulation/internal/service"
	"github.com/Blockeeer/ai-hair-simulation/internal/storage"
	"github.com/Blockeeer/ai-hair-simulation/internal/telegram"
	"github.com/Blockeeer/ai-hair-simulation/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	health := []httpapi.HealthCheck{{Name: "mysql", Check: db.PingContext}}

	cacheOpts := []gencache.Option{
		gencache.WithTTL(cfg.CacheTTL),
		gencache.WithMaxEntries(cfg.CacheMaxEntries),
		gencache.WithEvictFraction(cfg.CacheEvictFraction),
	}
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the cache treats redis errors as misses, so startup continues
			logr.Warn("redis ping failed", "addr", cfg.RedisAddr, "err", err)
		}
		cacheOpts = append(cacheOpts, gencache.WithTier(gencache.NewRedisTier(rdb)))
		health = append(health, httpapi.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	cache := gencache.New(logr, cacheOpts...)
	tracker := jobs.NewTracker(jobs.NewMovingAverage(cfg.QueueWindowSize, cfg.QueueConcurrencyFactor, cfg.QueueDefaultProcessing))

	uploader, err := storage.NewUploader(storage.FromAppConfig(cfg))
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}
	kieClient := kie.NewClient(cfg, logr)

	userRepo := repository.NewUserRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)

	ledger := quota.NewLedger(userRepo)
	reconciler := payment.NewReconciler(paymentRepo, logr)

	var gateway payment.Gateway
	if cfg.StripeEnabled() {
		gateway = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}

	userService := service.NewUserService(userRepo, cfg.FreeDailyGenerations)
	planService := service.NewPlanService(cfg, planRepo)
	promoService := service.NewPromoService(promoRepo, cfg.PromoDefaultCredits)
	paymentService := service.NewPaymentService(cfg, logr, planService, reconciler, gateway)
	generationService := service.NewGenerationService(cfg, logr, ledger, cache, tracker, kieClient, uploader, generationRepo)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry, cache, tracker); err != nil {
		log.Fatalf("metrics: %v", err)
	}

	server := httpapi.NewServer(cfg, logr, httpapi.Services{
		Generation: generationService,
		Payments:   paymentService,
		Plans:      planService,
		Promos:     promoService,
		Users:      userService,
		Cache:      cache,
		Metrics:    metrics.Handler(registry),
		Health:     health,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cache.RunSweeper(ctx, cfg.CacheSweepInterval)
	}()

	if cfg.BotEnabled() {
		botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		bot := telegram.NewBot(botAPI, logr, userService, generationService, promoService, paymentService)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("bot stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx); err != nil {
		logr.Error("http server stopped", "err", err)
		stop()
	}
	wg.Wait()
}
