// Package httpapi is the HTTP front-end: the public generation and payment API,
// the processor webhook, and basic-auth admin routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
	"github.com/Blockeeer/ai-hair-simulation/internal/service"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Services groups what the handlers call into.
type Services struct {
	Generation *service.GenerationService
	Payments   *service.PaymentService
	Plans      *service.PlanService
	Promos     *service.PromoService
	Users      *service.UserService
	Cache      *gencache.Cache
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Health  []HealthCheck
}

type Server struct {
	addr         string
	username     string
	password     string
	writeTimeout time.Duration
	log          *slog.Logger
	svc          Services
	router       *chi.Mux
}

func NewServer(cfg config.Config, log *slog.Logger, svc Services) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     cfg.HTTPListenAddr,
		username: cfg.AdminUsername,
		password: cfg.AdminPassword,
		// generation holds the response open for the whole provider call
		writeTimeout: cfg.GenerationTimeout + 30*time.Second,
		log:          log,
		svc:          svc,
		router:       r,
	}

	r.Get("/healthz", s.handleHealth)
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics)
	}
	r.Get("/queue-status", s.handleQueueStatus)
	r.Get("/plans", s.handlePublicPlans)
	r.Post("/users", s.handleRegisterUser)
	r.Post("/webhook/stripe", s.handleStripeWebhook)

	r.Group(func(api chi.Router) {
		api.Use(requireUser)
		api.Post("/generate", s.handleGenerate)
		api.Get("/quota", s.handleQuota)
		api.Get("/history", s.handleHistory)
		api.Post("/payment/checkout", s.handleCheckout)
		api.Post("/payment/verify", s.handleVerify)
		api.Post("/promo/redeem", s.handleRedeemPromo)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
		})
		admin.Route("/promo-codes", func(r chi.Router) {
			r.Get("/", s.handleListPromos)
			r.Post("/", s.handleCreatePromo)
			r.Put("/{id}", s.handleUpdatePromo)
			r.Delete("/{id}", s.handleDeletePromo)
		})
		admin.Post("/users/{id}/credits", s.handleGrantCredits)
		admin.Get("/cache/stats", s.handleCacheStats)
		admin.Delete("/cache/{key}", s.handleInvalidateCache)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.writeTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

type ctxKey struct{}

// requireUser takes the caller's id from X-User-ID. Authentication happens upstream.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r.Header.Get("X-User-ID"))
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.password == "" || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="hairsim"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.svc.Health))
	for _, hc := range s.svc.Health {
		if err := hc.Check(ctx); err != nil {
			s.log.Warn("health check failed", "check", hc.Name, "err", err)
			checks[hc.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[hc.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
