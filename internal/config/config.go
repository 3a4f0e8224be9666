package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API, the bot and supporting services.
type Config struct {
	LogLevel string

	BotToken string
	MySQLDSN string
	// MySQLMaxOpenConns bounds the pool; idle connections are a quarter of it.
	MySQLMaxOpenConns int
	KIEAPIKey         string
	KIEBaseURL        string
	KIEModel          string
	// KIEAllowedModels lists the model ids callers may pick. Always contains KIEModel.
	KIEAllowedModels []string
	RequestTimeout   time.Duration

	FreeDailyGenerations int
	GenerationTimeout    time.Duration
	CacheHitsAreFree     bool

	CacheTTL           time.Duration
	CacheMaxEntries    int
	CacheEvictFraction float64
	CacheSweepInterval time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	QueueConcurrencyFactor float64
	QueueWindowSize        int
	QueueDefaultProcessing time.Duration

	PaymentProviders             []string
	PaymentCurrency              string
	PaymentPriceMinorUnits       int
	PaymentCreditsPerPackage     int
	PromoDefaultCredits          int
	TelegramPaymentProviderToken string
	StripeSecretKey              string
	StripeWebhookSecret          string
	CheckoutSuccessURL           string
	CheckoutCancelURL            string

	HTTPListenAddr string
	AdminUsername  string
	AdminPassword  string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
	// S3PresignTTL > 0 keeps photos private and hands the provider a presigned URL.
	S3PresignTTL time.Duration
}

// Load reads configuration from an optional .env file and environment variables, applying defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		KIEBaseURL:                   normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		KIEModel:                     strings.ToLower(strings.TrimSpace(getEnv("KIE_MODEL", "google/nano-banana-edit"))),
		KIEAllowedModels:             splitList(os.Getenv("KIE_ALLOWED_MODELS")),
		RequestTimeout:               getSeconds("HTTP_TIMEOUT_SECONDS", 60),
		MySQLMaxOpenConns:            getInt("MYSQL_MAX_OPEN_CONNS", 20),
		FreeDailyGenerations:         getInt("FREE_DAILY_GENERATIONS", 3),
		GenerationTimeout:            getSeconds("GENERATION_TIMEOUT_SECONDS", 120),
		CacheHitsAreFree:             getBool("CACHE_HITS_ARE_FREE", true),
		CacheTTL:                     time.Hour * time.Duration(getInt("CACHE_TTL_HOURS", 168)),
		CacheMaxEntries:              getInt("CACHE_MAX_ENTRIES", 1000),
		CacheEvictFraction:           getFloat("CACHE_EVICT_FRACTION", 0.2),
		CacheSweepInterval:           getSeconds("CACHE_SWEEP_INTERVAL_SECONDS", 300),
		RedisAddr:                    getEnv("REDIS_ADDR", ""),
		RedisPassword:                os.Getenv("REDIS_PASSWORD"),
		RedisDB:                      getInt("REDIS_DB", 0),
		QueueConcurrencyFactor:       getFloat("QUEUE_CONCURRENCY_FACTOR", 0.8),
		QueueWindowSize:              getInt("QUEUE_WINDOW_SIZE", 50),
		QueueDefaultProcessing:       getSeconds("QUEUE_DEFAULT_SECONDS", 30),
		PaymentProviders:             splitList(getEnv("PAYMENT_PROVIDER", "stripe")),
		PaymentCurrency:              strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
		PaymentPriceMinorUnits:       getInt("PAYMENT_PRICE_MINOR_UNITS", 499),
		PaymentCreditsPerPackage:     getInt("PAYMENT_CREDITS_PER_PACKAGE", 20),
		PromoDefaultCredits:          getInt("PROMO_DEFAULT_CREDITS", 5),
		TelegramPaymentProviderToken: os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN"),
		StripeSecretKey:              os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:          os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:           getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/payment/success"),
		CheckoutCancelURL:            getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/payment/cancel"),
		HTTPListenAddr:               getEnv("HTTP_LISTEN_ADDR", ":8080"),
		AdminUsername:                getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:                getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:                   getEnv("S3_ENDPOINT", ""),
		S3Region:                     os.Getenv("S3_REGION"),
		S3AccessKey:                  os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:                  os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                     os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:              os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:               getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                     getEnv("S3_PREFIX", "photos"),
		S3PresignTTL:                 getSeconds("S3_PRESIGN_TTL_SECONDS", 0),
	}

	if !slices.Contains(cfg.KIEAllowedModels, cfg.KIEModel) {
		cfg.KIEAllowedModels = append(cfg.KIEAllowedModels, cfg.KIEModel)
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if cfg.StripeEnabled() {
		if cfg.StripeSecretKey == "" {
			missing = append(missing, "STRIPE_SECRET_KEY")
		}
		if cfg.StripeWebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
	}
	if cfg.TelegramPaymentsEnabled() && cfg.BotEnabled() && cfg.TelegramPaymentProviderToken == "" {
		missing = append(missing, "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" && cfg.S3PresignTTL <= 0 {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.CacheEvictFraction <= 0 || cfg.CacheEvictFraction > 1 {
		return Config{}, fmt.Errorf("CACHE_EVICT_FRACTION must be in (0, 1], got %v", cfg.CacheEvictFraction)
	}
	if cfg.QueueConcurrencyFactor <= 0 {
		return Config{}, fmt.Errorf("QUEUE_CONCURRENCY_FACTOR must be positive, got %v", cfg.QueueConcurrencyFactor)
	}

	return cfg, nil
}

// BotEnabled reports whether the Telegram front-end should start.
func (c Config) BotEnabled() bool {
	return c.BotToken != ""
}

func (c Config) StripeEnabled() bool {
	return c.hasProvider("stripe")
}

func (c Config) TelegramPaymentsEnabled() bool {
	return c.hasProvider("telegram")
}

func (c Config) hasProvider(name string) bool {
	for _, p := range c.PaymentProviders {
		if p == name {
			return true
		}
	}
	return false
}

// normalizeKIEBaseURL ensures we always hit the documented API host. The root kie.ai
// domain serves HTML instead of JSON.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getInt(key, fallback))
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads the first env file found. Running without one is fine:
// containers pass configuration through the environment.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
