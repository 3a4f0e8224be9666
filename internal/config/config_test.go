package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/hairsim?parseTime=true")
	t.Setenv("KIE_API_KEY", "kie-key")
	t.Setenv("PAYMENT_PROVIDER", "stripe")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_BUCKET", "photos")
	t.Setenv("S3_PUBLIC_BASE_URL", "https://cdn.example.com")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.FreeDailyGenerations)
	assert.Equal(t, 120*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 168*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 1000, cfg.CacheMaxEntries)
	assert.InDelta(t, 0.2, cfg.CacheEvictFraction, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.CacheSweepInterval)
	assert.InDelta(t, 0.8, cfg.QueueConcurrencyFactor, 1e-9)
	assert.Equal(t, 50, cfg.QueueWindowSize)
	assert.Equal(t, 30*time.Second, cfg.QueueDefaultProcessing)
	assert.True(t, cfg.CacheHitsAreFree)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 20, cfg.MySQLMaxOpenConns)
	assert.Zero(t, cfg.S3PresignTTL)
	assert.Equal(t, "google/nano-banana-edit", cfg.KIEModel)
	assert.Equal(t, []string{"google/nano-banana-edit"}, cfg.KIEAllowedModels)
	assert.False(t, cfg.BotEnabled())
	assert.True(t, cfg.StripeEnabled())
	assert.False(t, cfg.TelegramPaymentsEnabled())
}

func TestLoad_PresignedPhotosNeedNoPublicURL(t *testing.T) {
	setRequired(t)
	t.Setenv("S3_PUBLIC_BASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_PUBLIC_BASE_URL")

	t.Setenv("S3_PRESIGN_TTL_SECONDS", "600")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.S3PresignTTL)
}

func TestLoad_AllowedModelsIncludeDefault(t *testing.T) {
	setRequired(t)
	t.Setenv("KIE_MODEL", " Google/Nano-Banana-Edit ")
	t.Setenv("KIE_ALLOWED_MODELS", "google/nano-banana-pro, ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "google/nano-banana-edit", cfg.KIEModel)
	assert.Equal(t, []string{"google/nano-banana-pro", "google/nano-banana-edit"}, cfg.KIEAllowedModels)
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSQL_DSN")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestLoad_StripeKeysOptionalWhenDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYMENT_PROVIDER", "telegram")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.StripeEnabled())
	assert.True(t, cfg.TelegramPaymentsEnabled())
}

func TestLoad_TelegramPaymentsNeedProviderToken(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYMENT_PROVIDER", "stripe, Telegram")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
}

func TestLoad_RejectsBadEvictFraction(t *testing.T) {
	setRequired(t)
	t.Setenv("CACHE_EVICT_FRACTION", "1.5")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("FREE_DAILY_GENERATIONS=7\nREDIS_ADDR=localhost:6379\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	t.Setenv("FREE_DAILY_GENERATIONS", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.FreeDailyGenerations)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestNormalizeKIEBaseURL(t *testing.T) {
	const fallback = "https://api.kie.ai"
	assert.Equal(t, "https://api.kie.ai", normalizeKIEBaseURL("kie.ai", fallback))
	assert.Equal(t, "https://api.kie.ai", normalizeKIEBaseURL("https://kie.ai", fallback))
	assert.Equal(t, fallback, normalizeKIEBaseURL("  ", fallback))
	assert.Equal(t, "http://localhost:9000", normalizeKIEBaseURL("http://localhost:9000", fallback))
}
