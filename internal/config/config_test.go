package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"SERVER_PORT", "PORT", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "PAYOUT_CURRENCY",
	"MINIMUM_PAYOUT", "PAYOUT_TIMEOUT_SECONDS", "PAYMENT_SUBMIT_RATE_LIMIT_PER_MINUTE",
	"PAYOUT_RATE_LIMIT_PER_MINUTE", "OUTBOX_RETENTION_DAYS", "CORS_ALLOWED_ORIGINS",
	"OBJECT_STORAGE_USE_SSL", "LOG_LEVEL", "INTERNAL_API_KEY",
}

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range configKeys {
		unsetEnvWithCleanup(t, key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetConfig(t)

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.ServerPort)
	assert.Equal(t, "billing", cfg.RedisKeyPrefix)
	assert.Equal(t, "notifications", cfg.NotificationExchange)
	assert.Equal(t, "PHP", cfg.PayoutCurrency)
	assert.Equal(t, "50", cfg.MinimumPayout.String())
	assert.Equal(t, 30, cfg.PayoutTimeoutSeconds)
	assert.Equal(t, 10, cfg.PaymentSubmitRateLimitPerMinute)
	assert.Equal(t, 5, cfg.PayoutRateLimitPerMinute)
	assert.Equal(t, "@every 5s", cfg.OutboxFlushSchedule)
	assert.Equal(t, "0 3 * * *", cfg.OutboxPurgeSchedule)
	assert.Equal(t, 7, cfg.OutboxRetentionDays)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.ObjectStorageUseSSL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	resetConfig(t)
	t.Setenv("PORT", "9000")
	t.Setenv("PAYOUT_CURRENCY", " php ")
	t.Setenv("MINIMUM_PAYOUT", "75.50")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://landlord.example.ph, https://tenant.example.ph,")
	t.Setenv("OBJECT_STORAGE_USE_SSL", "false")
	t.Setenv("INTERNAL_API_KEY", "  internal-key ")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.ServerPort)
	assert.Equal(t, "PHP", cfg.PayoutCurrency)
	assert.Equal(t, "75.5", cfg.MinimumPayout.String())
	assert.Equal(t, []string{"https://landlord.example.ph", "https://tenant.example.ph"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.ObjectStorageUseSSL)
	assert.Equal(t, "internal-key", cfg.InternalAPIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	resetConfig(t)
	t.Setenv("MINIMUM_PAYOUT", "-10")
	t.Setenv("PAYOUT_TIMEOUT_SECONDS", "0")
	t.Setenv("PAYMENT_SUBMIT_RATE_LIMIT_PER_MINUTE", "-1")
	t.Setenv("PAYOUT_RATE_LIMIT_PER_MINUTE", "-3")
	t.Setenv("OUTBOX_RETENTION_DAYS", "0")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "50", cfg.MinimumPayout.String())
	assert.Equal(t, 30, cfg.PayoutTimeoutSeconds)
	assert.Equal(t, 10, cfg.PaymentSubmitRateLimitPerMinute)
	assert.Equal(t, 5, cfg.PayoutRateLimitPerMinute)
	assert.Equal(t, 7, cfg.OutboxRetentionDays)
}

func TestLoadConfig_InvalidMinimumPayoutFallsBack(t *testing.T) {
	resetConfig(t)
	t.Setenv("MINIMUM_PAYOUT", "fifty")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "50", cfg.MinimumPayout.String())
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DATABASE_URL=postgres://billing@localhost/billing\nREDIS_KEY_PREFIX=rentflow\n"), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://billing@localhost/billing", cfg.DatabaseURL)
	assert.Equal(t, "rentflow", cfg.RedisKeyPrefix)
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
