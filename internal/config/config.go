/**
 * @description
 * Configuration for the billing service. Values come from environment variables, with an
 * optional .env file in the given path, bound through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/shopspring/decimal: the minimum payout amount.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultServerPort          = "8090"
	defaultMinimumPayout       = "50.00"
	defaultPayoutTimeout       = 30
	defaultPaymentSubmitLimit  = 10
	defaultPayoutLimit         = 5
	defaultOutboxRetentionDays = 7
)

// Config holds all the configuration variables for the billing-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix       string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`

	JWKSURL        string `mapstructure:"JWKS_URL"`
	JWTAudience    string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer      string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	PaymentWebhookToken string `mapstructure:"PAYMENT_WEBHOOK_TOKEN"`
	PayoutWebhookToken  string `mapstructure:"PAYOUT_WEBHOOK_TOKEN"`

	PayoutAPIBaseURL     string          `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPISecretKey   string          `mapstructure:"PAYOUT_API_SECRET_KEY"`
	PayoutTimeoutSeconds int             `mapstructure:"PAYOUT_TIMEOUT_SECONDS"`
	PayoutCurrency       string          `mapstructure:"PAYOUT_CURRENCY"`
	MinimumPayoutRaw     string          `mapstructure:"MINIMUM_PAYOUT"`
	MinimumPayout        decimal.Decimal `mapstructure:"-"`

	ObjectStorageEndpoint  string `mapstructure:"OBJECT_STORAGE_ENDPOINT"`
	ObjectStorageAccessKey string `mapstructure:"OBJECT_STORAGE_ACCESS_KEY"`
	ObjectStorageSecretKey string `mapstructure:"OBJECT_STORAGE_SECRET_KEY"`
	ObjectStorageBucket    string `mapstructure:"OBJECT_STORAGE_BUCKET"`
	ObjectStorageUseSSL    bool   `mapstructure:"OBJECT_STORAGE_USE_SSL"`

	PaymentSubmitRateLimitPerMinute int `mapstructure:"PAYMENT_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	PayoutRateLimitPerMinute        int `mapstructure:"PAYOUT_RATE_LIMIT_PER_MINUTE"`

	OutboxFlushSchedule string `mapstructure:"OUTBOX_FLUSH_SCHEDULE"`
	OutboxPurgeSchedule string `mapstructure:"OUTBOX_PURGE_SCHEDULE"`
	OutboxRetentionDays int    `mapstructure:"OUTBOX_RETENTION_DAYS"`

	CORSAllowedOrigins []string `mapstructure:"-"`
	LogLevel           string   `mapstructure:"LOG_LEVEL"`
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REDIS_KEY_PREFIX", "billing")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "notifications")
	viper.SetDefault("PAYOUT_TIMEOUT_SECONDS", defaultPayoutTimeout)
	viper.SetDefault("PAYOUT_CURRENCY", "PHP")
	viper.SetDefault("MINIMUM_PAYOUT", defaultMinimumPayout)
	viper.SetDefault("OBJECT_STORAGE_USE_SSL", true)
	viper.SetDefault("PAYMENT_SUBMIT_RATE_LIMIT_PER_MINUTE", defaultPaymentSubmitLimit)
	viper.SetDefault("PAYOUT_RATE_LIMIT_PER_MINUTE", defaultPayoutLimit)
	viper.SetDefault("OUTBOX_FLUSH_SCHEDULE", "@every 5s")
	viper.SetDefault("OUTBOX_PURGE_SCHEDULE", "0 3 * * *")
	viper.SetDefault("OUTBOX_RETENTION_DAYS", defaultOutboxRetentionDays)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")

	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX",
		"RABBITMQ_URL", "NOTIFICATION_EXCHANGE",
		"JWKS_URL", "JWT_AUDIENCE", "JWT_ISSUER", "INTERNAL_API_KEY",
		"PAYMENT_WEBHOOK_TOKEN", "PAYOUT_WEBHOOK_TOKEN",
		"PAYOUT_API_BASE_URL", "PAYOUT_API_SECRET_KEY", "PAYOUT_TIMEOUT_SECONDS", "PAYOUT_CURRENCY", "MINIMUM_PAYOUT",
		"OBJECT_STORAGE_ENDPOINT", "OBJECT_STORAGE_ACCESS_KEY", "OBJECT_STORAGE_SECRET_KEY",
		"OBJECT_STORAGE_BUCKET", "OBJECT_STORAGE_USE_SSL",
		"PAYMENT_SUBMIT_RATE_LIMIT_PER_MINUTE", "PAYOUT_RATE_LIMIT_PER_MINUTE",
		"OUTBOX_FLUSH_SCHEDULE", "OUTBOX_PURGE_SCHEDULE", "OUTBOX_RETENTION_DAYS",
		"CORS_ALLOWED_ORIGINS", "LOG_LEVEL",
	} {
		_ = viper.BindEnv(key)
	}

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "billing"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.PaymentWebhookToken = strings.TrimSpace(config.PaymentWebhookToken)
	config.PayoutWebhookToken = strings.TrimSpace(config.PayoutWebhookToken)
	config.PayoutCurrency = strings.ToUpper(strings.TrimSpace(config.PayoutCurrency))
	if config.PayoutCurrency == "" {
		config.PayoutCurrency = "PHP"
	}

	config.MinimumPayout = decimal.RequireFromString(defaultMinimumPayout)
	if raw := strings.TrimSpace(config.MinimumPayoutRaw); raw != "" {
		parsed, parseErr := decimal.NewFromString(raw)
		switch {
		case parseErr != nil:
			log.Printf("level=warn component=config msg=\"invalid MINIMUM_PAYOUT; using default\" value=%q err=%v", raw, parseErr)
		case parsed.IsNegative():
			log.Printf("level=warn component=config msg=\"negative MINIMUM_PAYOUT; using default\" value=%q", raw)
		default:
			config.MinimumPayout = parsed
		}
	}

	if config.PayoutTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid payout timeout; using default\" value=%d", config.PayoutTimeoutSeconds)
		config.PayoutTimeoutSeconds = defaultPayoutTimeout
	}
	if config.PaymentSubmitRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative payment submit rate limit; using default\" value=%d", config.PaymentSubmitRateLimitPerMinute)
		config.PaymentSubmitRateLimitPerMinute = defaultPaymentSubmitLimit
	}
	if config.PayoutRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative payout rate limit; using default\" value=%d", config.PayoutRateLimitPerMinute)
		config.PayoutRateLimitPerMinute = defaultPayoutLimit
	}
	if config.OutboxRetentionDays <= 0 {
		config.OutboxRetentionDays = defaultOutboxRetentionDays
	}

	config.CORSAllowedOrigins = splitList(viper.GetString("CORS_ALLOWED_ORIGINS"))
	if len(config.CORSAllowedOrigins) == 0 {
		config.CORSAllowedOrigins = []string{"*"}
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))

	return
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
