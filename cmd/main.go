/**
 * @description
 * Main entry point for the billing-service. It loads configuration, connects to
 * PostgreSQL, Redis, RabbitMQ and object storage, builds the application service and
 * its background jobs, and serves the HTTP API until SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: rate limiting and per-landlord payout locks.
 * - github.com/joho/godotenv: .env loading for local development.
 * - go.uber.org/zap: structured logging.
 * - internal/api, internal/app, internal/config, internal/metrics, internal/store.
 * - pkg/objectstore, pkg/payoutclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rentflow/billing-service/internal/api"
	"github.com/rentflow/billing-service/internal/app"
	"github.com/rentflow/billing-service/internal/config"
	"github.com/rentflow/billing-service/internal/metrics"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/rentflow/billing-service/pkg/objectstore"
	"github.com/rentflow/billing-service/pkg/payoutclient"
	"github.com/rentflow/billing-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("cannot build logger: %v", err)
	}
	defer logger.Sync()
	bootLog := logger.With(zap.String("component", "bootstrap"))
	bootLog.Info("starting billing-service", zap.String("port", cfg.ServerPort))

	if strings.TrimSpace(cfg.PaymentWebhookToken) == "" || strings.TrimSpace(cfg.PayoutWebhookToken) == "" {
		bootLog.Warn("webhook token missing; the matching webhook endpoint will reject every request",
			zap.Bool("payment_token_set", strings.TrimSpace(cfg.PaymentWebhookToken) != ""),
			zap.Bool("payout_token_set", strings.TrimSpace(cfg.PayoutWebhookToken) != ""),
		)
	}

	// Storage. Without DATABASE_URL the service runs on the in-memory repository.
	var (
		repository store.Repository
		dbpool     *pgxpool.Pool
	)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		bootLog.Warn("database url missing; using in-memory repository", zap.String("env", "DATABASE_URL"))
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			bootLog.Fatal("database url parse failed", zap.Error(err))
		}
		poolConfig.MaxConns = 25
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err = pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			bootLog.Fatal("database connection failed", zap.Error(err))
		}
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		err = dbpool.Ping(pingCtx)
		cancelPing()
		if err != nil {
			bootLog.Fatal("database ping failed", zap.Error(err))
		}
		repository = store.NewPostgresRepository(dbpool)
		bootLog.Info("database connected")
	}

	redisClient := connectRedis(cfg.RedisURL, bootLog)

	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq producer unavailable; notifications will be discarded", zap.Error(err))
		producer = &rabbitmq.EventProducerFallback{Logger: logger.Named("rabbitmq_fallback")}
	} else {
		producer = eventProducer
		bootLog.Info("rabbitmq producer connected")
	}
	notifier := rabbitmq.NewNotificationPublisher(producer, cfg.NotificationExchange)

	m := metrics.New()
	gateway := payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPISecretKey,
		time.Duration(cfg.PayoutTimeoutSeconds)*time.Second, logger)

	billingService := app.NewService(repository, gateway, logger.Named("app"), app.Settings{
		MinimumPayout:               cfg.MinimumPayout,
		Currency:                    cfg.PayoutCurrency,
		PaymentSubmitLimitPerMinute: cfg.PaymentSubmitRateLimitPerMinute,
		PayoutLimitPerMinute:        cfg.PayoutRateLimitPerMinute,
	})
	billingService.SetMetrics(m)

	if redisClient != nil {
		billingService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix))
		billingService.SetPayoutLocker(app.NewRedisPayoutLocker(redisClient, cfg.RedisKeyPrefix, 0, logger))
	} else {
		bootLog.Warn("redis unavailable; rate limiting disabled and payout locks are process-local")
	}

	if strings.TrimSpace(cfg.ObjectStorageEndpoint) == "" {
		bootLog.Warn("object storage not configured; proof uploads disabled", zap.String("env", "OBJECT_STORAGE_ENDPOINT"))
	} else {
		proofs, err := objectstore.New(cfg.ObjectStorageEndpoint, cfg.ObjectStorageAccessKey,
			cfg.ObjectStorageSecretKey, cfg.ObjectStorageBucket, cfg.ObjectStorageUseSSL)
		if err != nil {
			bootLog.Fatal("object storage init failed", zap.Error(err))
		}
		bucketCtx, cancelBucket := context.WithTimeout(context.Background(), 10*time.Second)
		if err := proofs.EnsureBucket(bucketCtx); err != nil {
			bootLog.Warn("object storage bucket check failed", zap.String("bucket", cfg.ObjectStorageBucket), zap.Error(err))
		}
		cancelBucket()
		billingService.SetProofStorage(proofs)
	}

	// Background jobs: outbox delivery and cleanup.
	dispatcher := app.NewOutboxDispatcher(repository, notifier, logger, m)
	scheduler := app.NewScheduler(logger)
	if err := scheduler.AddJob("outbox_flush", cfg.OutboxFlushSchedule, 30*time.Second, func(ctx context.Context) error {
		_, err := dispatcher.FlushOnce(ctx)
		return err
	}); err != nil {
		bootLog.Fatal("outbox flush schedule invalid", zap.String("spec", cfg.OutboxFlushSchedule), zap.Error(err))
	}
	retention := time.Duration(cfg.OutboxRetentionDays) * 24 * time.Hour
	if err := scheduler.AddJob("outbox_purge", cfg.OutboxPurgeSchedule, 5*time.Minute, func(ctx context.Context) error {
		_, err := dispatcher.PurgeOnce(ctx, retention, time.Now())
		return err
	}); err != nil {
		bootLog.Fatal("outbox purge schedule invalid", zap.String("spec", cfg.OutboxPurgeSchedule), zap.Error(err))
	}
	scheduler.Start()

	handlers := api.NewHandlers(billingService, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWKSURL:        cfg.JWKSURL,
			Audience:       cfg.JWTAudience,
			Issuer:         cfg.JWTIssuer,
			InternalAPIKey: cfg.InternalAPIKey,
		},
		PaymentWebhookToken: cfg.PaymentWebhookToken,
		PayoutWebhookToken:  cfg.PayoutWebhookToken,
		AllowedOrigins:      cfg.CORSAllowedOrigins,
		MetricsHandler:      m.Handler(),
	}, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	scheduler.Stop(ctx)
	producer.Close()
	if redisClient != nil {
		redisClient.Close()
	}
	if dbpool != nil {
		dbpool.Close()
	}
	logger.Info("shutdown complete", zap.String("component", "http"))
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atomic = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.Level = atomic
	return zcfg.Build(zap.Fields(zap.String("service", "billing-service")))
}

// connectRedis returns nil when REDIS_URL is unset or the server does not answer.
func connectRedis(redisURL string, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing", zap.String("env", "REDIS_URL"))
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
