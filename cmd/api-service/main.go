package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/api/handler"
	"github.com/cuongbtq/upload-pipeline/internal/api/router"
	"github.com/cuongbtq/upload-pipeline/internal/blob"
	"github.com/cuongbtq/upload-pipeline/internal/config"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/cuongbtq/upload-pipeline/internal/ingest"
	"github.com/cuongbtq/upload-pipeline/internal/processing"
	"github.com/cuongbtq/upload-pipeline/internal/queue"
	"github.com/cuongbtq/upload-pipeline/internal/statuscache"
	"github.com/cuongbtq/upload-pipeline/internal/storage"
	"github.com/cuongbtq/upload-pipeline/migrations"
	"github.com/cuongbtq/upload-pipeline/shared/logger"
	"github.com/cuongbtq/upload-pipeline/shared/postgresql"
	"github.com/cuongbtq/upload-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/upload-pipeline/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// multipartOverhead is the body allowance for multipart framing and form fields
const multipartOverhead = 1 << 20

func main() {
	if err := run(); err != nil {
		logger.NewDefault().Error("Service exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.NewDefault().Info("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	blobs, err := initBlobStore(ctx, &cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	store := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
	taskQueue := queue.NewRabbitQueue(rabbitClient, cfg.RabbitMQ.Consumer.Tag, cfg.RabbitMQ.Consumer.MaxDeliveries, appLogger.Logger)

	uploader := ingest.NewService(&ingest.Config{
		Logger:           appLogger.With("component", "ingest").Logger,
		Blobs:            blobs,
		Store:            store,
		Queue:            taskQueue,
		MaxFileSize:      cfg.Ingestion.MaxFileSize,
		AllowedMIMETypes: cfg.Ingestion.AllowedMIMETypes,
		ProcessingTypes:  processing.NewDefaultRegistry().Names(),
		EnqueueTimeout:   cfg.Ingestion.EnqueueTimeout,
		DeleteAttempts:   cfg.Ingestion.DeleteAttempts,
		DeleteBackoff:    cfg.Ingestion.DeleteBackoff,
	})

	statusReader := statuscache.NewReader(
		statuscache.NewRedisCache(redisClient.GetClient(), cfg.Redis.KeyPrefix),
		store,
		cfg.Cache.TTL,
		appLogger.Logger,
	)

	r := initRouter(cfg, &handler.Dependencies{
		Logger:       appLogger.Logger,
		ServiceName:  cfg.App.Name,
		Uploader:     uploader,
		StatusReader: statusReader,
		HealthChecks: map[string]handler.HealthChecker{
			"postgres": dbClient,
			"rabbitmq": rabbitClient,
			"redis":    redisClient,
		},
		MaxRequestBytes: uploader.MaxFileSize() + multipartOverhead,
		UploadRateLimit: cfg.Server.UploadRateLimit,
		UploadBurst:     cfg.Server.UploadBurst,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete", dbClient.StatsAttr())
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectInterval: cfg.ConnectInterval,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client and declares the task topology
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		QueueName:          cfg.Queue.Name,
		RoutingKey:         cfg.RoutingKey,
		RetryQueueName:     cfg.Queue.RetryQueue,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		MessageTTL:         cfg.Queue.MessageTTL,
		QuorumQueue:        cfg.Queue.Quorum,
		DeliveryLimit:      cfg.Queue.DeliveryLimit,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initRedis initializes the Redis client backing the status cache
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initBlobStore builds the configured blob store driver
func initBlobStore(ctx context.Context, cfg *config.BlobConfig) (domain.BlobStore, error) {
	switch cfg.Driver {
	case config.BlobDriverS3:
		client, err := blob.NewS3Client(ctx, blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return blob.NewS3Store(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
	case config.BlobDriverFS:
		return blob.NewFSStore(cfg.FS.Root)
	default:
		return nil, fmt.Errorf("unknown blob driver: %q", cfg.Driver)
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
