package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/blob"
	"github.com/cuongbtq/upload-pipeline/internal/config"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/cuongbtq/upload-pipeline/internal/lock"
	"github.com/cuongbtq/upload-pipeline/internal/processing"
	"github.com/cuongbtq/upload-pipeline/internal/queue"
	"github.com/cuongbtq/upload-pipeline/internal/reaper"
	"github.com/cuongbtq/upload-pipeline/internal/statuscache"
	"github.com/cuongbtq/upload-pipeline/internal/storage"
	"github.com/cuongbtq/upload-pipeline/internal/worker"
	"github.com/cuongbtq/upload-pipeline/shared/logger"
	"github.com/cuongbtq/upload-pipeline/shared/postgresql"
	"github.com/cuongbtq/upload-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/upload-pipeline/shared/redis"
	"github.com/joho/godotenv"
)

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

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
	locker := lock.NewRedisLocker(redisClient.GetClient(), cfg.Redis.KeyPrefix)
	cache := statuscache.NewRedisCache(redisClient.GetClient(), cfg.Redis.KeyPrefix)
	notifier := worker.NewLogNotifier(appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		WorkerID:          cfg.Worker.ID,
		Queue:             taskQueue,
		Store:             store,
		Blobs:             blobs,
		Locker:            locker,
		Strategies:        processing.NewDefaultRegistry(),
		Cache:             cache,
		Notifier:          notifier,
		Concurrency:       cfg.Worker.Concurrency,
		MaxRetries:        cfg.Worker.MaxRetries,
		LockTTL:           cfg.Worker.LockTTL,
		ProcessingTimeout: cfg.Worker.ProcessingTimeout,
		Backoff: worker.Backoff{
			Base: cfg.Worker.BackoffBase,
			Max:  cfg.Worker.BackoffMax,
		},
	})

	var background sync.WaitGroup
	errChan := make(chan error, 1)

	background.Add(1)
	go func() {
		defer background.Done()
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	if cfg.Reaper.Enabled {
		staleReaper := reaper.New(&reaper.Config{
			Logger:       appLogger.WithAttrs(slog.String("component", "reaper")).Logger,
			Store:        store,
			Queue:        taskQueue,
			Locker:       locker,
			Cache:        cache,
			Notifier:     notifier,
			Interval:     cfg.Reaper.Interval,
			StaleAfter:   cfg.Reaper.StaleAfter,
			PendingAfter: cfg.Reaper.PendingAfter,
			MaxRetries:   cfg.Worker.MaxRetries,
			LockTTL:      cfg.Reaper.LockTTL,
			BatchSize:    cfg.Reaper.BatchSize,
		})

		background.Add(1)
		go func() {
			defer background.Done()
			if err := staleReaper.Run(ctx); err != nil {
				appLogger.Error("Reaper stopped", slog.Any("error", err))
			}
		}()
	}

	appLogger.Info("Worker service started successfully",
		slog.Bool("reaper_enabled", cfg.Reaper.Enabled),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		background.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete", dbClient.StatsAttr())
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

// initRedis initializes the Redis client backing the job lock and status cache
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
