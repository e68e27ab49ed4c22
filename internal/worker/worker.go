package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/google/uuid"
)

// Strategies resolves a processing type to its strategy
type Strategies interface {
	Lookup(name string) (domain.Strategy, bool)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	WorkerID          string
	Queue             domain.Queue
	Store             domain.JobStore
	Blobs             domain.BlobStore
	Locker            domain.Locker
	Strategies        Strategies
	Cache             domain.StatusInvalidator
	Notifier          domain.Notifier
	Concurrency       int
	MaxRetries        int
	LockTTL           time.Duration
	ProcessingTimeout time.Duration
	Backoff           Backoff
}

// Worker runs a pool of goroutines that each dequeue and process one task at a time
type Worker struct {
	logger            *slog.Logger
	workerID          string
	queue             domain.Queue
	store             domain.JobStore
	blobs             domain.BlobStore
	locker            domain.Locker
	strategies        Strategies
	cache             domain.StatusInvalidator
	notifier          domain.Notifier
	concurrency       int
	maxRetries        int
	lockTTL           time.Duration
	processingTimeout time.Duration
	backoff           Backoff
	now               func() time.Time
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		workerID:          cfg.WorkerID,
		queue:             cfg.Queue,
		store:             cfg.Store,
		blobs:             cfg.Blobs,
		locker:            cfg.Locker,
		strategies:        cfg.Strategies,
		cache:             cfg.Cache,
		notifier:          cfg.Notifier,
		concurrency:       cfg.Concurrency,
		maxRetries:        cfg.MaxRetries,
		lockTTL:           cfg.LockTTL,
		processingTimeout: cfg.ProcessingTimeout,
		backoff:           cfg.Backoff,
		now:               time.Now,
		stopChan:          make(chan struct{}),
	}

	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.maxRetries <= 0 {
		w.maxRetries = 3
	}
	if w.lockTTL <= 0 {
		w.lockTTL = 10 * time.Minute
	}
	if w.processingTimeout <= 0 {
		w.processingTimeout = 5 * time.Minute
	}
	if w.backoff.Base <= 0 {
		w.backoff.Base = time.Second
	}
	if w.backoff.Max <= 0 {
		w.backoff.Max = 5 * time.Minute
	}
	if w.notifier == nil {
		w.notifier = NewLogNotifier(w.logger)
	}

	return w
}

// Start spawns the worker pool and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.maxRetries),
		slog.Duration("lock_ttl", w.lockTTL),
		slog.Duration("processing_timeout", w.processingTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
		w.logger.Info("Worker stop requested")
	}
	return nil
}

// Stop signals every worker goroutine to exit and waits for in-flight tasks to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
