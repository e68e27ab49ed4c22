package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// settlement is how a processed delivery is returned to the queue
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	case settleDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// outcome is the queue action decided by processTask
type outcome struct {
	settle settlement
	delay  time.Duration
}

func ack() outcome { return outcome{settle: settleAck} }

func requeue(delay time.Duration) outcome { return outcome{settle: settleRequeue, delay: delay} }

func deadLetter() outcome { return outcome{settle: settleDeadLetter} }

const dequeueErrorPause = time.Second

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop blocks on the queue, processes one task, and settles it before taking the next
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Info("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Worker goroutine stopping - stopChan closed")
			return
		case <-ctx.Done():
			logger.Info("Worker goroutine stopping - context canceled")
			return
		default:
		}

		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			logger.Error("Failed to dequeue task",
				slog.Any("error", err),
			)
			select {
			case <-time.After(dequeueErrorPause):
			case <-ctx.Done():
			}
			continue
		}

		logger.Info("Worker received task",
			slog.String("job_id", delivery.Task.JobID),
			slog.Int("delivery_count", delivery.DeliveryCount),
		)

		// An in-flight task runs to completion on shutdown, bounded by the processing timeout.
		taskCtx := context.WithoutCancel(ctx)
		out := w.processTask(taskCtx, logger.With(slog.String("job_id", delivery.Task.JobID)), delivery.Task)

		var settleErr error
		switch out.settle {
		case settleAck:
			settleErr = w.queue.Ack(taskCtx, delivery.Handle)
		case settleRequeue:
			settleErr = w.queue.Nack(taskCtx, delivery.Handle, true, out.delay)
		case settleDeadLetter:
			settleErr = w.queue.Nack(taskCtx, delivery.Handle, false, 0)
		}

		if settleErr != nil {
			logger.Error("Failed to settle task",
				slog.String("job_id", delivery.Task.JobID),
				slog.String("settlement", out.settle.String()),
				slog.Any("error", settleErr),
			)
			continue
		}

		logger.Debug("Task settled",
			slog.String("job_id", delivery.Task.JobID),
			slog.String("settlement", out.settle.String()),
			slog.Duration("delay", out.delay),
		)
	}
}
