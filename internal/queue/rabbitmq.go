package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	attemptsHeader      = "x-attempts"
	brokerDeliveryCount = "x-delivery-count"
	contentTypeJSON     = "application/json"
)

// errDeliveriesClosed means the broker channel closed under the consumer; the next Dequeue resubscribes
var errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// Broker is the subset of the shared RabbitMQ client used by RabbitQueue
type Broker interface {
	PublishWithRetry(ctx context.Context, msg amqp.Publishing) error
	PublishDelayed(ctx context.Context, msg amqp.Publishing, delay time.Duration) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// RabbitQueue implements domain.Queue over a RabbitMQ main queue, a TTL-based
// retry queue, and a dead-letter exchange
type RabbitQueue struct {
	broker        Broker
	consumerTag   string
	maxDeliveries int
	logger        *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	nextHandle domain.AckHandle
	pending    map[domain.AckHandle]amqp.Delivery
}

// NewRabbitQueue creates a RabbitQueue. Consuming starts on the first Dequeue
// and restarts after the broker channel closes.
// Deliveries beyond maxDeliveries are dead-lettered; zero disables the check.
func NewRabbitQueue(broker Broker, consumerTag string, maxDeliveries int, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		broker:        broker,
		consumerTag:   consumerTag,
		maxDeliveries: maxDeliveries,
		logger:        logger,
		pending:       make(map[domain.AckHandle]amqp.Delivery),
	}
}

// Enqueue publishes task as a persistent JSON message
func (q *RabbitQueue) Enqueue(ctx context.Context, task domain.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task for job %s: %w", task.JobID, err)
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    task.JobID,
		Timestamp:    task.EnqueuedAt,
		Body:         body,
		Headers:      amqp.Table{attemptsHeader: int32(0)},
	}
	if err := q.broker.PublishWithRetry(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", task.JobID, err)
	}
	return nil
}

// subscribe returns the active delivery channel, consuming anew when there is none
func (q *RabbitQueue) subscribe() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.broker.Consume(q.consumerTag)
	if err != nil {
		return nil, err
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// unsubscribe forgets a closed delivery channel and the deliveries still pending on it
func (q *RabbitQueue) unsubscribe(closed <-chan amqp.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != closed {
		return
	}
	q.deliveries = nil
	clear(q.pending)
}

// Dequeue blocks until a well-formed task arrives. Malformed messages are dead-lettered.
func (q *RabbitQueue) Dequeue(ctx context.Context) (*domain.Delivery, error) {
	deliveries, err := q.subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				q.unsubscribe(deliveries)
				q.logger.Warn("RabbitMQ delivery channel closed, resubscribing on next dequeue")
				return nil, errDeliveriesClosed
			}

			var task domain.Task
			if err := json.Unmarshal(d.Body, &task); err != nil || task.JobID == "" {
				q.logger.Error("Failed to parse task message, dead-lettering",
					slog.Any("error", err),
					slog.String("body", string(d.Body)),
				)
				if nackErr := d.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			count := deliveryCount(d)
			if q.maxDeliveries > 0 && count > q.maxDeliveries {
				q.logger.Warn("Delivery limit exceeded, dead-lettering task",
					slog.String("job_id", task.JobID),
					slog.Int("delivery_count", count),
					slog.Int("max_deliveries", q.maxDeliveries),
				)
				if nackErr := d.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK over-delivered message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			// Delivery tags restart on every channel, so handles are numbered by the queue.
			q.mu.Lock()
			q.nextHandle++
			handle := q.nextHandle
			q.pending[handle] = d
			q.mu.Unlock()

			return &domain.Delivery{
				Task:          task,
				Handle:        handle,
				DeliveryCount: count,
			}, nil
		}
	}
}

func (q *RabbitQueue) take(handle domain.AckHandle) (amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.pending[handle]
	if !ok {
		return amqp.Delivery{}, domain.ErrUnknownDelivery
	}
	delete(q.pending, handle)
	return d, nil
}

// Ack removes the delivery from the queue
func (q *RabbitQueue) Ack(ctx context.Context, handle domain.AckHandle) error {
	d, err := q.take(handle)
	if err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", handle, err)
	}
	return nil
}

// Nack settles a delivery negatively. A requeue with a positive delay goes
// through the retry queue; requeue=false routes to the dead-letter exchange.
func (q *RabbitQueue) Nack(ctx context.Context, handle domain.AckHandle, requeue bool, delay time.Duration) error {
	d, err := q.take(handle)
	if err != nil {
		return err
	}

	if !requeue {
		if err := d.Nack(false, false); err != nil {
			return fmt.Errorf("failed to dead-letter delivery %d: %w", handle, err)
		}
		return nil
	}

	if delay <= 0 {
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to requeue delivery %d: %w", handle, err)
		}
		return nil
	}

	msg := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
		Headers:      amqp.Table{attemptsHeader: int32(attempts(d) + 1)},
	}
	if err := q.broker.PublishDelayed(ctx, msg, delay); err != nil {
		q.logger.Warn("Failed to schedule delayed retry, requeueing immediately",
			slog.String("message_id", d.MessageId),
			slog.Any("error", err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("failed to requeue delivery %d: %w", handle, nackErr)
		}
		return nil
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack retried delivery %d: %w", handle, err)
	}
	return nil
}

func attempts(d amqp.Delivery) int {
	return headerInt(d.Headers, attemptsHeader)
}

// deliveryCount is the number of times this task has been handed to a consumer,
// counting both delayed retries and broker redeliveries
func deliveryCount(d amqp.Delivery) int {
	n := attempts(d) + 1 + headerInt(d.Headers, brokerDeliveryCount)
	if d.Redelivered && headerInt(d.Headers, brokerDeliveryCount) == 0 {
		n++
	}
	return n
}

func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case int16:
		return int(v)
	}
	return 0
}
