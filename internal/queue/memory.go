package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// MemoryOptions tunes the in-process queue
type MemoryOptions struct {
	// VisibilityTimeout returns an unsettled delivery to the queue. Zero disables it.
	VisibilityTimeout time.Duration
	// MaxDeliveries dead-letters a task once it has been delivered this many times. Zero disables it.
	MaxDeliveries int
	// MessageTTL dead-letters a task that waited longer than this since it entered the queue.
	// A delayed requeue counts as a new entry. Zero disables it.
	MessageTTL time.Duration
}

type memoryMessage struct {
	task        domain.Task
	deliveries  int
	enqueuedAt  time.Time
	availableAt time.Time
	deadline    time.Time
}

// MemoryQueue is an in-process domain.Queue with at-least-once semantics
type MemoryQueue struct {
	opts MemoryOptions

	mu         sync.Mutex
	ready      []*memoryMessage
	inflight   map[domain.AckHandle]*memoryMessage
	dead       []domain.Task
	nextHandle domain.AckHandle
	notify     chan struct{}
	now        func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue
func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	return &MemoryQueue{
		opts:     opts,
		inflight: make(map[domain.AckHandle]*memoryMessage),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends task to the queue
func (q *MemoryQueue) Enqueue(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	now := q.now()
	q.ready = append(q.ready, &memoryMessage{task: task, enqueuedAt: now, availableAt: now})
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue blocks until a task is available or ctx is done
func (q *MemoryQueue) Dequeue(ctx context.Context) (*domain.Delivery, error) {
	for {
		delivery, wait := q.tryDequeue(q.now())
		if delivery != nil {
			return delivery, nil
		}
		if err := q.waitFor(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) waitFor(ctx context.Context, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		// pass on a wake-up this waiter may have raced with
		q.wake()
		return ctx.Err()
	case <-q.notify:
	case <-timeout:
	}
	return nil
}

// tryDequeue returns a delivery, or how long to wait before the next candidate
// becomes available (zero meaning wait for an Enqueue)
func (q *MemoryQueue) tryDequeue(now time.Time) (*domain.Delivery, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimLocked(now)

	var next time.Time
	for i := 0; i < len(q.ready); i++ {
		msg := q.ready[i]

		if q.opts.MessageTTL > 0 && !msg.availableAt.After(now) && now.Sub(msg.enqueuedAt) > q.opts.MessageTTL {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			q.dead = append(q.dead, msg.task)
			i--
			continue
		}
		if q.opts.MaxDeliveries > 0 && msg.deliveries >= q.opts.MaxDeliveries {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			q.dead = append(q.dead, msg.task)
			i--
			continue
		}
		if msg.availableAt.After(now) {
			if next.IsZero() || msg.availableAt.Before(next) {
				next = msg.availableAt
			}
			continue
		}

		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		msg.deliveries++
		if q.opts.VisibilityTimeout > 0 {
			msg.deadline = now.Add(q.opts.VisibilityTimeout)
		}
		q.nextHandle++
		q.inflight[q.nextHandle] = msg
		if len(q.ready) > 0 {
			q.wake()
		}

		return &domain.Delivery{
			Task:          msg.task,
			Handle:        q.nextHandle,
			DeliveryCount: msg.deliveries,
		}, 0
	}

	for _, msg := range q.inflight {
		if !msg.deadline.IsZero() && (next.IsZero() || msg.deadline.Before(next)) {
			next = msg.deadline
		}
	}
	if next.IsZero() {
		return nil, 0
	}
	wait := next.Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return nil, wait
}

// reclaimLocked returns in-flight messages whose visibility timeout passed
func (q *MemoryQueue) reclaimLocked(now time.Time) {
	for handle, msg := range q.inflight {
		if msg.deadline.IsZero() || now.Before(msg.deadline) {
			continue
		}
		delete(q.inflight, handle)
		msg.deadline = time.Time{}
		msg.availableAt = now
		q.ready = append(q.ready, msg)
	}
}

// Ack removes the delivery permanently
func (q *MemoryQueue) Ack(ctx context.Context, handle domain.AckHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[handle]; !ok {
		return domain.ErrUnknownDelivery
	}
	delete(q.inflight, handle)
	return nil
}

// Nack requeues after delay, or dead-letters when requeue is false
func (q *MemoryQueue) Nack(ctx context.Context, handle domain.AckHandle, requeue bool, delay time.Duration) error {
	q.mu.Lock()
	msg, ok := q.inflight[handle]
	if !ok {
		q.mu.Unlock()
		return domain.ErrUnknownDelivery
	}
	delete(q.inflight, handle)

	if !requeue {
		q.dead = append(q.dead, msg.task)
		q.mu.Unlock()
		return nil
	}

	msg.deadline = time.Time{}
	msg.availableAt = q.now().Add(delay)
	if delay > 0 {
		// a delayed retry re-enters the queue when its delay ends
		msg.enqueuedAt = msg.availableAt
	}
	q.ready = append(q.ready, msg)
	q.mu.Unlock()

	q.wake()
	return nil
}

// DeadLetters returns a copy of the dead-letter channel contents
func (q *MemoryQueue) DeadLetters() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]domain.Task(nil), q.dead...)
}

// Len returns the number of tasks waiting or scheduled for delivery
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready)
}

// InFlight returns the number of delivered but unsettled tasks
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.inflight)
}
