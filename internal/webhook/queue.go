package webhook

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrQueueFull is returned when an in-process queue cannot accept more events.
var ErrQueueFull = errors.New("webhook queue full")

// Queue hands events off for asynchronous application.
type Queue interface {
	Enqueue(ctx context.Context, event Event) error
}

// MemoryQueue is a bounded in-process Queue drained by a single worker, which
// keeps events in arrival order.
type MemoryQueue struct {
	events   chan Event
	applier  Applier
	logger   *log.Logger
	maxTries uint
	initial  time.Duration
}

// MemoryQueueOption customises a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithQueueLogger overrides the default logger.
func WithQueueLogger(logger *log.Logger) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithQueueRetry bounds the attempts made for one event before it is dropped.
func WithQueueRetry(maxTries uint, initial time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if maxTries > 0 {
			q.maxTries = maxTries
		}
		if initial > 0 {
			q.initial = initial
		}
	}
}

// NewMemoryQueue builds a queue holding at most size pending events.
func NewMemoryQueue(applier Applier, size int, opts ...MemoryQueueOption) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	q := &MemoryQueue{
		events:   make(chan Event, size),
		applier:  applier,
		logger:   log.New(log.Writer(), "[webhook] ", log.LstdFlags|log.Lmicroseconds),
		maxTries: 5,
		initial:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue never blocks; a full buffer is reported as ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.events <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run applies queued events until ctx is cancelled.
func (q *MemoryQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-q.events:
			q.apply(ctx, event)
		}
	}
}

func (q *MemoryQueue) apply(ctx context.Context, event Event) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.initial

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, q.applier.Apply(ctx, event)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(q.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			q.logger.Printf("retrying %s %d in %s: %v", event.ObjectType, event.ObjectID, wait, err)
		}),
	)
	if err != nil && ctx.Err() == nil {
		q.logger.Printf("dropping %s %s for %d after %d attempts: %v", event.ObjectType, event.AspectType, event.ObjectID, q.maxTries, err)
	}
}
