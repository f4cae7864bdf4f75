package webhook

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyApplier struct {
	mu       sync.Mutex
	failures int
	applied  []Event
	attempts int
}

func (a *flakyApplier) Apply(_ context.Context, event Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.failures > 0 {
		a.failures--
		return errors.New("transient")
	}
	a.applied = append(a.applied, event)
	return nil
}

func (a *flakyApplier) snapshot() (int, []Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts, append([]Event(nil), a.applied...)
}

func TestMemoryQueueRejectsWhenFull(t *testing.T) {
	queue := NewMemoryQueue(&flakyApplier{}, 1)
	require.NoError(t, queue.Enqueue(context.Background(), sampleEvent()))
	require.ErrorIs(t, queue.Enqueue(context.Background(), sampleEvent()), ErrQueueFull)
}

func TestMemoryQueueRetriesAndKeepsOrder(t *testing.T) {
	applier := &flakyApplier{failures: 2}
	queue := NewMemoryQueue(applier, 4,
		WithQueueLogger(log.New(testWriter{t}, "", 0)),
		WithQueueRetry(5, time.Millisecond),
	)

	first, second := sampleEvent(), sampleEvent()
	second.ObjectID = 1002
	require.NoError(t, queue.Enqueue(context.Background(), first))
	require.NoError(t, queue.Enqueue(context.Background(), second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	require.Eventually(t, func() bool {
		_, applied := applier.snapshot()
		return len(applied) == 2
	}, time.Second, time.Millisecond)

	attempts, applied := applier.snapshot()
	require.Equal(t, 4, attempts)
	require.Equal(t, []int64{1001, 1002}, []int64{applied[0].ObjectID, applied[1].ObjectID})
}

func TestMemoryQueueDropsAfterRetryBudget(t *testing.T) {
	applier := &flakyApplier{failures: 10}
	queue := NewMemoryQueue(applier, 4,
		WithQueueLogger(log.New(testWriter{t}, "", 0)),
		WithQueueRetry(2, time.Millisecond),
	)
	next := sampleEvent()
	next.ObjectID = 2002
	require.NoError(t, queue.Enqueue(context.Background(), sampleEvent()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	require.Eventually(t, func() bool {
		attempts, _ := applier.snapshot()
		return attempts == 2
	}, time.Second, time.Millisecond)

	applier.mu.Lock()
	applier.failures = 0
	applier.mu.Unlock()
	require.NoError(t, queue.Enqueue(context.Background(), next))

	require.Eventually(t, func() bool {
		_, applied := applier.snapshot()
		return len(applied) == 1 && applied[0].ObjectID == 2002
	}, time.Second, time.Millisecond)
}

func TestMemoryQueueRejectsCancelledContext(t *testing.T) {
	queue := NewMemoryQueue(&flakyApplier{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, queue.Enqueue(ctx, sampleEvent()), context.Canceled)
}
