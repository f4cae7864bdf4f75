package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) SyncActivities(ctx context.Context, req SyncRequest) (Report, error) {
	r.calls.Add(1)
	if r.err != nil {
		return Report{}, r.err
	}
	report := NewReport("run")
	report.Errors["u1"] = "network: timeout"
	return report, nil
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	runner := &countingRunner{}
	scheduler := NewScheduler(runner, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Start(ctx)

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerSurvivesRunErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("storage unavailable")}
	scheduler := NewScheduler(runner, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)

	require.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, time.Millisecond)
}
