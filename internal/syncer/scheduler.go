package syncer

import (
	"context"
	"errors"
	"log"
	"time"
)

// Runner is satisfied by Orchestrator.
type Runner interface {
	SyncActivities(ctx context.Context, req SyncRequest) (Report, error)
}

// Scheduler triggers a full synchronisation pass on a fixed interval.
type Scheduler struct {
	runner           Runner
	interval         time.Duration
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(runner Runner, interval time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[scheduler] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Scheduler{
		runner:           runner,
		interval:         interval,
		logger:           logger,
		shutdownComplete: make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until ctx is done. It
// should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.shutdownComplete)
	}()

	for {
		report, err := s.runner.SyncActivities(ctx, SyncRequest{})
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.logger.Printf("scheduled sync failed: %v", err)
		case err == nil && len(report.Errors) > 0:
			s.logger.Printf("scheduled sync run %s: %d user errors", report.RunID, len(report.Errors))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (s *Scheduler) Wait() {
	<-s.shutdownComplete
}
