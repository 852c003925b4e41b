package migrate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler drives RunAutoMigration on a fixed interval. One iteration's
// failure is logged and the loop continues; cancellation is honored
// between iterations, never mid-transfer.
type Scheduler struct {
	service *Service
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(service *Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{service: service, logger: logger}
}

// Start launches the background loop. Returns false if already running.
func (s *Scheduler) Start(interval time.Duration, moveFiles bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, interval, moveFiles)
	s.logger.Info("migration scheduler started", "interval", interval, "move", moveFiles)
	return true
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, moveFiles bool) {
	defer close(s.done)

	for {
		s.runOnce(ctx, moveFiles)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// runOnce contains one iteration's failure, including panics from backend
// drivers, so a transient error never kills the loop.
func (s *Scheduler) runOnce(ctx context.Context, moveFiles bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("migration iteration panicked", "panic", r)
		}
	}()

	if ctx.Err() != nil {
		return
	}

	run, err := s.service.RunAutoMigration(ctx, false, moveFiles, nil)
	if err != nil {
		s.logger.Error("migration iteration failed", "error", err)
		return
	}
	if run.Exec != nil && (run.Exec.FilesMigrated > 0 || run.Exec.FilesFailed > 0) {
		s.logger.Info("scheduled migration finished",
			"migrated", run.Exec.FilesMigrated, "failed", run.Exec.FilesFailed)
	}
}

// Stop cancels the loop and blocks until the current iteration yields.
// Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
