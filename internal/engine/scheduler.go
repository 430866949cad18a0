package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"polytrigger/internal/metrics"
	"polytrigger/internal/model"
	"polytrigger/internal/store"
)

// scheduler drives evaluation cycles on a fixed tick. Cycles run inline in
// the loop goroutine, so two cycles can never overlap; a tick that arrives
// while a cycle is still running is simply dropped by the ticker.
//
// Lifecycle: stopped -> running -> stopping -> stopped. Only a fatal state
// error moves the scheduler to stopped on its own.
type scheduler struct {
	logger   *zap.Logger
	store    store.Store
	interval time.Duration
	cycle    func(ctx context.Context) error

	mu     sync.Mutex
	status model.EngineStatus
	state  model.TriggerState
	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(logger *zap.Logger, st store.Store, interval time.Duration, cycle func(ctx context.Context) error) *scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &scheduler{
		logger:   logger.Named("scheduler"),
		store:    st,
		interval: interval,
		cycle:    cycle,
		status:   model.StatusStopped,
		state:    model.TriggerState{Status: model.StatusStopped},
	}
}

// Start begins the cycle loop. Starting a scheduler that is already running
// is a no-op.
func (s *scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.StatusRunning {
		return nil
	}
	if s.status != model.StatusStopped {
		return fmt.Errorf("%w: engine is %s", ErrInvalidInput, s.status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.status = model.StatusRunning
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state.Status = model.StatusRunning
	s.state.StartedAt = time.Now()
	s.state.LastError = ""
	s.persistState(runCtx)

	go s.loop(runCtx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
// Stopping a scheduler that is already stopped is a no-op.
func (s *scheduler) Stop() error {
	s.mu.Lock()
	if s.status == model.StatusStopped {
		s.mu.Unlock()
		return nil
	}
	if s.status != model.StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: engine is %s", ErrInvalidInput, s.status)
	}
	s.status = model.StatusStopping
	s.state.Status = model.StatusStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = model.StatusStopped
	s.state.Status = model.StatusStopped
	s.persistState(context.Background())
	s.logger.Info("scheduler stopped")
	return nil
}

// Status returns a copy of the current trigger state.
func (s *scheduler) Status() model.TriggerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	state.Status = s.status
	return state
}

func (s *scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// first cycle runs immediately
	if fatal := s.runOnce(ctx); fatal {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fatal := s.runOnce(ctx); fatal {
				return
			}
		}
	}
}

// runOnce executes one cycle and records its outcome. It returns true when
// the cycle hit a fatal state error, which terminates the loop.
func (s *scheduler) runOnce(ctx context.Context) bool {
	start := time.Now()
	err := s.cycle(ctx)
	elapsed := time.Since(start)

	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(elapsed.Seconds())

	s.mu.Lock()
	s.state.LastCycleAt = start
	s.state.LastCycleDuration = elapsed
	s.state.CycleCount++
	if err != nil {
		s.state.LastError = err.Error()
	} else {
		s.state.LastError = ""
	}
	s.persistState(ctx)
	s.mu.Unlock()

	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		// shutdown race, not a real cycle failure
		return true
	}
	if isFatal(err) {
		metrics.EngineErrors.WithLabelValues("fatal_state").Inc()
		s.logger.Error("fatal state error, stopping scheduler", zap.Error(err))
		s.mu.Lock()
		s.status = model.StatusStopped
		s.state.Status = model.StatusStopped
		s.persistState(context.Background())
		s.mu.Unlock()
		return true
	}
	metrics.EngineErrors.WithLabelValues("recoverable").Inc()
	s.logger.Warn("cycle completed with errors", zap.Error(err), zap.Duration("elapsed", elapsed))
	return false
}

// persistState writes the heartbeat; a failed write here is logged but not
// escalated, the in-memory state remains authoritative. Callers hold s.mu.
func (s *scheduler) persistState(ctx context.Context) {
	if err := s.store.SaveTriggerState(ctx, s.state); err != nil {
		s.logger.Warn("persist trigger state failed", zap.Error(err))
	}
}
