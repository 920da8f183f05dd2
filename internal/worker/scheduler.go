package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/memefolio/internal/logging"
)

// Cycler runs one scheduled cycle
type Cycler interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// Scheduler triggers a cycle every interval until stopped
type Scheduler struct {
	runner     Cycler
	interval   time.Duration
	runOnStart bool

	mu         sync.RWMutex
	running    bool
	lastRun    time.Time
	lastResult *CycleResult
	lastErr    error
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// SchedulerConfig holds configuration for a scheduler
type SchedulerConfig struct {
	Runner     Cycler
	Interval   time.Duration
	RunOnStart bool
}

// SchedulerStatus is a point-in-time view of the scheduler
type SchedulerStatus struct {
	Running    bool         `json:"running"`
	Interval   string       `json:"interval"`
	LastRun    *time.Time   `json:"lastRun,omitempty"`
	LastResult *CycleResult `json:"lastResult,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}

	// Default interval: hourly
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Hour
	}
	if interval < 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}

	return &Scheduler{
		runner:     cfg.Runner,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins the schedule loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"interval":   s.interval.String(),
		"runOnStart": s.runOnStart,
	}).Info("scheduler started")

	go s.loop(ctx)
	return nil
}

// Stop signals the loop and waits for an in-flight cycle to finish
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		logging.FromContext(ctx).Info("scheduler stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Status returns the last run and its outcome
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		Running:    s.running,
		Interval:   s.interval.String(),
		LastResult: s.lastResult,
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		status.LastRun = &lastRun
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	if s.runOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Info("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.runner.RunCycle(ctx)
	if errors.Is(err, ErrRunInProgress) {
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastResult = result
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("scheduled cycle finished with errors")
	}
}
