package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default backoff bounds while waiting for a shared budget window.
const (
	DefaultBaseDelay = 250 * time.Millisecond
	DefaultMaxDelay  = 15 * time.Second
)

// ErrContextCancelled is returned when the context is cancelled while waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for budget")

// Pacer spaces feed requests at least Interval apart within this process and,
// when a BudgetTracker is set, also waits for the cross-process budget.
type Pacer struct {
	limiter  *rate.Limiter
	tracker  *BudgetTracker
	priority Priority

	baseDelay        time.Duration
	maxDelay         time.Duration
	mu               sync.Mutex
	currentDelay     time.Duration
	consecutiveFails int
}

// PacerConfig holds configuration for a pacer.
type PacerConfig struct {
	// Interval is the minimum spacing between requests; zero disables spacing.
	Interval time.Duration
	// Tracker is optional.
	Tracker   *BudgetTracker
	Priority  Priority
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewPacer creates a pacer. The first request is never delayed.
func NewPacer(cfg PacerConfig) *Pacer {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}

	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	return &Pacer{
		limiter:      rate.NewLimiter(limit, 1),
		tracker:      cfg.Tracker,
		priority:     cfg.Priority,
		baseDelay:    base,
		maxDelay:     maxDelay,
		currentDelay: base,
	}
}

// Wait blocks until one request may be issued.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrContextCancelled
		}
		return err
	}
	if p.tracker == nil {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ErrContextCancelled
		}

		allowed, wait := p.tracker.TryConsume(ctx, 1, p.priority)
		if allowed {
			p.recordSuccess()
			return nil
		}

		delay := p.recordFailure()
		if wait > delay {
			delay = wait
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrContextCancelled
		case <-timer.C:
		}
	}
}

func (p *Pacer) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFails = 0
	p.currentDelay = p.baseDelay
}

// recordFailure doubles the backoff up to maxDelay and returns the delay to use now.
func (p *Pacer) recordFailure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.currentDelay
	p.consecutiveFails++
	p.currentDelay *= 2
	if p.currentDelay > p.maxDelay {
		p.currentDelay = p.maxDelay
	}
	return delay
}

// CurrentDelay returns the current budget backoff delay.
func (p *Pacer) CurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}
