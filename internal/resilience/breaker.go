// Package resilience shields the conversation pipeline from a misbehaving
// backend.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// When the batch inference backend starts timing out, the breaker opens and
// utterances fail fast instead of stacking up behind a dead HTTP call.
// [GuardBatch] wraps a batch client with a breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrOpen] until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen lets a bounded number of probe calls through; their
	// outcome decides between closing and re-opening.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// Trip is the number of consecutive failures that opens the breaker.
	// Default: 5.
	Trip int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many calls the half-open state admits before the
	// breaker commits to closed or open. Default: 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	trip        int
	cooldown    time.Duration
	probeBudget int

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probes    int
	probeFail int
}

// NewBreaker creates a [Breaker] from cfg, filling in defaults for zero
// fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		trip:        cfg.Trip,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs fn if the breaker admits the call, otherwise returns [ErrOpen]
// without invoking it.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.probeFail = 0
		slog.Info("breaker half-open", "name", b.name)
	case BreakerHalfOpen:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == BreakerHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.noteFailure(probing)
	} else {
		b.noteSuccess(probing)
	}
	return err
}

// noteFailure updates state after a failed call. Caller holds b.mu.
func (b *Breaker) noteFailure(probing bool) {
	b.openedAt = time.Now()
	if probing {
		b.probeFail++
		b.state = BreakerOpen
		b.failures = b.trip
		slog.Warn("breaker re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.trip {
		b.state = BreakerOpen
		slog.Warn("breaker opened", "name", b.name, "failures", b.failures)
	}
}

// noteSuccess updates state after a successful call. Caller holds b.mu.
func (b *Breaker) noteSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFail >= b.probeBudget {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			b.probeFail = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's current mode. An open breaker whose cooldown
// has elapsed reports half-open; the transition itself happens on the next
// [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	b.probeFail = 0
	slog.Info("breaker reset", "name", b.name)
}
