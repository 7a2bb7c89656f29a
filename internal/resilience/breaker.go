// Package resilience provides circuit breaker and provider failover
// primitives for the speech and language backends.
//
// [Breaker] is a classic three-state circuit breaker (closed → open →
// half-open). The failover wrappers in this package give each backend its own
// breaker so a failing primary is bypassed in favour of healthy fallbacks
// without hammering it on every turn.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe calls through. Probes
	// all succeeding closes the breaker; any probe failing re-opens it.
	BreakerHalfOpen
)

// String implements fmt.Stringer.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages, typically the backend name.
	Name string

	// MaxFailures is the number of consecutive failures that trips the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before allowing probes.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is the number of consecutive half-open successes required to
	// close again. Default: 2.
	Probes int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed [Breaker]. Zero-value config fields get
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
	}
}

// Do runs fn if the breaker allows it and feeds the outcome back into the
// state machine. While open, fn is not called and [ErrBreakerOpen] is
// returned. Errors for which ignore returns true pass through without
// counting as a backend failure (a cancelled context says nothing about the
// backend's health).
func (b *Breaker) Do(fn func() error, ignore func(error) bool) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.onSuccess()
	case ignore != nil && ignore(err):
		// Neutral outcome: no accounting either way.
	default:
		b.onFailure()
	}
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		slog.Debug("breaker half-open", "name", b.name)
	}
	return nil
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.probes {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed", "name", b.name)
		}
	default:
		b.failures = 0
	}
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.trip()
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	slog.Warn("breaker opened", "name", b.name, "failures", b.failures)
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [BreakerHalfOpen]; the actual transition happens on the
// next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}
