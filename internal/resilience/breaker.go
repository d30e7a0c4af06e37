// Package resilience fails over between recognizer and LLM backends.
//
// Every backend sits behind a [Breaker], a three-state circuit breaker
// (closed → open → half-open). A [Group] tries its backends in order and
// skips those whose breaker is open, so a recognizer that keeps failing is
// bypassed until its reset timeout has passed.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One
	// failed probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker again. Default: 2.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
	return c
}

// Breaker guards one backend.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes not yet finished
	probesOK int
}

// NewBreaker returns a closed breaker for the backend called name.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the guarded backend's name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. Errors caused by ctx ending are
// returned but neither count as failure nor as success: a learner closing
// the socket says nothing about the backend's health.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err, ctx.Err() != nil && isContextErr(err))
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.probesOK = 0, 0
		slog.Info("circuit half-open", "backend", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.probesOK >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(probe bool, err error, neutral bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
		// A probe that outlived a re-open no longer decides anything.
		if b.state != StateHalfOpen {
			return
		}
	}
	switch {
	case neutral:
	case err != nil && probe:
		b.trip("probe failed")
	case err != nil:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip("too many failures")
		}
	case probe:
		b.probesOK++
		if b.probesOK >= b.cfg.Probes {
			b.state = StateClosed
			b.failures = 0
			slog.Info("circuit closed", "backend", b.name)
		}
	default:
		b.failures = 0
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	slog.Warn("circuit opened", "backend", b.name, "reason", reason)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.inFlight, b.probesOK = 0, 0, 0
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
