package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is returned when every backend of a [Group] failed or had an
// open circuit.
var ErrAllFailed = errors.New("resilience: all backends failed")

type member[T any] struct {
	value   T
	breaker *Breaker
}

// Group holds a primary backend and its fallbacks, each with its own
// breaker. Members are tried in the order they were added.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns a group with primary as its first member.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. It must not be called concurrently with [Call].
func (g *Group[T]) Add(name string, v T) {
	g.members = append(g.members, member[T]{value: v, breaker: NewBreaker(name, g.cfg)})
}

// Primary returns the first member.
func (g *Group[T]) Primary() T { return g.members[0].value }

// Names lists the members in order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.breaker.Name()
	}
	return names
}

// Breaker returns the breaker of the member called name, or nil.
func (g *Group[T]) Breaker(name string) *Breaker {
	for _, m := range g.members {
		if m.breaker.Name() == name {
			return m.breaker
		}
	}
	return nil
}

// Check fails while any member's circuit is open, naming those members. It
// has the shape of a readiness check.
func (g *Group[T]) Check(context.Context) error {
	var open []string
	for _, m := range g.members {
		if m.breaker.State() == StateOpen {
			open = append(open, m.breaker.Name())
		}
	}
	if len(open) == 0 {
		return nil
	}
	return fmt.Errorf("open: %s", strings.Join(open, ", "))
}

// Call runs fn against each member in turn until one succeeds. It stops
// without trying further members once ctx has ended.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		var res R
		err := m.breaker.Do(ctx, func() error {
			var err error
			res, err = fn(m.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", m.breaker.Name())
			continue
		}
		slog.Warn("backend failed, trying next", "backend", m.breaker.Name(), "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
