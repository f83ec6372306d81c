package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a group either failed or
// had an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup]. The breaker config is applied
// to every backend in the group; the Name field is overridden per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains backends of one provider type in priority order.
// Entry zero is the primary; calls walk the chain until one backend
// succeeds, skipping entries whose breaker is open.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its only backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.entries = append(g.entries, g.newEntry(primaryName, primary))
	return g
}

// AddFallback appends a backend at the end of the chain.
func (g *FallbackGroup[T]) AddFallback(name string, fallback T) {
	g.entries = append(g.entries, g.newEntry(name, fallback))
}

func (g *FallbackGroup[T]) newEntry(name string, value T) fallbackEntry[T] {
	bcfg := g.cfg.CircuitBreaker
	bcfg.Name = name
	return fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bcfg),
	}
}

// Execute runs fn against the first backend that accepts the call. A backend
// whose breaker refuses is skipped without counting as a failure; a backend
// whose call fails trips its own breaker and the next entry is tried. When
// the chain is exhausted the last real error is wrapped in [ErrAllFailed].
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		err := e.breaker.Execute(func() error {
			return fn(e.value)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend with open breaker", "name", e.name)
			continue
		}
		lastErr = err
		if i < len(g.entries)-1 {
			slog.Warn("backend failed, trying fallback",
				"name", e.name,
				"next", g.entries[i+1].name,
				"error", err)
		}
	}
	if lastErr == nil {
		return ErrAllFailed
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// It is a package function because methods cannot add type parameters.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var result R
	err := g.Execute(func(v T) error {
		r, err := fn(v)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
