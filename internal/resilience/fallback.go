package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// fallbackEntry pairs a provider value with the breaker key it is tracked
// under.
type fallbackEntry[T any] struct {
	name  string
	value T
	key   Key
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order. Every entry shares the
// same registry, so breaker state for a given provider is visible everywhere
// that provider is used, not just inside this group.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	operation string
	registry  *Registry
	entries   []fallbackEntry[T]
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// operation is the breaker-key operation ("llm", "stt", "tts"). Additional
// fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](operation string, registry *Registry, primary T, primaryName string) *FallbackGroup[T] {
	return &FallbackGroup[T]{
		operation: operation,
		registry:  registry,
		entries: []fallbackEntry[T]{
			{name: primaryName, value: primary, key: Key{Operation: operation, Provider: primaryName}},
		},
	}
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:  name,
		value: fallback,
		key:   Key{Operation: fg.operation, Provider: name},
	})
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped with
// the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := fg.registry.Execute(ctx, entry.key, func() error {
			return fn(entry.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		var openErr *CircuitOpenError
		if errors.As(err, &openErr) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := fg.registry.Execute(ctx, entry.key, func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		var openErr *CircuitOpenError
		if errors.As(err, &openErr) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
