// Package resilience provides the circuit breaker, provider-call logger, and
// fallback-group primitives used around every external LLM/STT/TTS call.
//
// The central type is [Registry], a collection of independent breakers keyed
// by (operation, provider, model) — a single process may track, say, the
// OpenAI GPT-4 breaker for "llm" separately from the Deepgram breaker for
// "stt", without the two interfering. [FallbackGroup] composes multiple
// instances of any provider type, one breaker per entry, so a failing primary
// is automatically bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/dag"
	"github.com/pipelined/pipelined/pkg/stage"
)

// Key identifies one circuit breaker instance.
type Key struct {
	Operation string // "llm", "stt", "tts"
	Provider  string
	Model     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Operation, k.Provider, k.Model)
}

// State represents the current operating mode of a breaker.
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped because the failure count
	// inside the sliding window reached the configured threshold. Calls are
	// denied until open_seconds elapses, unless observe-only mode is on.
	StateOpen

	// StateHalfOpen is the probe state entered after the open duration
	// elapses. A limited number of calls are allowed through; if they
	// succeed the breaker closes, otherwise it re-opens.
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

// CircuitOpenError is returned by [Registry.Execute] when key's breaker is
// open and observe-only mode is off.
type CircuitOpenError struct {
	Key Key
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Key)
}

// breaker is one key's sliding-window state machine. Owned exclusively by a
// Registry, which serializes access through its own per-key lock.
type breaker struct {
	mu sync.Mutex

	state         State
	failureTimes  []time.Time
	openedAt      time.Time
	halfOpenCalls int
	halfOpenFails int
}

// allow reports whether a call should be let through, performing any
// open->half-open transition that the elapsed time warrants.
func (b *breaker) allow(cfg config.BreakerConfig, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < cfg.OpenDuration {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
	case StateHalfOpen:
		if b.halfOpenCalls >= cfg.HalfOpenProbes {
			return false
		}
	}

	if b.state == StateHalfOpen {
		b.halfOpenCalls++
	}
	return true
}

// recordResult updates the state machine after a call completes.
func (b *breaker) recordResult(cfg config.BreakerConfig, now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inHalfOpen := b.state == StateHalfOpen

	if err != nil {
		if inHalfOpen {
			b.halfOpenFails++
			b.state = StateOpen
			b.openedAt = now
			return
		}
		b.failureTimes = append(b.failureTimes, now)
		b.failureTimes = pruneWindow(b.failureTimes, now, cfg.FailureWindow)
		if len(b.failureTimes) >= cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= cfg.HalfOpenProbes {
			b.state = StateClosed
			b.failureTimes = nil
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
		}
		return
	}

	b.failureTimes = pruneWindow(b.failureTimes, now, cfg.FailureWindow)
}

// peek returns the state a query would observe right now, without mutating
// b — an open breaker whose open_seconds has elapsed reports half-open, the
// same way [Registry.State] always has, but the actual allow()/recordResult()
// transition only happens on the next real call.
func (b *breaker) peek(cfg config.BreakerConfig, now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && now.Sub(b.openedAt) >= cfg.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// Registry tracks one breaker per [Key], created lazily on first use.
type Registry struct {
	cfg  config.BreakerConfig
	sink dag.EventSink
	now  func() time.Time

	mu       sync.Mutex
	breakers map[Key]*breaker
}

// Option configures a [Registry].
type Option func(*Registry)

// WithEventSink directs <operation>.breaker.denied events to sink.
func WithEventSink(sink dag.EventSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithClock overrides the registry's time source. Tests use this to advance
// past FailureWindow/OpenDuration deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a Registry from cfg, filling zero-value fields with the
// same defaults the teacher's single-breaker constructor used.
func NewRegistry(cfg config.BreakerConfig, opts ...Option) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	r := &Registry{
		cfg:      cfg,
		sink:     noopSink{},
		now:      time.Now,
		breakers: make(map[Key]*breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type noopSink struct{}

func (noopSink) Publish(context.Context, string, stage.Event) {}

func (r *Registry) breakerFor(key Key) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[key] = b
	}
	return b
}

// State returns key's current state, without affecting the transition the
// next real call would perform.
func (r *Registry) State(key Key) State {
	return r.breakerFor(key).peek(r.cfg, r.now())
}

// Reset forces key's breaker back to closed, clearing its failure window.
func (r *Registry) Reset(key Key) {
	b := r.breakerFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureTimes = nil
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
}

// Execute runs fn if key's breaker allows it.
//
// If the breaker is open and the registry is not in observe-only mode, fn is
// never called and Execute returns a [*CircuitOpenError]. In observe-only
// mode (the default) the breaker still tracks state and still emits
// "<operation>.breaker.denied" on what would have been a denial, but fn is
// called anyway — denials are counted for alerting only.
func (r *Registry) Execute(ctx context.Context, key Key, fn func() error) error {
	b := r.breakerFor(key)
	now := r.now()

	if !b.allow(r.cfg, now) {
		r.emitDenied(ctx, key)
		if !r.cfg.ObserveOnly {
			return &CircuitOpenError{Key: key}
		}
	}

	err := fn()
	b.recordResult(r.cfg, now, err)
	return err
}

// emitDenied always fires on a would-be denial, in both enforcing and
// observe-only mode, annotated with whether the denial was actually
// enforced — the source was inconsistent about emitting this in
// observe-only mode; this registry always emits it instead.
func (r *Registry) emitDenied(ctx context.Context, key Key) {
	r.sink.Publish(ctx, "resilience", stage.Event{
		Type: fmt.Sprintf("%s.breaker.denied", key.Operation),
		Data: map[string]any{
			"operation": key.Operation,
			"provider":  key.Provider,
			"model":     key.Model,
			"enforced":  !r.cfg.ObserveOnly,
		},
		Timestamp: time.Now(),
	})
}
