// Package guardrails implements the content-safety checkpoint: a stage run
// once per turn against the user's input excerpt, returning ALLOW or BLOCK.
// It is structurally the same shape as internal/policy's gateway (ordered
// rules, forced test-mode override, policy.decision-style event), scaled
// down to guardrails' single ALLOW/BLOCK decision space.
package guardrails

import (
	"context"
	"sync"
	"time"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/dag"
	"github.com/pipelined/pipelined/pkg/stage"
)

// maxExcerptLen truncates the input excerpt evaluated for safety, per spec.
const maxExcerptLen = 5000

// Decision is a guardrails verdict.
type Decision string

const (
	Allow Decision = "ALLOW"
	Block Decision = "BLOCK"
)

// Result is the outcome of one evaluation.
type Result struct {
	Decision Decision
	Reason   string
}

// Checker inspects a (truncated) input excerpt for unsafe content. The
// bundled default is permissive — real deployments plug in a content-safety
// provider here.
type Checker interface {
	Check(ctx context.Context, excerpt string) (blocked bool, reason string, err error)
}

// AllowAllChecker is a [Checker] that never blocks. Used when no real
// content-safety provider is configured.
type AllowAllChecker struct{}

func (AllowAllChecker) Check(context.Context, string) (bool, string, error) { return false, "", nil }

// Stage evaluates guardrails decisions.
type Stage struct {
	enabled bool
	checker Checker
	sink    dag.EventSink

	mu     sync.Mutex
	forced map[string]Decision // checkpoint -> forced decision, test mode only
}

// Option configures a [Stage].
type Option func(*Stage)

// WithChecker registers the content-safety backend consulted when no forced
// decision applies.
func WithChecker(c Checker) Option {
	return func(s *Stage) { s.checker = c }
}

// WithEventSink directs guardrails.* events to sink.
func WithEventSink(sink dag.EventSink) Option {
	return func(s *Stage) { s.sink = sink }
}

// New builds a Stage from cfg. If cfg.ForcedDecision is non-empty it is
// applied to every checkpoint — test mode only.
func New(cfg config.GuardConfig, opts ...Option) *Stage {
	s := &Stage{
		enabled: cfg.Enabled,
		checker: AllowAllChecker{},
		sink:    noopSink{},
		forced:  map[string]Decision{},
	}
	if cfg.ForcedDecision != "" {
		s.forced["*"] = Decision(cfg.ForcedDecision)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type noopSink struct{}

func (noopSink) Publish(context.Context, string, stage.Event) {}

// ForceAt overrides the decision for one named checkpoint only, for tests
// that want per-checkpoint control rather than a single blanket override.
func (s *Stage) ForceAt(checkpoint string, decision Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced[checkpoint] = decision
}

// Evaluate checks excerpt (truncated to 5000 chars) for unsafe content and
// returns the resulting decision, emitting guardrails.decision regardless of
// outcome.
func (s *Stage) Evaluate(ctx context.Context, checkpoint string, excerpt string) Result {
	result := s.evaluate(ctx, checkpoint, excerpt)
	s.emit(ctx, "guardrails.decision", map[string]any{
		"checkpoint": checkpoint,
		"decision":   string(result.Decision),
		"reason":     result.Reason,
	})
	return result
}

func (s *Stage) evaluate(ctx context.Context, checkpoint string, excerpt string) Result {
	if !s.enabled {
		return Result{Decision: Allow, Reason: "guardrails_disabled"}
	}

	s.mu.Lock()
	forced, ok := s.forced[checkpoint]
	if !ok {
		forced, ok = s.forced["*"]
	}
	s.mu.Unlock()
	if ok {
		return Result{Decision: forced, Reason: "forced"}
	}

	if len(excerpt) > maxExcerptLen {
		excerpt = excerpt[:maxExcerptLen]
	}

	blocked, reason, err := s.checker.Check(ctx, excerpt)
	if err != nil {
		// A checker failure fails closed — an unevaluated excerpt is treated
		// as unsafe rather than silently passed through.
		return Result{Decision: Block, Reason: "checker_error"}
	}
	if blocked {
		return Result{Decision: Block, Reason: reason}
	}
	return Result{Decision: Allow, Reason: "default_allow"}
}

func (s *Stage) emit(ctx context.Context, eventType string, data map[string]any) {
	s.sink.Publish(ctx, "guardrails", stage.Event{Type: eventType, Data: data, Timestamp: time.Now()})
}
