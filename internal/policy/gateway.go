// Package policy implements the policy gateway: a rule-evaluation stage run
// at exactly three checkpoints (PRE_LLM, PRE_ACTION, PRE_PERSIST) that
// decides whether a pipeline run may proceed, must be blocked, or needs
// human approval.
//
// Rules are evaluated in a fixed order, first match wins — the same
// priority-list shape as internal/mcp/tier's budget-tier heuristics, just
// applied to policy decisions instead of tool budgets.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/dag"
	"github.com/pipelined/pipelined/pkg/stage"
)

// Checkpoint identifies where in the pipeline the gateway is being
// consulted.
type Checkpoint string

const (
	PreLLM     Checkpoint = "PRE_LLM"
	PreAction  Checkpoint = "PRE_ACTION"
	PrePersist Checkpoint = "PRE_PERSIST"
)

// Decision is the gateway's verdict for one evaluation.
type Decision string

const (
	Allow           Decision = "ALLOW"
	Block           Decision = "BLOCK"
	RequireApproval Decision = "REQUIRE_APPROVAL"
)

// Artifact describes one proposed artifact for the PRE_PERSIST size checks.
type Artifact struct {
	Type        string
	PayloadSize int
}

// Context bundles everything a single evaluation needs.
type Context struct {
	PipelineRunID uuid.UUID
	RequestID     string
	SessionID     uuid.UUID
	UserID        uuid.UUID
	OrgID         *uuid.UUID

	Service string
	Intent  string

	PromptTokensEstimate int

	ActionTypes   []string
	ArtifactTypes []string
	Artifacts     []Artifact
}

// Result is the outcome of one evaluation.
type Result struct {
	Decision Decision
	Reason   string
}

// IntentRule is the per-intent escalation allowlist used at PRE_ACTION and
// PRE_PERSIST.
type IntentRule struct {
	ActionTypes   []string `json:"action_types"`
	ArtifactTypes []string `json:"artifact_types"`
}

// RunRateSource reports how many pipeline runs a user has started recently,
// backing the run-rate quota rule. internal/store provides the real
// Postgres-backed implementation.
type RunRateSource interface {
	CountRunsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// Gateway evaluates policy decisions at the three fixed checkpoints.
type Gateway struct {
	enabled bool

	allowlist map[Checkpoint]map[string]bool
	rules     map[string]IntentRule

	maxPromptTokens         int
	maxRunsPerMinute        int
	maxArtifacts            int
	maxArtifactPayloadBytes int

	runRate RunRateSource
	sink    dag.EventSink

	mu     sync.Mutex
	forced *Decision
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithRunRateSource registers the source consulted for the run-rate quota
// rule. Without one, that rule is skipped (treated as never exceeded).
func WithRunRateSource(s RunRateSource) Option {
	return func(g *Gateway) { g.runRate = s }
}

// WithEventSink directs policy.* events to sink.
func WithEventSink(sink dag.EventSink) Option {
	return func(g *Gateway) { g.sink = sink }
}

// WithForcedDecision fixes every evaluation to decision, regardless of the
// configured rules. Test-mode only — mirrors config.PolicyConfig having no
// "forced" field of its own; callers pass cfg's parsed forced decision in
// directly since it's test-only wiring, not part of the persisted schema.
func WithForcedDecision(decision Decision) Option {
	return func(g *Gateway) {
		d := decision
		g.forced = &d
	}
}

// New builds a Gateway from cfg. It parses cfg.IntentRulesJSON (a JSON object
// keyed by intent name, each value an [IntentRule]) and returns an error if
// that JSON is malformed.
func New(cfg config.PolicyConfig, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		enabled:                 cfg.Enabled,
		maxPromptTokens:         cfg.MaxPromptTokens,
		maxRunsPerMinute:        cfg.MaxRunsPerMinute,
		maxArtifacts:            cfg.MaxArtifacts,
		maxArtifactPayloadBytes: cfg.MaxArtifactPayloadBytes,
		sink:                    noopSink{},
		allowlist: map[Checkpoint]map[string]bool{
			PreLLM:     toSet(cfg.AllowlistPreLLM),
			PreAction:  toSet(cfg.AllowlistPreAction),
			PrePersist: toSet(cfg.AllowlistPrePersist),
		},
		rules: map[string]IntentRule{},
	}

	if cfg.IntentRulesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.IntentRulesJSON), &g.rules); err != nil {
			return nil, fmt.Errorf("policy: parse intent_rules_json: %w", err)
		}
	}

	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

type noopSink struct{}

func (noopSink) Publish(context.Context, string, stage.Event) {}

// Evaluate runs every rule for checkpoint against pc in order, returning the
// first non-default verdict. Every evaluation emits policy.decision
// regardless of outcome, per spec.
func (g *Gateway) Evaluate(ctx context.Context, checkpoint Checkpoint, pc Context) Result {
	result := g.evaluate(ctx, checkpoint, pc)
	g.emit(ctx, "policy.decision", map[string]any{
		"checkpoint": string(checkpoint),
		"decision":   string(result.Decision),
		"reason":     result.Reason,
		"intent":     pc.Intent,
	})
	return result
}

func (g *Gateway) evaluate(ctx context.Context, checkpoint Checkpoint, pc Context) Result {
	if !g.enabled {
		return Result{Decision: Allow, Reason: "policy_disabled"}
	}

	// Rule 1: forced decision (test mode).
	g.mu.Lock()
	forced := g.forced
	g.mu.Unlock()
	if forced != nil {
		g.emit(ctx, "policy.forced", map[string]any{"decision": string(*forced)})
		return Result{Decision: *forced, Reason: "forced"}
	}

	// Rule 2: intent allowlist.
	if allow := g.allowlist[checkpoint]; len(allow) > 0 && !allow[pc.Intent] {
		g.emit(ctx, "policy.intent.denied", map[string]any{"intent": pc.Intent, "checkpoint": string(checkpoint)})
		return Result{Decision: Block, Reason: "intent_not_allowed"}
	}

	// Rule 3: prompt-token budget (PRE_LLM only).
	if checkpoint == PreLLM && g.maxPromptTokens > 0 && pc.PromptTokensEstimate > g.maxPromptTokens {
		g.emit(ctx, "policy.budget.exceeded", map[string]any{
			"estimate": pc.PromptTokensEstimate, "max": g.maxPromptTokens,
		})
		return Result{Decision: Block, Reason: "budget.prompt_tokens_exceeded"}
	}

	// Rule 4: run-rate quota.
	if g.runRate != nil && g.maxRunsPerMinute > 0 {
		count, err := g.runRate.CountRunsSince(ctx, pc.UserID, time.Now().Add(-60*time.Second))
		if err == nil && count > g.maxRunsPerMinute {
			g.emit(ctx, "policy.quota.exceeded", map[string]any{"count": count, "max": g.maxRunsPerMinute})
			return Result{Decision: Block, Reason: "quota.runs_per_minute_exceeded"}
		}
	}

	// Rule 5: escalation rules (PRE_ACTION, PRE_PERSIST).
	if checkpoint == PreAction || checkpoint == PrePersist {
		rule, ok := g.rules[pc.Intent]
		if ok {
			if violator, ok := firstMissing(pc.ActionTypes, rule.ActionTypes); ok {
				g.emit(ctx, "policy.escalation.denied", map[string]any{"type": violator, "kind": "action_type"})
				return Result{Decision: Block, Reason: "escalation.action_type_not_allowed"}
			}
			if violator, ok := firstMissing(pc.ArtifactTypes, rule.ArtifactTypes); ok {
				g.emit(ctx, "policy.escalation.denied", map[string]any{"type": violator, "kind": "artifact_type"})
				return Result{Decision: Block, Reason: "escalation.artifact_type_not_allowed"}
			}
		}
	}

	// Rule 6: artifact-size limits (PRE_PERSIST).
	if checkpoint == PrePersist {
		if g.maxArtifacts > 0 && len(pc.Artifacts) > g.maxArtifacts {
			return Result{Decision: Block, Reason: "artifacts.too_many"}
		}
		if g.maxArtifactPayloadBytes > 0 {
			for _, a := range pc.Artifacts {
				if a.PayloadSize > g.maxArtifactPayloadBytes {
					return Result{Decision: Block, Reason: "artifacts.payload_too_large"}
				}
			}
		}
	}

	// Rule 7: default.
	return Result{Decision: Allow, Reason: "default_allow"}
}

// firstMissing returns the first element of proposed that isn't present in
// allowed, and true if one was found. An empty allowed list means nothing is
// permitted (every proposed type is a violation); callers that want
// "unrestricted" should simply not configure a rule for that intent.
func firstMissing(proposed, allowed []string) (string, bool) {
	if len(proposed) == 0 {
		return "", false
	}
	set := toSet(allowed)
	for _, p := range proposed {
		if !set[p] {
			return p, true
		}
	}
	return "", false
}

func (g *Gateway) emit(ctx context.Context, eventType string, data map[string]any) {
	g.sink.Publish(ctx, "policy", stage.Event{Type: eventType, Data: data, Timestamp: time.Now()})
}
