package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/policy"
)

func TestGateway_DisabledAlwaysAllows(t *testing.T) {
	t.Parallel()

	g, err := policy.New(config.PolicyConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := g.Evaluate(context.Background(), policy.PreLLM, policy.Context{Intent: "anything"})
	if res.Decision != policy.Allow {
		t.Errorf("Decision = %v, want Allow", res.Decision)
	}
}

func TestGateway_IntentNotAllowed(t *testing.T) {
	t.Parallel()

	g, err := policy.New(config.PolicyConfig{
		Enabled:         true,
		AllowlistPreLLM: []string{"chat"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := g.Evaluate(context.Background(), policy.PreLLM, policy.Context{Intent: "admin_override"})
	if res.Decision != policy.Block || res.Reason != "intent_not_allowed" {
		t.Errorf("result = %+v, want Block/intent_not_allowed", res)
	}

	res = g.Evaluate(context.Background(), policy.PreLLM, policy.Context{Intent: "chat"})
	if res.Decision != policy.Allow {
		t.Errorf("allowed intent result = %+v, want Allow", res)
	}
}

func TestGateway_PromptTokenBudget(t *testing.T) {
	t.Parallel()

	g, err := policy.New(config.PolicyConfig{Enabled: true, MaxPromptTokens: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := g.Evaluate(context.Background(), policy.PreLLM, policy.Context{PromptTokensEstimate: 2000})
	if res.Decision != policy.Block || res.Reason != "budget.prompt_tokens_exceeded" {
		t.Errorf("result = %+v, want Block/budget.prompt_tokens_exceeded", res)
	}

	// The budget rule only applies at PRE_LLM.
	res = g.Evaluate(context.Background(), policy.PreAction, policy.Context{PromptTokensEstimate: 2000})
	if res.Decision != policy.Allow {
		t.Errorf("PRE_ACTION result = %+v, want Allow (budget rule is PRE_LLM only)", res)
	}
}

// fixedRunRate always reports count for any user.
type fixedRunRate struct{ count int }

func (f fixedRunRate) CountRunsSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return f.count, nil
}

func TestGateway_RunRateQuota(t *testing.T) {
	t.Parallel()

	g, err := policy.New(
		config.PolicyConfig{Enabled: true, MaxRunsPerMinute: 5},
		policy.WithRunRateSource(fixedRunRate{count: 6}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := g.Evaluate(context.Background(), policy.PreLLM, policy.Context{})
	if res.Decision != policy.Block || res.Reason != "quota.runs_per_minute_exceeded" {
		t.Errorf("result = %+v, want Block/quota.runs_per_minute_exceeded", res)
	}
}

func TestGateway_EscalationRules(t *testing.T) {
	t.Parallel()

	g, err := policy.New(config.PolicyConfig{
		Enabled:         true,
		IntentRulesJSON: `{"doc_edit":{"action_types":["insert","delete"],"artifact_types":["document"]}}`,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := g.Evaluate(context.Background(), policy.PreAction, policy.Context{
		Intent:      "doc_edit",
		ActionTypes: []string{"insert", "format_disk"},
	})
	if res.Decision != policy.Block || res.Reason != "escalation.action_type_not_allowed" {
		t.Errorf("result = %+v, want Block/escalation.action_type_not_allowed", res)
	}

	res = g.Evaluate(context.Background(), policy.PrePersist, policy.Context{
		Intent:        "doc_edit",
		ArtifactTypes: []string{"spreadsheet"},
	})
	if res.Decision != policy.Block || res.Reason != "escalation.artifact_type_not_allowed" {
		t.Errorf("result = %+v, want Block/escalation.artifact_type_not_allowed", res)
	}
}

func TestGateway_ArtifactSizeLimits(t *testing.T) {
	t.Parallel()

	g, err := policy.New(config.PolicyConfig{
		Enabled:                 true,
		MaxArtifacts:            1,
		MaxArtifactPayloadBytes: 100,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := g.Evaluate(context.Background(), policy.PrePersist, policy.Context{
		Artifacts: []policy.Artifact{{Type: "a"}, {Type: "b"}},
	})
	if res.Decision != policy.Block || res.Reason != "artifacts.too_many" {
		t.Errorf("result = %+v, want Block/artifacts.too_many", res)
	}

	res = g.Evaluate(context.Background(), policy.PrePersist, policy.Context{
		Artifacts: []policy.Artifact{{Type: "a", PayloadSize: 1000}},
	})
	if res.Decision != policy.Block || res.Reason != "artifacts.payload_too_large" {
		t.Errorf("result = %+v, want Block/artifacts.payload_too_large", res)
	}
}

func TestGateway_ForcedDecision(t *testing.T) {
	t.Parallel()

	g, err := policy.New(
		config.PolicyConfig{Enabled: true, AllowlistPreLLM: []string{"chat"}},
		policy.WithForcedDecision(policy.RequireApproval),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := g.Evaluate(context.Background(), policy.PreLLM, policy.Context{Intent: "not_in_allowlist"})
	if res.Decision != policy.RequireApproval || res.Reason != "forced" {
		t.Errorf("result = %+v, want RequireApproval/forced", res)
	}
}

func TestGateway_DefaultAllow(t *testing.T) {
	t.Parallel()

	g, err := policy.New(config.PolicyConfig{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := g.Evaluate(context.Background(), policy.PreLLM, policy.Context{Intent: "chat"})
	if res.Decision != policy.Allow || res.Reason != "default_allow" {
		t.Errorf("result = %+v, want Allow/default_allow", res)
	}
}

func TestGateway_InvalidIntentRulesJSON(t *testing.T) {
	t.Parallel()

	_, err := policy.New(config.PolicyConfig{Enabled: true, IntentRulesJSON: "{not json"})
	if err == nil {
		t.Fatal("New err = nil, want error for malformed intent_rules_json")
	}
}
