package stages_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

func newRouterSnapshot(topology types.Topology, text string) types.ContextSnapshot {
	return types.ContextSnapshot{
		PipelineRunID: uuid.New(),
		SessionID:     uuid.New(),
		UserID:        uuid.New(),
		Topology:      topology,
		InputText:     text,
	}
}

func runRouter(t *testing.T, s *stages.RouterStage, snapshot types.ContextSnapshot) stage.Output {
	t.Helper()
	inputs := stage.NewInputs(snapshot, nil, s.Dependencies(), stage.Ports{})
	ctx := stage.NewContext(context.Background(), snapshot, inputs)
	return ctx.Finish(s.Execute(ctx))
}

func TestRouterStage_AccurateTopologyAlwaysAccurate(t *testing.T) {
	s := stages.NewRouterStage("model-fast", "model-accurate")
	out := runRouter(t, s, newRouterSnapshot(types.TopologyChatAccurate, "hi"))

	if out.Status != stage.StatusOK {
		t.Fatalf("status = %v, want OK", out.Status)
	}
	if out.Data["model_id"] != "model-accurate" {
		t.Fatalf("model_id = %v, want model-accurate", out.Data["model_id"])
	}
	if out.Data["quality_mode"] != "accurate" {
		t.Fatalf("quality_mode = %v, want accurate", out.Data["quality_mode"])
	}
}

func TestRouterStage_FastTopologyDefaultsFast(t *testing.T) {
	s := stages.NewRouterStage("model-fast", "model-accurate")
	out := runRouter(t, s, newRouterSnapshot(types.TopologyChatFast, "what's up"))

	if out.Data["model_id"] != "model-fast" {
		t.Fatalf("model_id = %v, want model-fast", out.Data["model_id"])
	}
}

func TestRouterStage_KeywordTriggersAccurate(t *testing.T) {
	s := stages.NewRouterStage("model-fast", "model-accurate")
	out := runRouter(t, s, newRouterSnapshot(types.TopologyChatFast, "please explain how this works in detail"))

	if out.Data["quality_mode"] != "accurate" {
		t.Fatalf("quality_mode = %v, want accurate", out.Data["quality_mode"])
	}
}

func TestRouterStage_AntiSpamDemotesWithinInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := stages.NewRouterStage("model-fast", "model-accurate",
		stages.WithRouterClock(clock),
		stages.WithMinAccurateInterval(30*time.Second))

	first := runRouter(t, s, newRouterSnapshot(types.TopologyChatFast, "explain this"))
	if first.Data["quality_mode"] != "accurate" {
		t.Fatalf("first quality_mode = %v, want accurate", first.Data["quality_mode"])
	}

	now = now.Add(5 * time.Second)
	second := runRouter(t, s, newRouterSnapshot(types.TopologyChatFast, "explain this again"))
	if second.Data["quality_mode"] != "fast" {
		t.Fatalf("second quality_mode = %v, want fast (anti-spam demote)", second.Data["quality_mode"])
	}

	now = now.Add(30 * time.Second)
	third := runRouter(t, s, newRouterSnapshot(types.TopologyChatFast, "explain this once more"))
	if third.Data["quality_mode"] != "accurate" {
		t.Fatalf("third quality_mode = %v, want accurate after interval elapses", third.Data["quality_mode"])
	}
}

func TestRouterStage_EmitsDecisionEvent(t *testing.T) {
	s := stages.NewRouterStage("model-fast", "model-accurate")
	out := runRouter(t, s, newRouterSnapshot(types.TopologyChatFast, "hello"))

	if len(out.Events) != 1 || out.Events[0].Type != "router.decision" {
		t.Fatalf("events = %+v, want one router.decision event", out.Events)
	}
}
