package stages_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/guardrails"
	"github.com/pipelined/pipelined/internal/policy"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

type fakeInteractionStore struct {
	mu      sync.Mutex
	created []stages.Interaction
	err     error
}

func (f *fakeInteractionStore) Create(_ context.Context, i stages.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, i)
	return nil
}

func (f *fakeInteractionStore) CountBySession(context.Context, uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), nil
}

func (f *fakeInteractionStore) RecentBySession(context.Context, uuid.UUID, int) ([]stages.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stages.Interaction, len(f.created))
	copy(out, f.created)
	return out, nil
}

type fakeSessionCounter struct {
	mu    sync.Mutex
	count int
}

func (f *fakeSessionCounter) IncrementInteractionCount(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func allowGateway(t *testing.T) *policy.Gateway {
	t.Helper()
	g, err := policy.New(config.PolicyConfig{Enabled: true})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return g
}

func allowGuard() *guardrails.Stage {
	return guardrails.New(config.GuardConfig{Enabled: true})
}

func runPersist(t *testing.T, s *stages.PersistStage, snapshot types.ContextSnapshot, messages []types.Message) stage.Output {
	t.Helper()
	prior := map[string]stage.Output{
		stages.StageLLM: stage.OK(map[string]any{
			"full_text":             "the capital of France is Paris",
			"assistant_message_id": uuid.New(),
		}),
		stages.StageEnrich: stage.OK(map[string]any{"messages": messages}),
	}
	inputs := stage.NewInputs(snapshot, prior, s.Dependencies(), stage.Ports{})
	ctx := stage.NewContext(context.Background(), snapshot, inputs)
	return ctx.Finish(s.Execute(ctx))
}

func TestPersistStage_CreatesUserAndAssistantRows(t *testing.T) {
	store := &fakeInteractionStore{}
	counter := &fakeSessionCounter{}
	s := stages.NewPersistStage(store, allowGateway(t), allowGuard(), stages.WithSessionCounter(counter))

	snapshot := types.ContextSnapshot{SessionID: uuid.New(), UserID: uuid.New(), Channel: types.ChannelText}
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "be helpful"},
		{Role: types.RoleUser, Content: "what's the capital of France?"},
	}

	out := runPersist(t, s, snapshot, messages)
	if out.Status != stage.StatusOK {
		t.Fatalf("status = %v, want OK; error=%s", out.Status, out.Error)
	}
	if len(store.created) != 2 {
		t.Fatalf("created %d interactions, want 2", len(store.created))
	}
	if store.created[0].Role != types.RoleUser || store.created[1].Role != types.RoleAssistant {
		t.Fatalf("roles = %v, %v; want user then assistant", store.created[0].Role, store.created[1].Role)
	}
	if counter.count != 1 {
		t.Fatalf("session counter incremented %d times, want 1", counter.count)
	}
}

func TestPersistStage_NoUserMessageOnlyPersistsAssistant(t *testing.T) {
	store := &fakeInteractionStore{}
	s := stages.NewPersistStage(store, allowGateway(t), allowGuard())

	snapshot := types.ContextSnapshot{SessionID: uuid.New(), UserID: uuid.New(), Channel: types.ChannelText}
	out := runPersist(t, s, snapshot, nil)

	if out.Status != stage.StatusOK {
		t.Fatalf("status = %v, want OK", out.Status)
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d interactions, want 1 (assistant only)", len(store.created))
	}
	if store.created[0].Role != types.RoleAssistant {
		t.Fatalf("role = %v, want assistant", store.created[0].Role)
	}
}

func TestPersistStage_PolicyBlockSkips(t *testing.T) {
	store := &fakeInteractionStore{}
	gateway, err := policy.New(config.PolicyConfig{Enabled: true}, policy.WithForcedDecision(policy.Block))
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	s := stages.NewPersistStage(store, gateway, allowGuard())

	snapshot := types.ContextSnapshot{SessionID: uuid.New(), UserID: uuid.New(), Channel: types.ChannelText}
	out := runPersist(t, s, snapshot, nil)

	if out.Status != stage.StatusSkip {
		t.Fatalf("status = %v, want SKIP", out.Status)
	}
	if len(store.created) != 0 {
		t.Fatalf("created %d interactions, want 0", len(store.created))
	}
}

func TestPersistStage_GuardrailsBlockSkips(t *testing.T) {
	store := &fakeInteractionStore{}
	guard := guardrails.New(config.GuardConfig{Enabled: true})
	guard.ForceAt(string(policy.PrePersist), guardrails.Block)
	s := stages.NewPersistStage(store, allowGateway(t), guard)

	snapshot := types.ContextSnapshot{SessionID: uuid.New(), UserID: uuid.New(), Channel: types.ChannelText}
	out := runPersist(t, s, snapshot, nil)

	if out.Status != stage.StatusSkip {
		t.Fatalf("status = %v, want SKIP", out.Status)
	}
	if len(store.created) != 0 {
		t.Fatalf("created %d interactions, want 0", len(store.created))
	}
}

func TestPersistStage_StoreErrorFails(t *testing.T) {
	store := &fakeInteractionStore{err: errors.New("db unavailable")}
	s := stages.NewPersistStage(store, allowGateway(t), allowGuard(), stages.WithPersistClock(func() time.Time { return time.Unix(0, 0) }))

	snapshot := types.ContextSnapshot{SessionID: uuid.New(), UserID: uuid.New(), Channel: types.ChannelText}
	out := runPersist(t, s, snapshot, nil)

	if out.Status != stage.StatusFail {
		t.Fatalf("status = %v, want FAIL", out.Status)
	}
}
