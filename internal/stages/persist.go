package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/guardrails"
	"github.com/pipelined/pipelined/internal/policy"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// Interaction is one persisted message turn — the row Interaction rows
// describe in the entity table persist.go writes against.
type Interaction struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	MessageID uuid.UUID
	Role      types.Role
	Content   string
	InputType string
	CreatedAt time.Time
}

// InteractionStore persists Interaction rows. internal/store provides the
// Postgres-backed implementation.
type InteractionStore interface {
	Create(ctx context.Context, interaction Interaction) error
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error)

	// RecentBySession returns up to limit of the most recent interactions
	// for sessionID, oldest first — the slice internal/handler turns into
	// ContextSnapshot.Messages before a run starts.
	RecentBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]Interaction, error)
}

// SessionCounter keeps Session.interaction_count in sync with the
// Interaction table, per the invariant that the two must always agree.
type SessionCounter interface {
	IncrementInteractionCount(ctx context.Context, sessionID uuid.UUID) error
}

// PersistStage writes the assistant's message (and, chat or voice alike, the
// turn's user message when enrich's message list has one) to the
// interaction log, after consulting the
// policy gateway and guardrails at the PRE_PERSIST checkpoint. It is a WORK
// stage: its job is a side effect, not data other stages consume, though it
// still returns a StageOutput so the executor's bookkeeping stays uniform.
type PersistStage struct {
	interactions InteractionStore
	sessions     SessionCounter
	gateway      *policy.Gateway
	guard        *guardrails.Stage

	now func() time.Time
}

// PersistOption configures a [PersistStage].
type PersistOption func(*PersistStage)

// WithSessionCounter registers where Session.interaction_count is kept in
// sync. Without one, the count is not updated (tests that don't care about
// it can omit this).
func WithSessionCounter(c SessionCounter) PersistOption {
	return func(p *PersistStage) { p.sessions = c }
}

// WithPersistClock overrides the stage's time source.
func WithPersistClock(now func() time.Time) PersistOption {
	return func(p *PersistStage) { p.now = now }
}

// NewPersistStage builds a PersistStage. gateway and guard are consulted at
// the PRE_PERSIST checkpoint before any row is written.
func NewPersistStage(interactions InteractionStore, gateway *policy.Gateway, guard *guardrails.Stage, opts ...PersistOption) *PersistStage {
	p := &PersistStage{
		interactions: interactions,
		gateway:      gateway,
		guard:        guard,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PersistStage) Name() string           { return StagePersist }
func (p *PersistStage) Kind() stage.Kind       { return stage.KindWork }
func (p *PersistStage) Dependencies() []string { return []string{StageLLM, StageEnrich} }
func (p *PersistStage) Conditional() bool      { return false }

// Execute evaluates the PRE_PERSIST policy and guardrails checkpoints
// against the assistant's full_text, then writes it (preceded by the last
// user message in enrich's message list, if there is one) as Interaction
// rows.
//
// A BLOCK from either checkpoint skips persistence entirely rather than
// failing the run: the conversation still completed from the client's point
// of view, it simply isn't written to the durable log.
func (p *PersistStage) Execute(ctx *stage.Context) stage.Output {
	fullText, _ := ctx.Inputs.GetFrom(StageLLM, "full_text", "").(string)
	assistantID, _ := ctx.Inputs.GetFrom(StageLLM, "assistant_message_id", uuid.Nil).(uuid.UUID)
	userText := lastUserMessageContent(ctx.Inputs.GetFrom(StageEnrich, "messages", nil))

	if p.gateway != nil {
		pc := policy.Context{
			PipelineRunID:        ctx.Snapshot.PipelineRunID,
			RequestID:            ctx.Snapshot.RequestID,
			SessionID:            ctx.Snapshot.SessionID,
			UserID:               ctx.Snapshot.UserID,
			OrgID:                ctx.Snapshot.OrgID,
			Service:              serviceForChannel(ctx.Snapshot.Channel),
			Intent:               string(ctx.Snapshot.Behavior),
			ArtifactTypes:        []string{"interaction"},
			Artifacts:            []policy.Artifact{{Type: "interaction", PayloadSize: len(fullText)}},
			PromptTokensEstimate: len(fullText) / 4,
		}
		if result := p.gateway.Evaluate(ctx.Context, policy.PrePersist, pc); result.Decision != policy.Allow {
			return stage.Skip(fmt.Sprintf("policy_%s", result.Reason))
		}
	}

	if p.guard != nil {
		if result := p.guard.Evaluate(ctx.Context, string(policy.PrePersist), fullText); result.Decision == guardrails.Block {
			return stage.Skip(fmt.Sprintf("guardrails_%s", result.Reason))
		}
	}

	now := p.now()
	if assistantID == uuid.Nil {
		assistantID = uuid.New()
	}

	if userText != "" {
		if err := p.interactions.Create(ctx.Context, Interaction{
			ID:        uuid.New(),
			SessionID: ctx.Snapshot.SessionID,
			MessageID: uuid.New(),
			Role:      types.RoleUser,
			Content:   userText,
			InputType: string(ctx.Snapshot.Channel),
			CreatedAt: now,
		}); err != nil {
			return stage.Fail(fmt.Errorf("persist: user interaction: %w", err))
		}
	}

	if err := p.interactions.Create(ctx.Context, Interaction{
		ID:        uuid.New(),
		SessionID: ctx.Snapshot.SessionID,
		MessageID: assistantID,
		Role:      types.RoleAssistant,
		Content:   fullText,
		InputType: string(ctx.Snapshot.Channel),
		CreatedAt: now,
	}); err != nil {
		return stage.Fail(fmt.Errorf("persist: assistant interaction: %w", err))
	}

	if p.sessions != nil {
		if err := p.sessions.IncrementInteractionCount(ctx.Context, ctx.Snapshot.SessionID); err != nil {
			ctx.EmitEvent("persist.session_count_failed", map[string]any{"error": err.Error()})
		}
	}

	ctx.EmitEvent("persist.completed", map[string]any{
		"session_id":            ctx.Snapshot.SessionID.String(),
		"assistant_message_id":  assistantID.String(),
	})

	return stage.OK(map[string]any{
		"assistant_message_id": assistantID,
		"persisted_at":          now,
	})
}

// lastUserMessageContent finds the trailing user message in the enrich
// stage's assembled message list — the turn's input text, chat or voice
// alike, without persist needing to know which one produced it.
func lastUserMessageContent(v any) string {
	messages, _ := v.([]types.Message)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func serviceForChannel(c types.Channel) string {
	if c == types.ChannelVoice {
		return "voice"
	}
	return "chat"
}
