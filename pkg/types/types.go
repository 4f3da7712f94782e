// Package types defines the shared value types used across the pipeline
// substrate: conversation messages, tool-calling shapes, provider capability
// metadata, and the per-turn ContextSnapshot that every stage consumes.
//
// These types are intentionally minimal and have no behavior beyond small
// validation helpers — they are the lingua franca between providers, stages,
// and the orchestrator, kept here to avoid circular imports between packages
// that all need to see the same shapes.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	Role      Role
	Content   string
	Name      string
	Timestamp time.Time
	Metadata  map[string]string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is RoleTool, identifying which call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by an LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	Name                string
	Description         string
	Parameters          map[string]any
	EstimatedDurationMs int
	MaxDurationMs       int
	Idempotent          bool
	CacheableSeconds    int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsVision      bool
	SupportsStreaming   bool
}

// AudioFrame represents a single frame of PCM audio flowing through a voice
// pipeline turn — captured from the client, decoded, and handed to STT.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
	Timestamp  time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Transcript represents a speech-to-text result from an STT provider. Both
// partial (interim) and final transcripts use this type.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Words      []WordDetail
	Timestamp  time.Duration
	Duration   time.Duration
}

// KeywordBoost is a vocabulary hint that increases recognition probability
// for a specific word, used by STT providers that support it.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// Topology is the named shape of a pipeline: service (chat/voice) combined
// with quality mode (fast/accurate).
type Topology string

const (
	TopologyChatFast      Topology = "chat_fast"
	TopologyChatAccurate  Topology = "chat_accurate"
	TopologyVoiceFast     Topology = "voice_fast"
	TopologyVoiceAccurate Topology = "voice_accurate"
)

// IsValid reports whether t is one of the closed set of known topologies.
func (t Topology) IsValid() bool {
	switch t {
	case TopologyChatFast, TopologyChatAccurate, TopologyVoiceFast, TopologyVoiceAccurate:
		return true
	default:
		return false
	}
}

// Channel identifies the transport a turn arrived on.
type Channel string

const (
	ChannelText  Channel = "text_channel"
	ChannelVoice Channel = "voice_channel"
)

// Behavior is the high-level conversational mode driving stage selection and
// prompt construction.
type Behavior string

const (
	BehaviorOnboarding       Behavior = "onboarding"
	BehaviorPractice         Behavior = "practice"
	BehaviorRoleplay         Behavior = "roleplay"
	BehaviorDocEdit          Behavior = "doc_edit"
	BehaviorFreeConversation Behavior = "free_conversation"
)

// IsValid reports whether b is one of the closed set of known behaviors.
func (b Behavior) IsValid() bool {
	switch b {
	case BehaviorOnboarding, BehaviorPractice, BehaviorRoleplay, BehaviorDocEdit, BehaviorFreeConversation:
		return true
	default:
		return false
	}
}

// Enrichments bundles the optional retrieval-augmented sections an enrich
// stage may attach to a ContextSnapshot before the LLM stage runs.
type Enrichments struct {
	Profile   map[string]any
	Memory    []string
	Skills    []string
	Documents []string
	WebResults []string
}

// ContextSnapshot is the frozen per-turn input handed to every stage in a
// run. Once constructed it is never mutated; a stage that needs to change it
// (e.g. a context-build/enrich stage) produces a new snapshot via With* and
// hands the new value forward through its StageOutput instead.
type ContextSnapshot struct {
	PipelineRunID uuid.UUID
	RequestID     string
	SessionID     uuid.UUID
	UserID        uuid.UUID
	OrgID         *uuid.UUID
	InteractionID *uuid.UUID

	Topology Topology
	Channel  Channel
	Behavior Behavior

	Messages []Message

	Enrichments Enrichments

	InputText            string
	InputAudioDurationMs int

	ExerciseID       *uuid.UUID
	AssessmentState  map[string]any
	RoutingDecision  string

	CreatedAt time.Time
}

// WithEnrichments returns a copy of s with Enrichments replaced. The
// receiver is never mutated, satisfying the immutability invariant on
// ContextSnapshot.
func (s ContextSnapshot) WithEnrichments(e Enrichments) ContextSnapshot {
	s.Enrichments = e
	return s
}

// WithRoutingDecision returns a copy of s with RoutingDecision replaced.
func (s ContextSnapshot) WithRoutingDecision(route string) ContextSnapshot {
	s.RoutingDecision = route
	return s
}

// snapshotDTO is the JSON wire shape for ContextSnapshot, used so that
// pointer/UUID fields round-trip as plain strings.
type snapshotDTO struct {
	PipelineRunID        string         `json:"pipeline_run_id"`
	RequestID            string         `json:"request_id"`
	SessionID            string         `json:"session_id"`
	UserID               string         `json:"user_id"`
	OrgID                *string        `json:"org_id,omitempty"`
	InteractionID        *string        `json:"interaction_id,omitempty"`
	Topology             Topology       `json:"topology"`
	Channel              Channel        `json:"channel"`
	Behavior             Behavior       `json:"behavior"`
	Messages             []Message      `json:"messages"`
	Enrichments          Enrichments    `json:"enrichments"`
	InputText            string         `json:"input_text"`
	InputAudioDurationMs int            `json:"input_audio_duration_ms"`
	ExerciseID           *string        `json:"exercise_id,omitempty"`
	AssessmentState      map[string]any `json:"assessment_state,omitempty"`
	RoutingDecision      string         `json:"routing_decision"`
	CreatedAt            time.Time      `json:"created_at"`
}

// MarshalJSON implements the snapshot's wire format, serializing UUID and
// pointer-UUID fields as plain strings.
func (s ContextSnapshot) MarshalJSON() ([]byte, error) {
	dto := snapshotDTO{
		PipelineRunID:        s.PipelineRunID.String(),
		RequestID:            s.RequestID,
		SessionID:            s.SessionID.String(),
		UserID:               s.UserID.String(),
		Topology:             s.Topology,
		Channel:              s.Channel,
		Behavior:             s.Behavior,
		Messages:             s.Messages,
		Enrichments:          s.Enrichments,
		InputText:            s.InputText,
		InputAudioDurationMs: s.InputAudioDurationMs,
		AssessmentState:      s.AssessmentState,
		RoutingDecision:      s.RoutingDecision,
		CreatedAt:            s.CreatedAt,
	}
	if s.OrgID != nil {
		v := s.OrgID.String()
		dto.OrgID = &v
	}
	if s.InteractionID != nil {
		v := s.InteractionID.String()
		dto.InteractionID = &v
	}
	if s.ExerciseID != nil {
		v := s.ExerciseID.String()
		dto.ExerciseID = &v
	}
	return json.Marshal(dto)
}

// UnmarshalJSON is the inverse of MarshalJSON; together they make
// ContextSnapshot round-trip through JSON as the identity function.
func (s *ContextSnapshot) UnmarshalJSON(b []byte) error {
	var dto snapshotDTO
	if err := json.Unmarshal(b, &dto); err != nil {
		return err
	}
	pipelineRunID, err := uuid.Parse(dto.PipelineRunID)
	if err != nil {
		return fmt.Errorf("types: pipeline_run_id: %w", err)
	}
	sessionID, err := uuid.Parse(dto.SessionID)
	if err != nil {
		return fmt.Errorf("types: session_id: %w", err)
	}
	userID, err := uuid.Parse(dto.UserID)
	if err != nil {
		return fmt.Errorf("types: user_id: %w", err)
	}
	*s = ContextSnapshot{
		PipelineRunID:        pipelineRunID,
		RequestID:            dto.RequestID,
		SessionID:            sessionID,
		UserID:               userID,
		Topology:             dto.Topology,
		Channel:              dto.Channel,
		Behavior:             dto.Behavior,
		Messages:             dto.Messages,
		Enrichments:          dto.Enrichments,
		InputText:            dto.InputText,
		InputAudioDurationMs: dto.InputAudioDurationMs,
		AssessmentState:      dto.AssessmentState,
		RoutingDecision:      dto.RoutingDecision,
		CreatedAt:            dto.CreatedAt,
	}
	if dto.OrgID != nil {
		v, err := uuid.Parse(*dto.OrgID)
		if err != nil {
			return fmt.Errorf("types: org_id: %w", err)
		}
		s.OrgID = &v
	}
	if dto.InteractionID != nil {
		v, err := uuid.Parse(*dto.InteractionID)
		if err != nil {
			return fmt.Errorf("types: interaction_id: %w", err)
		}
		s.InteractionID = &v
	}
	if dto.ExerciseID != nil {
		v, err := uuid.Parse(*dto.ExerciseID)
		if err != nil {
			return fmt.Errorf("types: exercise_id: %w", err)
		}
		s.ExerciseID = &v
	}
	return nil
}
