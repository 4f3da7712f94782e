// Package handler wires an inbound WebSocket message to a pipeline run: it
// decodes the envelope, resolves session state, builds a
// [types.ContextSnapshot], and drives [pipeline.Orchestrator.Run] with
// callbacks that project every stage event back onto the originating
// connection through [ws.Manager].
//
// Handler owns no pipeline logic of its own — every stage behavior lives in
// internal/stages and internal/pipeline; this package is the thin seam
// between the transport (internal/ws) and the substrate (internal/dag,
// internal/pipeline).
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/dag"
	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/internal/store"
	"github.com/pipelined/pipelined/internal/summary"
	"github.com/pipelined/pipelined/internal/ws"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// defaultHistoryLimit bounds how many prior interactions are loaded into a
// new run's ContextSnapshot.Messages, absent a [WithHistoryLimit] override.
const defaultHistoryLimit = 30

// Handler dispatches decoded inbound WebSocket messages to the pipeline
// substrate. One Handler is constructed at server startup and shared across
// every connection — it holds no per-connection state itself, only the
// dependencies every run needs.
type Handler struct {
	manager      *ws.Manager
	orchestrator *pipeline.Orchestrator
	sessions     store.SessionStateStore
	interactions stages.InteractionStore
	auth         Authenticator

	llm          config.LLMConfig
	historyLimit int

	chatExecutor  *dag.Executor
	voiceExecutor *dag.Executor

	voice      *voiceBuffers
	summarizer *summary.Service
}

// Option configures a [Handler].
type Option func(*Handler)

// WithHistoryLimit overrides how many prior interactions are loaded into a
// new run's message history. Defaults to 30.
func WithHistoryLimit(n int) Option {
	return func(h *Handler) { h.historyLimit = n }
}

// WithSummarizer registers the rolling session-summary service. Without one,
// a successful turn never triggers a summary check — used by tests that
// don't exercise summarization.
func WithSummarizer(s *summary.Service) Option {
	return func(h *Handler) { h.summarizer = s }
}

// New builds a Handler. chatDeps and voiceDeps are handed to
// [pipeline.Build] once each, up front — the resulting stage graphs are
// immutable and safe to reuse concurrently across every run of their
// channel, since [pipeline.Deps]'s RouterStage reads the quality tier from
// each run's ContextSnapshot rather than from how the graph was built.
func New(manager *ws.Manager, orchestrator *pipeline.Orchestrator, sessions store.SessionStateStore, interactions stages.InteractionStore, auth Authenticator, llmCfg config.LLMConfig, chatDeps, voiceDeps pipeline.Deps, opts ...Option) (*Handler, error) {
	chatSpecs, err := pipeline.Build(types.TopologyChatFast, chatDeps)
	if err != nil {
		return nil, fmt.Errorf("handler: build chat specs: %w", err)
	}
	chatExecutor, err := dag.New(chatSpecs)
	if err != nil {
		return nil, fmt.Errorf("handler: build chat executor: %w", err)
	}

	voiceSpecs, err := pipeline.Build(types.TopologyVoiceFast, voiceDeps)
	if err != nil {
		return nil, fmt.Errorf("handler: build voice specs: %w", err)
	}
	voiceExecutor, err := dag.New(voiceSpecs)
	if err != nil {
		return nil, fmt.Errorf("handler: build voice executor: %w", err)
	}

	h := &Handler{
		manager:       manager,
		orchestrator:  orchestrator,
		sessions:      sessions,
		interactions:  interactions,
		auth:          auth,
		llm:           llmCfg,
		historyLimit:  defaultHistoryLimit,
		chatExecutor:  chatExecutor,
		voiceExecutor: voiceExecutor,
		voice:         newVoiceBuffers(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// envelope is the common {type, payload} shape every inbound message shares;
// the payload is re-decoded into its concrete type once the handler knows
// which one applies.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handle decodes raw as one inbound WebSocket message and dispatches it.
// connID identifies the already-registered [ws.Connection] (see
// [ws.Accept]) that raw arrived on.
func (h *Handler) Handle(ctx context.Context, connID string, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_envelope", err.Error())
	}

	switch env.Type {
	case "auth":
		return h.handleAuth(ctx, connID, env.Payload)
	case "chat.typed":
		return h.handleChatTyped(ctx, connID, env.Payload)
	case "voice.start":
		return h.handleVoiceStart(ctx, connID, env.Payload)
	case "voice.chunk":
		return h.handleVoiceChunk(ctx, connID, env.Payload)
	case "voice.end":
		return h.handleVoiceEnd(ctx, connID, env.Payload)
	case "settings.setPipelineMode":
		return h.handleSetPipelineMode(ctx, connID, env.Payload)
	default:
		return h.handleUnsupported(ctx, connID, env.Type)
	}
}

// handleUnsupported acknowledges a recognized-but-unimplemented message
// category (skills.*, assessment.*, sailwind.practice.*) with a typed error
// instead of silently dropping it, so a client waiting on a reply never
// hangs.
func (h *Handler) handleUnsupported(ctx context.Context, connID, msgType string) error {
	slog.Warn("handler: unsupported message type", "type", msgType)
	return h.sendError(ctx, connID, "", "", "not_implemented", fmt.Sprintf("message type %q is not handled by this server", msgType))
}

// executorFor returns the stage graph for channel.
func (h *Handler) executorFor(channel types.Channel) *dag.Executor {
	if channel == types.ChannelVoice {
		return h.voiceExecutor
	}
	return h.chatExecutor
}

// runner closes over executor so it satisfies [pipeline.RunnerFunc]. capture,
// if non-nil, receives the executor's output map once Run returns, since
// [pipeline.Orchestrator.Run] itself only returns the [pipeline.Run] summary
// — a caller that needs a stage's raw output (e.g. llm_stream's full_text,
// for chat.complete) reads it back out of capture after Run returns.
func runner(executor *dag.Executor, capture *map[string]stage.Output) pipeline.RunnerFunc {
	return func(ctx context.Context, snapshot types.ContextSnapshot, ports stage.Ports) (map[string]stage.Output, error) {
		outputs, err := executor.Run(ctx, snapshot, ports)
		if capture != nil {
			*capture = outputs
		}
		return outputs, err
	}
}

// topologyFor combines channel and mode into the closed [types.Topology]
// set. accurate_filler is treated as accurate for routing purposes: nothing
// in the pipeline substrate distinguishes a filler-response variant from a
// plain accurate run, so the two collapse to the same topology until a
// dedicated filler-response stage exists.
func topologyFor(channel types.Channel, mode config.PipelineMode) types.Topology {
	accurate := mode == config.PipelineModeAccurate || mode == config.PipelineModeAccurateFiller
	switch {
	case channel == types.ChannelVoice && accurate:
		return types.TopologyVoiceAccurate
	case channel == types.ChannelVoice:
		return types.TopologyVoiceFast
	case accurate:
		return types.TopologyChatAccurate
	default:
		return types.TopologyChatFast
	}
}

// history loads sessionID's recent interactions as a message list, oldest
// first, for a new run's ContextSnapshot.Messages.
func (h *Handler) history(ctx context.Context, sessionID uuid.UUID) ([]types.Message, error) {
	interactions, err := h.interactions.RecentBySession(ctx, sessionID, h.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("handler: load history: %w", err)
	}
	messages := make([]types.Message, 0, len(interactions))
	for _, it := range interactions {
		messages = append(messages, types.Message{
			Role:      it.Role,
			Content:   it.Content,
			Timestamp: it.CreatedAt,
		})
	}
	return messages, nil
}

// maybeSummarize runs the rolling summary check for sessionID after a
// successful turn, projecting its start/complete/error status through the
// same status.update channel pipeline stages use. It is a no-op when no
// summarizer is configured.
func (h *Handler) maybeSummarize(ctx context.Context, connID, requestID string, runID, sessionID uuid.UUID) {
	if h.summarizer == nil {
		return
	}
	sendStatus := func(status string, metadata map[string]any) {
		h.sendStatus(ctx, connID, requestID, runID, "summary", status, metadata)
	}
	if _, err := h.summarizer.MaybeSummarize(ctx, sessionID, sendStatus); err != nil {
		slog.Error("handler: summary check failed", "session_id", sessionID, "err", err)
	}
}

// send projects a plain {type, payload} message onto connID with no
// request/run metadata attached, for replies that precede or fall outside a
// pipeline run (auth.success, auth.error, skills.* stubs).
func (h *Handler) send(ctx context.Context, connID, msgType string, payload any) error {
	_ = h.manager.SendMessage(ctx, connID, ws.OutboundMessage{Type: msgType, Payload: payload}, ws.ProjectionContext{})
	return nil
}

// sendError projects an {error} message onto connID, best-effort. It never
// returns the send failure as the caller's error — a client that can't even
// receive the error report is already gone.
func (h *Handler) sendError(ctx context.Context, connID, requestID, pipelineRunID, code, message string) error {
	payload := map[string]any{"code": code, "message": message}
	if requestID != "" {
		payload["requestId"] = requestID
	}
	if pipelineRunID != "" {
		payload["pipelineRunId"] = pipelineRunID
	}
	_ = h.manager.SendMessage(ctx, connID, ws.OutboundMessage{Type: "error", Payload: payload}, ws.ProjectionContext{RequestID: requestID, PipelineRunID: pipelineRunID})
	return nil
}
