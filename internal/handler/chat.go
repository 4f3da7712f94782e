package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/internal/ws"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

type chatTypedPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
}

// handleChatTyped runs one text-channel turn end to end: it resolves the
// session, loads recent history, drives a chat pipeline run, and streams the
// result back as chat.token events followed by a single terminal
// chat.complete.
func (h *Handler) handleChatTyped(ctx context.Context, connID string, raw json.RawMessage) error {
	var payload chatTypedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_payload", err.Error())
	}

	conn, ok := h.manager.Get(connID)
	if !ok {
		return nil
	}
	snap := conn.Snapshot()
	if !snap.Authenticated {
		return h.sendError(ctx, connID, payload.RequestID, "", "unauthenticated", "auth required before chat.typed")
	}

	sessionID, err := h.resolveConnSessionID(ctx, connID, payload.SessionID, snap)
	if err != nil {
		return h.sendError(ctx, connID, payload.RequestID, "", "invalid_session_id", err.Error())
	}

	mode := h.manager.GetPipelineMode(connID, h.llm.PipelineMode)
	topology := topologyFor(types.ChannelText, mode)

	state, err := h.sessions.GetOrCreate(ctx, sessionID, topology, types.BehaviorFreeConversation)
	if err != nil {
		return h.sendError(ctx, connID, payload.RequestID, "", "session_state_error", err.Error())
	}

	history, err := h.history(ctx, sessionID)
	if err != nil {
		return h.sendError(ctx, connID, payload.RequestID, "", "history_load_error", err.Error())
	}

	runID := uuid.New()
	snapshot := types.ContextSnapshot{
		PipelineRunID: runID,
		RequestID:     payload.RequestID,
		SessionID:     sessionID,
		UserID:        snap.UserID,
		OrgID:         snap.OrgID,
		Topology:      topology,
		Channel:       types.ChannelText,
		Behavior:      state.Behavior,
		Messages:      history,
		InputText:     payload.Content,
	}

	var outputs map[string]stage.Output
	params := pipeline.Params{
		Service:     "chat",
		Topology:    topology,
		Behavior:    state.Behavior,
		QualityMode: string(mode),
		RequestID:   payload.RequestID,
		SessionID:   sessionID,
		UserID:      snap.UserID,
		OrgID:       snap.OrgID,
		RunID:       runID,
		Snapshot:    snapshot,
		SendStatus: func(service, status string, metadata map[string]any) {
			h.sendStatus(ctx, connID, payload.RequestID, runID, service, status, metadata)
		},
		SendToken: func(token string) {
			h.sendToken(ctx, connID, payload.RequestID, runID, sessionID, token)
		},
	}

	run, err := h.orchestrator.Run(ctx, params, runner(h.executorFor(types.ChannelText), &outputs))
	if err != nil {
		return h.sendError(ctx, connID, payload.RequestID, runID.String(), "pipeline_error", err.Error())
	}
	if !run.Success {
		return h.sendError(ctx, connID, payload.RequestID, runID.String(), "pipeline_failed", run.Error)
	}

	llmOut := outputs[stages.StageLLM]
	content, _ := llmOut.Data["full_text"].(string)
	h.maybeSummarize(ctx, connID, payload.RequestID, runID, sessionID)
	return h.sendChatComplete(ctx, connID, payload.RequestID, runID, sessionID, payload.MessageID, content)
}

func (h *Handler) sendStatus(ctx context.Context, connID, requestID string, runID uuid.UUID, service, status string, metadata map[string]any) {
	payload := map[string]any{"service": service, "status": status, "metadata": metadata}
	_ = h.manager.SendMessage(ctx, connID, ws.OutboundMessage{Type: "status.update", Payload: payload},
		ws.ProjectionContext{RequestID: requestID, PipelineRunID: runID.String()})
}

func (h *Handler) sendToken(ctx context.Context, connID, requestID string, runID, sessionID uuid.UUID, token string) {
	payload := map[string]any{"sessionId": sessionID.String(), "token": token}
	_ = h.manager.SendMessage(ctx, connID, ws.OutboundMessage{Type: "chat.token", Payload: payload},
		ws.ProjectionContext{RequestID: requestID, PipelineRunID: runID.String()})
}

// sendChatComplete projects the terminal chat.complete reply with the run's
// ID attached via ProjectionContext, not just in the payload — the
// projector's at-most-once contract check keys off the projection metadata,
// not the payload body.
func (h *Handler) sendChatComplete(ctx context.Context, connID, requestID string, runID, sessionID uuid.UUID, messageID, content string) error {
	payload := map[string]any{
		"sessionId":     sessionID.String(),
		"messageId":     messageID,
		"content":       content,
		"role":          "assistant",
		"requestId":     requestID,
		"pipelineRunId": runID.String(),
	}
	_ = h.manager.SendMessage(ctx, connID, ws.OutboundMessage{Type: "chat.complete", Payload: payload},
		ws.ProjectionContext{RequestID: requestID, PipelineRunID: runID.String()})
	return nil
}

// resolveConnSessionID picks the session ID to run against: the payload's if
// supplied, otherwise the connection's existing session, otherwise a fresh
// one for a connection authenticated without an active session.
func (h *Handler) resolveConnSessionID(_ context.Context, connID, raw string, snap ws.ConnectionSnapshot) (uuid.UUID, error) {
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse sessionId: %w", err)
		}
		return id, nil
	}
	if snap.SessionID != uuid.Nil {
		return snap.SessionID, nil
	}
	return uuid.New(), nil
}
