package handler

import (
	"context"
	"encoding/json"

	"github.com/pipelined/pipelined/internal/config"
)

type setPipelineModePayload struct {
	Mode string `json:"mode"`
}

// handleSetPipelineMode applies a per-connection pipeline-mode override.
// Subsequent chat.typed/voice.end runs on this connection pick it up via
// [ws.Manager.GetPipelineMode] until overridden again or the connection
// closes.
func (h *Handler) handleSetPipelineMode(ctx context.Context, connID string, raw json.RawMessage) error {
	var payload setPipelineModePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_payload", err.Error())
	}

	mode := config.PipelineMode(payload.Mode)
	if !mode.IsValid() {
		return h.sendError(ctx, connID, "", "", "invalid_pipeline_mode", "mode must be one of fast, accurate, accurate_filler")
	}

	if err := h.manager.SetPipelineMode(connID, mode); err != nil {
		return h.sendError(ctx, connID, "", "", "unknown_connection", err.Error())
	}

	return h.send(ctx, connID, "settings.pipelineModeUpdated", map[string]any{"mode": string(mode)})
}
