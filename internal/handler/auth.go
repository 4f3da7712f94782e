package handler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Authenticator verifies a client-supplied bearer token and resolves it to
// an identity. The actual verification (a WorkOS token introspection call in
// production, a dev bypass in [config.EnvironmentDevelopment]) lives outside
// this package — Handler only records the outcome via [ws.Manager.Authenticate].
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID uuid.UUID, orgID *uuid.UUID, err error)
}

type authPayload struct {
	Token     string `json:"token"`
	Platform  string `json:"platform,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// handleAuth verifies payload.Token through h.auth and, on success, resolves
// a session ID (the client's if supplied, otherwise a fresh one for a brand
// new conversation), marks the connection authenticated and replies
// auth.success; on failure it replies auth.error without marking anything
// or resolving a session ID.
func (h *Handler) handleAuth(ctx context.Context, connID string, raw json.RawMessage) error {
	var payload authPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.sendAuthError(ctx, connID, "invalid_payload", err.Error())
	}

	userID, orgID, err := h.auth.Authenticate(ctx, payload.Token)
	if err != nil {
		return h.sendAuthError(ctx, connID, "unauthorized", err.Error())
	}

	if err := h.manager.Authenticate(connID, userID, orgID, payload.Platform); err != nil {
		return h.sendAuthError(ctx, connID, "unknown_connection", err.Error())
	}

	sessionID, err := resolveSessionID(payload.SessionID)
	if err != nil {
		return h.sendAuthError(ctx, connID, "invalid_session_id", err.Error())
	}

	payloadOut := map[string]any{"userId": userID.String(), "sessionId": sessionID.String()}
	if orgID != nil {
		payloadOut["orgId"] = orgID.String()
	}
	return h.send(ctx, connID, "auth.success", payloadOut)
}

func (h *Handler) sendAuthError(ctx context.Context, connID, code, message string) error {
	return h.send(ctx, connID, "auth.error", map[string]any{"code": code, "message": message})
}

// resolveSessionID parses raw if non-empty, otherwise mints a fresh session
// ID for a client that hasn't started a conversation yet.
func resolveSessionID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(raw)
}
