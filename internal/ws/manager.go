package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/config"
)

// ErrUnknownModelChoice is returned by GetModelID when a connection's model
// choice, or the server default, is not one of the configured values.
var ErrUnknownModelChoice = errors.New("ws: unknown model choice")

// Manager holds every live connection, keyed by connection ID, plus the
// secondary index by user ID that SendToUser and DisconnectUser need. It is
// constructed once at server startup and injected into every handler that
// needs to reach a client — per the connection manager's invariant, it is
// never a package-level singleton.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byUser      map[uuid.UUID]map[string]struct{}

	projector *Projector

	disconnectCount atomic.Int64
}

// NewManager returns an empty Manager backed by a fresh [Projector].
func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		byUser:      make(map[uuid.UUID]map[string]struct{}),
		projector:   NewProjector(),
	}
}

// Projector returns the manager's projector, for callers that need to read
// its counters (e.g. a Pulse health endpoint) or thread it independently.
func (m *Manager) Projector() *Projector { return m.projector }

// DisconnectCount returns how many connections have been disconnected over
// the manager's lifetime.
func (m *Manager) DisconnectCount() int64 { return m.disconnectCount.Load() }

// ConnectionCount returns how many connections are currently registered,
// for the Pulse health endpoint.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Connect registers a newly accepted socket and returns its Connection. The
// caller is expected to have already completed the WebSocket handshake.
func (m *Manager) Connect(c *websocket.Conn) *Connection {
	conn := newConnection(uuid.NewString(), c)

	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()

	return conn
}

// Disconnect removes id from the connection map and, if it was registered
// under a user, from that index too. It does not close the underlying
// socket — callers that own the read loop close it themselves once their
// loop exits.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
		conn.mu.RLock()
		userID := conn.UserID
		conn.mu.RUnlock()
		if set, exists := m.byUser[userID]; exists {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byUser, userID)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		m.disconnectCount.Add(1)
	}
}

// Authenticate marks id as belonging to an already-verified identity.
// Token verification and org-membership upsert happen upstream (the caller
// owns the identity provider call); Authenticate only records the outcome
// and makes the connection reachable via SendToUser.
func (m *Manager) Authenticate(id string, userID uuid.UUID, orgID *uuid.UUID, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok {
		return fmt.Errorf("ws: authenticate: unknown connection %q", id)
	}

	conn.mu.Lock()
	conn.UserID = userID
	conn.OrgID = orgID
	conn.Platform = platform
	conn.Authenticated = true
	conn.mu.Unlock()

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][id] = struct{}{}
	return nil
}

// Get returns the connection registered under id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// UpdatePing records that a ping/pong exchange happened for id, per the
// keepalive loop driven by [config.WSConfig].
func (m *Manager) UpdatePing(id string) {
	conn, ok := m.Get(id)
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.LastPing = time.Now()
	conn.mu.Unlock()
}

// SetPipelineMode applies a per-connection pipeline-mode override, e.g. from
// a settings.setPipelineMode inbound message.
func (m *Manager) SetPipelineMode(id string, mode config.PipelineMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("ws: set pipeline mode: %w", &InvalidPipelineModeError{Value: string(mode)})
	}
	conn, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("ws: set pipeline mode: unknown connection %q", id)
	}
	conn.mu.Lock()
	conn.PipelineMode = mode
	conn.mu.Unlock()
	return nil
}

// GetPipelineMode returns the connection's override if set, falling back to
// serverDefault otherwise.
func (m *Manager) GetPipelineMode(id string, serverDefault config.PipelineMode) config.PipelineMode {
	conn, ok := m.Get(id)
	if !ok {
		return serverDefault
	}
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	if conn.PipelineMode == "" {
		return serverDefault
	}
	return conn.PipelineMode
}

// SetModelChoice applies a per-connection model-choice override.
func (m *Manager) SetModelChoice(id string, choice config.ModelChoice) error {
	if !choice.IsValid() {
		return fmt.Errorf("ws: set model choice: %w", &InvalidModelChoiceError{Value: string(choice)})
	}
	conn, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("ws: set model choice: unknown connection %q", id)
	}
	conn.mu.Lock()
	conn.ModelChoice = choice
	conn.mu.Unlock()
	return nil
}

// GetModelChoice returns the connection's override if set, falling back to
// serverDefault otherwise.
func (m *Manager) GetModelChoice(id string, serverDefault config.ModelChoice) config.ModelChoice {
	conn, ok := m.Get(id)
	if !ok {
		return serverDefault
	}
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	if conn.ModelChoice == "" {
		return serverDefault
	}
	return conn.ModelChoice
}

// GetModelID resolves a connection's effective model choice to a concrete
// model ID from llm, falling back to llm.ModelChoice/the configured default
// when the connection has no override.
func (m *Manager) GetModelID(id string, llm config.LLMConfig) (string, error) {
	choice := m.GetModelChoice(id, llm.ModelChoice)
	switch choice {
	case config.ModelChoiceModel1:
		return llm.Model1ID, nil
	case config.ModelChoiceModel2:
		return llm.Model2ID, nil
	default:
		return "", fmt.Errorf("ws: get model id: %w: %q", ErrUnknownModelChoice, choice)
	}
}

// SendMessage projects msg through the manager's projector and writes it to
// the connection registered under id. A missing or already-closed
// connection is not an error — the spec treats it as a silent skip, since
// the client is gone and there is nothing left to notify.
func (m *Manager) SendMessage(ctx context.Context, id string, msg OutboundMessage, pctx ProjectionContext) error {
	conn, ok := m.Get(id)
	if !ok {
		return nil
	}

	projected := m.projector.Project(msg, pctx)

	if err := conn.writeJSON(ctx, projected); err != nil {
		logSendError(id, msg.Type, err)
		return err
	}
	return nil
}

func logSendError(connID, msgType string, err error) {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "closed") || strings.Contains(lower, "disconnected") {
		slog.Debug("ws: send failed on closed connection", "connection_id", connID, "type", msgType, "error", err)
		return
	}
	slog.Error("ws: send failed", "connection_id", connID, "type", msgType, "error", err)
}

// SendToUser sends msg to every connection registered under userID. It
// returns the first error encountered but always attempts every connection,
// since one dead socket for a multi-device user should not block delivery
// to the others.
func (m *Manager) SendToUser(ctx context.Context, userID uuid.UUID, msg OutboundMessage, pctx ProjectionContext) error {
	return m.sendToUserFiltered(ctx, userID, "", msg, pctx)
}

// SendToUserPlatform sends msg only to userID's connections whose Platform
// matches platform.
func (m *Manager) SendToUserPlatform(ctx context.Context, userID uuid.UUID, platform string, msg OutboundMessage, pctx ProjectionContext) error {
	return m.sendToUserFiltered(ctx, userID, platform, msg, pctx)
}

func (m *Manager) sendToUserFiltered(ctx context.Context, userID uuid.UUID, platform string, msg OutboundMessage, pctx ProjectionContext) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if platform != "" {
			conn, ok := m.Get(id)
			if !ok || conn.snapshot().Platform != platform {
				continue
			}
		}
		if err := m.SendMessage(ctx, id, msg, pctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast sends msg to every currently connected socket, authenticated or
// not. Neither Broadcast nor [Projector.Project] filters by org; the
// projector only stamps pctx's org_id into the message metadata.
func (m *Manager) Broadcast(ctx context.Context, msg OutboundMessage, pctx ProjectionContext) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.SendMessage(ctx, id, msg, pctx)
	}
}

// DisconnectUser closes and unregisters every connection belonging to
// userID, e.g. on account suspension or a forced session revoke.
func (m *Manager) DisconnectUser(userID uuid.UUID, code websocket.StatusCode, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if conn, ok := m.Get(id); ok {
			_ = conn.close(code, reason)
		}
		m.Disconnect(id)
	}
}

// InvalidPipelineModeError is returned by SetPipelineMode for a value
// outside [config.PipelineMode]'s closed set.
type InvalidPipelineModeError struct{ Value string }

func (e *InvalidPipelineModeError) Error() string {
	return fmt.Sprintf("invalid pipeline mode %q", e.Value)
}

// InvalidModelChoiceError is returned by SetModelChoice for a value outside
// [config.ModelChoice]'s closed set.
type InvalidModelChoiceError struct{ Value string }

func (e *InvalidModelChoiceError) Error() string {
	return fmt.Sprintf("invalid model choice %q", e.Value)
}
