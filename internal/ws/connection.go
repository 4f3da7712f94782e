// Package ws is the WebSocket connection manager and outbound-message
// projector: it holds every live connection, tracks per-connection settings
// and identity, and enriches every outbound message with tracing metadata
// before it reaches a socket.
//
// Both the [Manager] and the [Projector] are plain constructed values with
// no package-level state — callers build one of each at server startup and
// inject them wherever a handler needs to reach a client or check a
// contract-violation counter, rather than reaching for a singleton.
// Likewise neither type reads request_id/pipeline_run_id from an ambient
// context variable; every call that needs them takes a [ProjectionContext]
// explicitly, since the connection manager's own methods run concurrently
// across many independent pipeline runs sharing one socket.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/config"
)

// defaultWriteTimeout bounds how long a single outbound write may block a
// sender goroutine before the connection is presumed stalled.
const defaultWriteTimeout = 10 * time.Second

// Connection is one WebSocket session, authenticated or not. Identity and
// per-connection settings are guarded by mu because the manager's
// cross-connection operations (SendToUser, Broadcast, DisconnectUser) read
// them from a goroutine other than the one servicing this socket's read
// loop; writeMu separately serializes the writes themselves, since a single
// coder/websocket connection is not safe for concurrent writers.
type Connection struct {
	ID   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu            sync.RWMutex
	UserID        uuid.UUID
	SessionID     uuid.UUID
	OrgID         *uuid.UUID
	Authenticated bool
	Platform      string
	PipelineMode  config.PipelineMode
	ModelChoice   config.ModelChoice
	LastPing      time.Time
}

func newConnection(id string, c *websocket.Conn) *Connection {
	return &Connection{ID: id, conn: c, LastPing: time.Now()}
}

// writeJSON marshals v and writes it as a single text frame, bounded by
// defaultWriteTimeout so one stalled client can't block its sender forever.
func (c *Connection) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshal outbound message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) readJSON(ctx context.Context, v any) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Read blocks until the next text frame arrives and returns its raw bytes,
// for the server's per-connection read loop to hand off to the message
// dispatcher unparsed.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *Connection) close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// ConnectionSnapshot is a lock-free copy of a Connection's identity and
// settings fields, for callers that need a consistent read without holding
// the connection's lock across a send.
type ConnectionSnapshot struct {
	ID            string
	UserID        uuid.UUID
	SessionID     uuid.UUID
	OrgID         *uuid.UUID
	Authenticated bool
	Platform      string
	PipelineMode  config.PipelineMode
	ModelChoice   config.ModelChoice
	LastPing      time.Time
}

// Snapshot returns a copy of the identity/settings fields, for callers
// outside the package (e.g. internal/handler) that need a consistent read
// without reaching into the connection's lock directly.
func (c *Connection) Snapshot() ConnectionSnapshot {
	return c.snapshot()
}

// snapshot returns a copy of the identity/settings fields.
func (c *Connection) snapshot() ConnectionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionSnapshot{
		ID:            c.ID,
		UserID:        c.UserID,
		SessionID:     c.SessionID,
		OrgID:         c.OrgID,
		Authenticated: c.Authenticated,
		Platform:      c.Platform,
		PipelineMode:  c.PipelineMode,
		ModelChoice:   c.ModelChoice,
		LastPing:      c.LastPing,
	}
}
