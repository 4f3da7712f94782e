// Package store provides the persistence-layer implementations for the
// repository interfaces declared next to their consumers: [pipeline.RunStore],
// [pipeline.DeadLetterStore], [policy.RunRateSource], [resilience.CallRecorder],
// [stages.InteractionStore], and [stages.SessionCounter]. It also owns
// SessionState, the one entity no other package needs an interface for since
// only internal/handler reads and writes it directly.
//
// Two implementations are provided: [Memory], a thread-safe in-process store
// for tests and single-node development, and the postgres subpackage, a
// pgx-backed store for production. Both satisfy every interface in this
// file, so callers can swap one for the other without touching call sites.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/pkg/types"
)

// ErrNotFound reports that no SessionState row exists for a given session.
// The postgres SessionStateStore returns it when the read that follows its
// write finds no row; the in-memory store never returns it.
var ErrNotFound = errors.New("store: not found")

// InvalidEnumError is returned by SessionStateStore.Update when topology or
// behavior falls outside its closed set of valid values.
type InvalidEnumError struct {
	Field string
	Value string
}

func (e *InvalidEnumError) Error() string {
	return fmt.Sprintf("store: invalid %s %q", e.Field, e.Value)
}

// SessionState is the per-session routing tuple: which topology and
// behavior a session's turns route through, plus client-supplied config.
// It is the one row a client updates directly, outside any pipeline run.
type SessionState struct {
	SessionID uuid.UUID
	Topology  types.Topology
	Behavior  types.Behavior
	Config    map[string]any
	UpdatedAt time.Time
}

// SessionStateStore is consulted by internal/handler on every inbound
// message: GetOrCreate resolves the routing tuple for a session that has
// never been seen before, defaulting it to defaultTopology/defaultBehavior;
// Update applies a client-issued change, re-validating both enums per the
// invariant that SessionState's topology and behavior are always members of
// the same closed sets [types.Topology] and [types.Behavior] define.
type SessionStateStore interface {
	GetOrCreate(ctx context.Context, sessionID uuid.UUID, defaultTopology types.Topology, defaultBehavior types.Behavior) (SessionState, error)
	Update(ctx context.Context, sessionID uuid.UUID, topology types.Topology, behavior types.Behavior, config map[string]any) (SessionState, error)
}
