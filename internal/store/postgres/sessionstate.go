package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pipelined/pipelined/internal/store"
	"github.com/pipelined/pipelined/pkg/types"
)

// SessionStateStore implements [store.SessionStateStore] against the
// session_state table.
type SessionStateStore struct {
	db DB
}

// GetOrCreate implements [store.SessionStateStore]. It is an UPSERT with DO
// NOTHING on conflict, then a plain read — the defaults only take effect the
// first time a session is seen, per the get-or-create contract.
func (s *SessionStateStore) GetOrCreate(ctx context.Context, sessionID uuid.UUID, defaultTopology types.Topology, defaultBehavior types.Behavior) (store.SessionState, error) {
	const upsert = `
		INSERT INTO session_state (session_id, topology, behavior, config, updated_at)
		VALUES ($1, $2, $3, '{}', now())
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.db.Exec(ctx, upsert, sessionID, defaultTopology, defaultBehavior); err != nil {
		return store.SessionState{}, fmt.Errorf("postgres store: get-or-create session state: %w", err)
	}

	return s.get(ctx, sessionID)
}

// Update implements [store.SessionStateStore]. It rejects topology/behavior
// values outside the closed enums before issuing any query, per the
// invariant that SessionState is validated on every update.
func (s *SessionStateStore) Update(ctx context.Context, sessionID uuid.UUID, topology types.Topology, behavior types.Behavior, config map[string]any) (store.SessionState, error) {
	if !topology.IsValid() {
		return store.SessionState{}, &store.InvalidEnumError{Field: "topology", Value: string(topology)}
	}
	if !behavior.IsValid() {
		return store.SessionState{}, &store.InvalidEnumError{Field: "behavior", Value: string(behavior)}
	}

	configJSON, err := json.Marshal(emptyMap(config))
	if err != nil {
		return store.SessionState{}, fmt.Errorf("postgres store: marshal session config: %w", err)
	}

	const upsert = `
		INSERT INTO session_state (session_id, topology, behavior, config, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO UPDATE SET
			topology = EXCLUDED.topology,
			behavior = EXCLUDED.behavior,
			config = EXCLUDED.config,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, upsert, sessionID, topology, behavior, configJSON); err != nil {
		return store.SessionState{}, fmt.Errorf("postgres store: update session state: %w", err)
	}

	return s.get(ctx, sessionID)
}

func (s *SessionStateStore) get(ctx context.Context, sessionID uuid.UUID) (store.SessionState, error) {
	const query = `
		SELECT session_id, topology, behavior, config, updated_at
		FROM session_state WHERE session_id = $1`

	var (
		st         store.SessionState
		configJSON []byte
	)
	err := s.db.QueryRow(ctx, query, sessionID).Scan(&st.SessionID, &st.Topology, &st.Behavior, &configJSON, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionState{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionState{}, fmt.Errorf("postgres store: get session state: %w", err)
	}

	if err := json.Unmarshal(configJSON, &st.Config); err != nil {
		return store.SessionState{}, fmt.Errorf("postgres store: unmarshal session config: %w", err)
	}
	return st, nil
}
