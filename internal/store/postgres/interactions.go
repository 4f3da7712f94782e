package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pipelined/pipelined/internal/stages"
)

// InteractionStore implements [stages.InteractionStore] and
// [stages.SessionCounter] against the interactions and session_counters
// tables. The two are kept in separate tables (rather than a COUNT(*) over
// interactions) so IncrementInteractionCount stays an O(1) UPSERT instead of
// a full table scan on every turn.
type InteractionStore struct {
	db DB
}

// Create implements [stages.InteractionStore].
func (s *InteractionStore) Create(ctx context.Context, interaction stages.Interaction) error {
	const query = `
		INSERT INTO interactions (id, session_id, message_id, role, content, input_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := s.db.Exec(ctx, query,
		interaction.ID, interaction.SessionID, interaction.MessageID,
		interaction.Role, interaction.Content, interaction.InputType, interaction.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create interaction: %w", err)
	}
	return nil
}

// CountBySession implements [stages.InteractionStore].
func (s *InteractionStore) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	const query = `SELECT count(*) FROM interactions WHERE session_id = $1`

	var count int
	if err := s.db.QueryRow(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres store: count interactions: %w", err)
	}
	return count, nil
}

// RecentBySession implements [stages.InteractionStore]. It selects the
// newest limit rows and reverses them in Go, since the UI/prompt-building
// order is oldest-first while the cheapest index scan is newest-first.
func (s *InteractionStore) RecentBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]stages.Interaction, error) {
	const query = `
		SELECT id, session_id, message_id, role, content, input_type, created_at
		FROM interactions
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent interactions: %w", err)
	}
	defer rows.Close()

	var out []stages.Interaction
	for rows.Next() {
		var it stages.Interaction
		if err := rows.Scan(&it.ID, &it.SessionID, &it.MessageID, &it.Role, &it.Content, &it.InputType, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan interaction: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: recent interactions: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// IncrementInteractionCount implements [stages.SessionCounter]. It upserts
// the session's counter row, so the first interaction for a session doesn't
// need a separate row-creation step.
func (s *InteractionStore) IncrementInteractionCount(ctx context.Context, sessionID uuid.UUID) error {
	const query = `
		INSERT INTO session_counters (session_id, interaction_count)
		VALUES ($1, 1)
		ON CONFLICT (session_id) DO UPDATE SET
			interaction_count = session_counters.interaction_count + 1`

	_, err := s.db.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: increment interaction count: %w", err)
	}
	return nil
}

// InteractionCount returns the session_counters value for sessionID, the
// invariant-checked twin of CountBySession's direct table scan.
func (s *InteractionStore) InteractionCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	const query = `SELECT interaction_count FROM session_counters WHERE session_id = $1`

	var count int
	err := s.db.QueryRow(ctx, query, sessionID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: interaction count: %w", err)
	}
	return count, nil
}
