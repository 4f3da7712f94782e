package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pipelined/pipelined/internal/summary"
)

var _ summary.Store = (*SummaryStore)(nil)

// uniqueViolationCode is the PostgreSQL SQLSTATE for a unique_violation.
const uniqueViolationCode = "23505"

// SummaryStore implements [summary.Store] against the session_summaries and
// summary_state tables.
type SummaryStore struct {
	db DB
}

// Latest implements [summary.Store].
func (s *SummaryStore) Latest(ctx context.Context, sessionID uuid.UUID) (summary.Summary, bool, error) {
	const query = `
		SELECT id, session_id, version, text, token_count, created_at
		FROM session_summaries
		WHERE session_id = $1
		ORDER BY version DESC
		LIMIT 1`

	var sm summary.Summary
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&sm.ID, &sm.SessionID, &sm.Version, &sm.Text, &sm.TokenCount, &sm.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return summary.Summary{}, false, nil
	}
	if err != nil {
		return summary.Summary{}, false, fmt.Errorf("postgres store: latest summary: %w", err)
	}
	return sm, true, nil
}

// Insert implements [summary.Store], translating a unique_violation on
// (session_id, version) into [summary.ErrVersionConflict] so the caller can
// re-read and return the winning row per spec §4.9 step 4.
func (s *SummaryStore) Insert(ctx context.Context, sm summary.Summary) error {
	const query = `
		INSERT INTO session_summaries (id, session_id, version, text, token_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`

	_, err := s.db.Exec(ctx, query, sm.ID, sm.SessionID, sm.Version, sm.Text, sm.TokenCount, sm.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return summary.ErrVersionConflict
		}
		return fmt.Errorf("postgres store: insert summary: %w", err)
	}
	return nil
}

// IncrementTurns implements [summary.Store].
func (s *SummaryStore) IncrementTurns(ctx context.Context, sessionID uuid.UUID) (int, error) {
	const query = `
		INSERT INTO summary_state (session_id, turns_since, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (session_id) DO UPDATE SET
			turns_since = summary_state.turns_since + 1,
			updated_at = now()
		RETURNING turns_since`

	var turns int
	if err := s.db.QueryRow(ctx, query, sessionID).Scan(&turns); err != nil {
		return 0, fmt.Errorf("postgres store: increment summary turns: %w", err)
	}
	return turns, nil
}

// ResetTurns implements [summary.Store].
func (s *SummaryStore) ResetTurns(ctx context.Context, sessionID uuid.UUID) error {
	const query = `
		INSERT INTO summary_state (session_id, turns_since, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (session_id) DO UPDATE SET
			turns_since = 0,
			updated_at = now()`

	_, err := s.db.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: reset summary turns: %w", err)
	}
	return nil
}
