package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pipelined/pipelined/internal/httpapi"
	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/resilience"
)

var _ httpapi.Reader = (*RunStore)(nil)

// Stats implements [httpapi.Reader].
func (s *RunStore) Stats(ctx context.Context, f httpapi.RunFilter) (httpapi.Stats, error) {
	where, args := runFilterClause(f)

	const statsQuery = `
		SELECT
			count(*),
			count(*) FILTER (WHERE success),
			coalesce(avg(total_latency_ms), 0),
			coalesce(percentile_cont(0.95) WITHIN GROUP (ORDER BY total_latency_ms), 0),
			coalesce(sum(tokens_in), 0),
			coalesce(sum(tokens_out), 0),
			coalesce(sum(cost_cents), 0)
		FROM pipeline_runs`

	var stats httpapi.Stats
	var avgLatency, p95Latency float64
	row := s.db.QueryRow(ctx, statsQuery+where, args...)
	if err := row.Scan(&stats.TotalRuns, &stats.SuccessRuns, &avgLatency, &p95Latency, &stats.TokensIn, &stats.TokensOut, &stats.CostCents); err != nil {
		return httpapi.Stats{}, fmt.Errorf("postgres store: pulse stats: %w", err)
	}
	stats.AvgLatencyMs = avgLatency
	stats.P95LatencyMs = p95Latency
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessRuns) / float64(stats.TotalRuns)
	}

	dlqCount, err := s.dlqCountSince(ctx, f.Since)
	if err != nil {
		return httpapi.Stats{}, err
	}
	stats.DLQCount = dlqCount

	return stats, nil
}

func (s *RunStore) dlqCountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	if since.IsZero() {
		err := s.db.QueryRow(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&count)
		return count, err
	}
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM dead_letter_queue WHERE created_at >= $1`, since).Scan(&count)
	return count, err
}

// ListRuns implements [httpapi.Reader].
func (s *RunStore) ListRuns(ctx context.Context, f httpapi.RunFilter) ([]pipeline.Run, error) {
	where, args := runFilterClause(f)
	limit, offset := pageArgs(f.Limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT id, service, topology, behavior, quality_mode, request_id,
			session_id, user_id, org_id, success, error,
			total_latency_ms, ttft_ms, ttfa_ms, ttfc_ms,
			tokens_in, tokens_out, cost_cents,
			stages, run_metadata, context_snapshot_metadata,
			started_at, completed_at
		FROM pipeline_runs%s
		ORDER BY started_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list pipeline runs: %w", err)
	}
	return runs, nil
}

// GetRun implements [httpapi.Reader].
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (pipeline.Run, bool, error) {
	const query = `
		SELECT id, service, topology, behavior, quality_mode, request_id,
			session_id, user_id, org_id, success, error,
			total_latency_ms, ttft_ms, ttfa_ms, ttfc_ms,
			tokens_in, tokens_out, cost_cents,
			stages, run_metadata, context_snapshot_metadata,
			started_at, completed_at
		FROM pipeline_runs WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	run, err := scanRun(row)
	if isNoRows(err) {
		return pipeline.Run{}, false, nil
	}
	if err != nil {
		return pipeline.Run{}, false, err
	}
	return run, true, nil
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (pipeline.Run, error) {
	var run pipeline.Run
	var stagesJSON, runMetaJSON, snapshotMetaJSON []byte
	err := row.Scan(
		&run.ID, &run.Service, &run.Topology, &run.Behavior, &run.QualityMode, &run.RequestID,
		&run.SessionID, &run.UserID, &run.OrgID, &run.Success, &run.Error,
		&run.TotalLatencyMs, &run.TTFTMs, &run.TTFAMs, &run.TTFCMs,
		&run.TokensIn, &run.TokensOut, &run.CostCents,
		&stagesJSON, &runMetaJSON, &snapshotMetaJSON,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("postgres store: scan pipeline run: %w", err)
	}

	var stages map[string]pipeline.StageSummary
	if err := json.Unmarshal(stagesJSON, &stages); err != nil {
		return pipeline.Run{}, fmt.Errorf("postgres store: unmarshal stages: %w", err)
	}
	run.Stages = stages

	if err := json.Unmarshal(runMetaJSON, &run.RunMetadata); err != nil {
		return pipeline.Run{}, fmt.Errorf("postgres store: unmarshal run_metadata: %w", err)
	}
	if err := json.Unmarshal(snapshotMetaJSON, &run.ContextSnapshotMetadata); err != nil {
		return pipeline.Run{}, fmt.Errorf("postgres store: unmarshal context_snapshot_metadata: %w", err)
	}
	return run, nil
}

// ListProviderCalls implements [httpapi.Reader].
func (s *RunStore) ListProviderCalls(ctx context.Context, f httpapi.ProviderCallFilter) ([]resilience.ProviderCall, error) {
	where := ""
	var args []any
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = appendClause(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.Service != "" {
		args = append(args, f.Service)
		where = appendClause(where, fmt.Sprintf("service = $%d", len(args)))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		where = appendClause(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	limit, offset := pageArgs(f.Limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT id, pipeline_run_id, session_id, user_id, service, operation, provider, model_id,
			latency_ms, tokens_in, tokens_out, audio_duration_ms, cost_cents, success, error, created_at
		FROM provider_calls%s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list provider calls: %w", err)
	}
	defer rows.Close()

	var calls []resilience.ProviderCall
	for rows.Next() {
		var call resilience.ProviderCall
		if err := rows.Scan(
			&call.ID, &call.PipelineRunID, &call.SessionID, &call.UserID, &call.Service, &call.Operation, &call.Provider, &call.Model,
			&call.LatencyMs, &call.TokensIn, &call.TokensOut, &call.AudioDurationMs, &call.CostCents, &call.Success, &call.Error, &call.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan provider call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list provider calls: %w", err)
	}
	return calls, nil
}

// ListDeadLetters implements [httpapi.Reader].
func (s *RunStore) ListDeadLetters(ctx context.Context, f httpapi.DLQFilter) ([]pipeline.DeadLetterEntry, error) {
	where := ""
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		where = appendClause(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit, offset := pageArgs(f.Limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT id, pipeline_run_id, error_type, error_message, failed_stage,
			context_snapshot, input_data, status, retry_count, created_at
		FROM dead_letter_queue%s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.DeadLetterEntry
	for rows.Next() {
		var entry pipeline.DeadLetterEntry
		var snapshotJSON, inputJSON []byte
		if err := rows.Scan(
			&entry.ID, &entry.PipelineRunID, &entry.ErrorType, &entry.ErrorMessage, &entry.FailedStage,
			&snapshotJSON, &inputJSON, &entry.Status, &entry.RetryCount, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan dead letter: %w", err)
		}
		if err := json.Unmarshal(snapshotJSON, &entry.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("postgres store: unmarshal context_snapshot: %w", err)
		}
		if err := json.Unmarshal(inputJSON, &entry.InputData); err != nil {
			return nil, fmt.Errorf("postgres store: unmarshal input_data: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list dead letters: %w", err)
	}
	return entries, nil
}

// LatencySeries implements [httpapi.Reader], bucketing by hour in the
// database rather than in Go so the bucket boundaries match whatever
// timezone the database runs in.
func (s *RunStore) LatencySeries(ctx context.Context, f httpapi.SeriesFilter) ([]httpapi.LatencyBucket, error) {
	where := "WHERE started_at >= $1"
	args := []any{f.Since}
	if f.Service != "" {
		args = append(args, f.Service)
		where += fmt.Sprintf(" AND service = $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT date_trunc('hour', started_at) AS bucket,
			count(*),
			coalesce(avg(total_latency_ms), 0),
			coalesce(percentile_cont(0.95) WITHIN GROUP (ORDER BY total_latency_ms), 0)
		FROM pipeline_runs
		%s
		GROUP BY bucket
		ORDER BY bucket ASC`, where)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: latency series: %w", err)
	}
	defer rows.Close()

	var buckets []httpapi.LatencyBucket
	for rows.Next() {
		var b httpapi.LatencyBucket
		if err := rows.Scan(&b.BucketStart, &b.RunCount, &b.AvgLatencyMs, &b.P95LatencyMs); err != nil {
			return nil, fmt.Errorf("postgres store: scan latency bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: latency series: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketStart.Before(buckets[j].BucketStart) })
	return buckets, nil
}

func runFilterClause(f httpapi.RunFilter) (string, []any) {
	var args []any
	where := ""
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = appendClause(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if f.Service != "" {
		args = append(args, f.Service)
		where = appendClause(where, fmt.Sprintf("service = $%d", len(args)))
	}
	if f.Success != nil {
		args = append(args, *f.Success)
		where = appendClause(where, fmt.Sprintf("success = $%d", len(args)))
	}
	if f.OrgID != nil {
		args = append(args, *f.OrgID)
		where = appendClause(where, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if f.SessionID != nil {
		args = append(args, *f.SessionID)
		where = appendClause(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	return where, args
}

func appendClause(where, clause string) string {
	if where == "" {
		return " WHERE " + clause
	}
	return where + " AND " + clause
}

func pageArgs(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
