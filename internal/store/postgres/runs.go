package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/resilience"
)

// RunStore implements [pipeline.RunStore], [pipeline.DeadLetterStore],
// [resilience.CallRecorder], and [policy.RunRateSource] against the
// pipeline_runs, dead_letter_queue, and provider_calls tables. One struct
// covers all four because none of their method names collide.
type RunStore struct {
	db DB
}

// Create implements [pipeline.RunStore].
func (s *RunStore) Create(ctx context.Context, run *pipeline.Run) error {
	stagesJSON, err := json.Marshal(emptyMap(toAnyMap(run.Stages)))
	if err != nil {
		return fmt.Errorf("postgres store: marshal stages: %w", err)
	}
	runMetaJSON, err := json.Marshal(emptyMap(run.RunMetadata))
	if err != nil {
		return fmt.Errorf("postgres store: marshal run_metadata: %w", err)
	}
	snapshotMetaJSON, err := json.Marshal(emptyMap(run.ContextSnapshotMetadata))
	if err != nil {
		return fmt.Errorf("postgres store: marshal context_snapshot_metadata: %w", err)
	}

	const query = `
		INSERT INTO pipeline_runs (
			id, service, topology, behavior, quality_mode, request_id,
			session_id, user_id, org_id, success, error,
			total_latency_ms, ttft_ms, ttfa_ms, ttfc_ms,
			tokens_in, tokens_out, cost_cents,
			stages, run_metadata, context_snapshot_metadata,
			started_at, completed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
		)`

	_, err = s.db.Exec(ctx, query,
		run.ID, run.Service, run.Topology, run.Behavior, run.QualityMode, run.RequestID,
		run.SessionID, run.UserID, run.OrgID, run.Success, run.Error,
		run.TotalLatencyMs, run.TTFTMs, run.TTFAMs, run.TTFCMs,
		run.TokensIn, run.TokensOut, run.CostCents,
		stagesJSON, runMetaJSON, snapshotMetaJSON,
		run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create run: %w", err)
	}
	return nil
}

// Update implements [pipeline.RunStore]. Orchestrator.Run always creates a
// run before updating it, so Update only ever touches the fields that change
// at finalization.
func (s *RunStore) Update(ctx context.Context, run *pipeline.Run) error {
	stagesJSON, err := json.Marshal(emptyMap(toAnyMap(run.Stages)))
	if err != nil {
		return fmt.Errorf("postgres store: marshal stages: %w", err)
	}
	runMetaJSON, err := json.Marshal(emptyMap(run.RunMetadata))
	if err != nil {
		return fmt.Errorf("postgres store: marshal run_metadata: %w", err)
	}
	snapshotMetaJSON, err := json.Marshal(emptyMap(run.ContextSnapshotMetadata))
	if err != nil {
		return fmt.Errorf("postgres store: marshal context_snapshot_metadata: %w", err)
	}

	const query = `
		UPDATE pipeline_runs SET
			success = $2, error = $3,
			total_latency_ms = $4, ttft_ms = $5, ttfa_ms = $6, ttfc_ms = $7,
			tokens_in = $8, tokens_out = $9, cost_cents = $10,
			stages = $11, run_metadata = $12, context_snapshot_metadata = $13,
			completed_at = $14
		WHERE id = $1`

	_, err = s.db.Exec(ctx, query,
		run.ID, run.Success, run.Error,
		run.TotalLatencyMs, run.TTFTMs, run.TTFAMs, run.TTFCMs,
		run.TokensIn, run.TokensOut, run.CostCents,
		stagesJSON, runMetaJSON, snapshotMetaJSON,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: update run: %w", err)
	}
	return nil
}

// Write implements [pipeline.DeadLetterStore].
func (s *RunStore) Write(ctx context.Context, entry pipeline.DeadLetterEntry) error {
	snapshotJSON, err := json.Marshal(entry.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("postgres store: marshal context_snapshot: %w", err)
	}
	inputJSON, err := json.Marshal(emptyMap(entry.InputData))
	if err != nil {
		return fmt.Errorf("postgres store: marshal input_data: %w", err)
	}

	const query = `
		INSERT INTO dead_letter_queue (
			id, pipeline_run_id, error_type, error_message, failed_stage,
			context_snapshot, input_data, status, retry_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	status := entry.Status
	if status == "" {
		status = pipeline.DLQStatusPending
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.Exec(ctx, query,
		entry.ID, entry.PipelineRunID, entry.ErrorType, entry.ErrorMessage, entry.FailedStage,
		snapshotJSON, inputJSON, status, entry.RetryCount, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: write dead letter: %w", err)
	}
	return nil
}

// Record implements [resilience.CallRecorder].
func (s *RunStore) Record(ctx context.Context, call resilience.ProviderCall) error {
	const query = `
		INSERT INTO provider_calls (
			id, pipeline_run_id, session_id, user_id, service, operation, provider, model_id,
			latency_ms, tokens_in, tokens_out, audio_duration_ms, cost_cents,
			success, error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	createdAt := call.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(ctx, query,
		call.ID, call.PipelineRunID, call.SessionID, call.UserID, call.Service, call.Operation, call.Provider, call.Model,
		call.LatencyMs, call.TokensIn, call.TokensOut, call.AudioDurationMs, call.CostCents,
		call.Success, call.Error, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record provider call: %w", err)
	}
	return nil
}

// CountRunsSince implements [policy.RunRateSource].
func (s *RunStore) CountRunsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	const query = `
		SELECT count(*) FROM pipeline_runs
		WHERE user_id = $1 AND started_at >= $2`

	var count int
	if err := s.db.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres store: count runs since: %w", err)
	}
	return count, nil
}

func toAnyMap(stages map[string]pipeline.StageSummary) map[string]any {
	if stages == nil {
		return nil
	}
	out := make(map[string]any, len(stages))
	for name, summary := range stages {
		out[name] = summary
	}
	return out
}

func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
