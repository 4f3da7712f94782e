// Package pipeline implements the orchestrator lifecycle around a single
// pipeline run: creating and finalizing the PipelineRun record, enriching
// outbound callbacks with correlation metadata, and routing a run's outcome
// to the right terminal event (completed / cancelled / failed) plus, on
// unrecoverable failure, a dead-letter-queue entry for later replay.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/pkg/types"
)

// Run is the persisted record of one end-to-end pipeline invocation.
type Run struct {
	ID          uuid.UUID
	Service     string
	Topology    types.Topology
	Behavior    types.Behavior
	QualityMode string
	RequestID   string

	SessionID uuid.UUID
	UserID    uuid.UUID
	OrgID     *uuid.UUID

	Success bool
	Error   string

	TotalLatencyMs int
	TTFTMs         *int
	TTFAMs         *int
	TTFCMs         *int

	TokensIn  int
	TokensOut int
	CostCents int

	// Stages records, per stage name, its terminal status and duration —
	// the "stage breakdown" spec §4.3 step 4 finalizes on success.
	Stages map[string]StageSummary

	RunMetadata             map[string]any
	ContextSnapshotMetadata map[string]any

	StartedAt   time.Time
	CompletedAt *time.Time
}

// StageSummary is one entry of a Run's per-stage breakdown.
type StageSummary struct {
	Status     string
	DurationMs int
}

// DeadLetterEntry is written when a run fails unrecoverably, so the run can
// be inspected and replayed later.
type DeadLetterEntry struct {
	ID              uuid.UUID
	PipelineRunID   uuid.UUID
	ErrorType       string
	ErrorMessage    string
	FailedStage     string
	ContextSnapshot types.ContextSnapshot
	InputData       map[string]any
	Status          string // pending | investigating | resolved | reprocessed
	RetryCount      int
	CreatedAt       time.Time
}

const (
	DLQStatusPending       = "pending"
	DLQStatusInvestigating = "investigating"
	DLQStatusResolved      = "resolved"
	DLQStatusReprocessed   = "reprocessed"
)
