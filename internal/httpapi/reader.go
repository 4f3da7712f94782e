package httpapi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/resilience"
)

// RunFilter narrows a pipeline-runs query. The zero value matches every run.
type RunFilter struct {
	Since     time.Time
	Service   string
	Success   *bool
	OrgID     *uuid.UUID
	SessionID *uuid.UUID
	Limit     int
	Offset    int
}

// ProviderCallFilter narrows a provider-calls query.
type ProviderCallFilter struct {
	Since    time.Time
	Service  string
	Provider string
	Limit    int
	Offset   int
}

// DLQFilter narrows a dead-letter-queue query.
type DLQFilter struct {
	Status string
	Limit  int
	Offset int
}

// SeriesFilter narrows an hourly latency-series query.
type SeriesFilter struct {
	Since   time.Time
	Service string
}

// LatencyBucket is one hourly bucket of a latency series.
type LatencyBucket struct {
	BucketStart  time.Time
	RunCount     int
	AvgLatencyMs float64
	P95LatencyMs float64
}

// Stats is the aggregate summary served by GET /pulse/stats.
type Stats struct {
	TotalRuns    int
	SuccessRuns  int
	SuccessRate  float64
	AvgLatencyMs float64
	P95LatencyMs float64
	TokensIn     int
	TokensOut    int
	CostCents    int
	DLQCount     int
}

// Reader is the read-only query surface the Pulse HTTP API is built on. Both
// internal/store's [Memory] and its postgres subpackage implement it — the
// API layer never touches SQL or in-process maps directly.
type Reader interface {
	Stats(ctx context.Context, f RunFilter) (Stats, error)
	ListRuns(ctx context.Context, f RunFilter) ([]pipeline.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (pipeline.Run, bool, error)
	ListProviderCalls(ctx context.Context, f ProviderCallFilter) ([]resilience.ProviderCall, error)
	ListDeadLetters(ctx context.Context, f DLQFilter) ([]pipeline.DeadLetterEntry, error)
	LatencySeries(ctx context.Context, f SeriesFilter) ([]LatencyBucket, error)
}
