package store

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/httpapi"
	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/resilience"
)

var _ httpapi.Reader = (*Memory)(nil)

// matchesRunFilter reports whether run satisfies every predicate set on f.
func matchesRunFilter(run pipeline.Run, f httpapi.RunFilter) bool {
	if !f.Since.IsZero() && run.StartedAt.Before(f.Since) {
		return false
	}
	if f.Service != "" && run.Service != f.Service {
		return false
	}
	if f.Success != nil && run.Success != *f.Success {
		return false
	}
	if f.OrgID != nil && (run.OrgID == nil || *run.OrgID != *f.OrgID) {
		return false
	}
	if f.SessionID != nil && (run.SessionID == nil || *run.SessionID != *f.SessionID) {
		return false
	}
	return true
}

func filterRuns(runs []pipeline.Run, f httpapi.RunFilter) []pipeline.Run {
	out := runs[:0:0]
	for _, run := range runs {
		if matchesRunFilter(run, f) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// Stats implements [httpapi.Reader].
func (m *Memory) Stats(_ context.Context, f httpapi.RunFilter) (httpapi.Stats, error) {
	runs := filterRuns(m.runs.all(), f)

	var stats httpapi.Stats
	stats.TotalRuns = len(runs)

	latencies := make([]int, 0, len(runs))
	for _, run := range runs {
		if run.Success {
			stats.SuccessRuns++
		}
		stats.TokensIn += run.TokensIn
		stats.TokensOut += run.TokensOut
		stats.CostCents += run.CostCents
		latencies = append(latencies, run.TotalLatencyMs)
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessRuns) / float64(stats.TotalRuns)
		stats.AvgLatencyMs = avg(latencies)
		stats.P95LatencyMs = percentile(latencies, 0.95)
	}

	dlq := 0
	for _, entry := range m.DeadLetters() {
		if f.Since.IsZero() || !entry.CreatedAt.Before(f.Since) {
			dlq++
		}
	}
	stats.DLQCount = dlq

	return stats, nil
}

// ListRuns implements [httpapi.Reader].
func (m *Memory) ListRuns(_ context.Context, f httpapi.RunFilter) ([]pipeline.Run, error) {
	runs := filterRuns(m.runs.all(), f)
	return paginate(runs, f.Limit, f.Offset), nil
}

// GetRun implements [httpapi.Reader].
func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (pipeline.Run, bool, error) {
	run, ok := m.runs.Get(id)
	return run, ok, nil
}

// ListProviderCalls implements [httpapi.Reader].
func (m *Memory) ListProviderCalls(_ context.Context, f httpapi.ProviderCallFilter) ([]resilience.ProviderCall, error) {
	all := m.ProviderCalls()

	filtered := all[:0:0]
	for _, call := range all {
		if !f.Since.IsZero() && call.CreatedAt.Before(f.Since) {
			continue
		}
		if f.Service != "" && call.Service != f.Service {
			continue
		}
		if f.Provider != "" && call.Provider != f.Provider {
			continue
		}
		filtered = append(filtered, call)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	return paginate(filtered, f.Limit, f.Offset), nil
}

// ListDeadLetters implements [httpapi.Reader].
func (m *Memory) ListDeadLetters(_ context.Context, f httpapi.DLQFilter) ([]pipeline.DeadLetterEntry, error) {
	all := m.DeadLetters()

	filtered := all[:0:0]
	for _, entry := range all {
		if f.Status != "" && entry.Status != f.Status {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	return paginate(filtered, f.Limit, f.Offset), nil
}

// LatencySeries implements [httpapi.Reader], bucketing in-process by the hour
// each run started in — the in-memory store has no database to push the
// aggregation into.
func (m *Memory) LatencySeries(_ context.Context, f httpapi.SeriesFilter) ([]httpapi.LatencyBucket, error) {
	runFilter := httpapi.RunFilter{Since: f.Since, Service: f.Service}
	runs := filterRuns(m.runs.all(), runFilter)

	byBucket := make(map[time.Time][]int)
	for _, run := range runs {
		bucket := run.StartedAt.Truncate(time.Hour)
		byBucket[bucket] = append(byBucket[bucket], run.TotalLatencyMs)
	}

	buckets := make([]httpapi.LatencyBucket, 0, len(byBucket))
	for start, latencies := range byBucket {
		buckets = append(buckets, httpapi.LatencyBucket{
			BucketStart:  start,
			RunCount:     len(latencies),
			AvgLatencyMs: avg(latencies),
			P95LatencyMs: percentile(latencies, 0.95),
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketStart.Before(buckets[j].BucketStart) })
	return buckets, nil
}

func avg(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// percentile returns percentile p (0..1) of values, linearly interpolated
// between the two nearest ranks, the same method as Postgres's
// percentile_cont. It copies and sorts its input.
func percentile(values []int, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)

	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}
