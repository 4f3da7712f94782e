package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/dag"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// RunStore persists a Run's creation and its final state. Implementations
// live under internal/store.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
}

// DeadLetterStore persists unrecoverable-failure entries for later
// inspection and replay.
type DeadLetterStore interface {
	Write(ctx context.Context, entry DeadLetterEntry) error
}

// Params describes one pipeline invocation, supplied by the caller
// (typically internal/handler after decoding an inbound WebSocket message).
type Params struct {
	Service     string
	Topology    types.Topology
	Behavior    types.Behavior
	QualityMode string
	RequestID   string
	SessionID   uuid.UUID
	UserID      uuid.UUID
	OrgID       *uuid.UUID

	// RunID, if set, is used as the Run's ID instead of a freshly generated
	// one. Callers that embed the run ID into Snapshot.PipelineRunID before
	// invoking Run (so stages can stamp it onto persisted rows) must
	// generate it themselves and set both fields to the same value.
	RunID uuid.UUID

	Snapshot types.ContextSnapshot

	// SendStatus, SendToken, and SendAudioChunk are the orchestrator's raw
	// outbound callbacks, forwarded into the stage.Ports every stage
	// receives. Run wraps SendStatus so every call a stage makes is
	// enriched with request_id/pipeline_run_id metadata before it reaches
	// the caller's implementation; SendToken and SendAudioChunk pass
	// through unwrapped since the caller (internal/handler) already has
	// the run ID in scope when it builds them.
	SendStatus     func(service, status string, metadata map[string]any)
	SendToken      func(token string)
	SendAudioChunk func(data []byte, format string, durationMs int, final bool)

	// RawAudio is the turn's finalized audio buffer, for voice topologies'
	// STT stage. Chat topologies leave this nil.
	RawAudio []byte
}

// RunnerFunc executes the stage graph for one pipeline run and returns the
// accumulated stage outputs. Implementations are expected to wrap
// [dag.Executor.Run]; the orchestrator only inspects the returned error to
// decide which terminal event to emit.
type RunnerFunc func(ctx context.Context, snapshot types.ContextSnapshot, ports stage.Ports) (map[string]stage.Output, error)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithRunStore registers where Run rows are persisted. Without one, the
// orchestrator still runs and emits events but Run rows are not durable —
// useful for tests.
func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) { o.runs = s }
}

// WithDeadLetterStore registers where unrecoverable-failure entries are
// written.
func WithDeadLetterStore(s DeadLetterStore) Option {
	return func(o *Orchestrator) { o.dlq = s }
}

// WithEventSink directs pipeline.* lifecycle events to sink.
func WithEventSink(sink dag.EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithClock overrides the orchestrator's time source. Intended for tests;
// production callers should never need this option.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives the lifecycle of pipeline runs: creating the Run
// record, enriching outbound callbacks, invoking the runner, and routing
// the outcome to the matching terminal event per spec §4.3.
type Orchestrator struct {
	runs RunStore
	dlq  DeadLetterStore
	sink dag.EventSink
	now  func() time.Time
}

// noopRunStore and noopDLQ satisfy the store interfaces without persisting
// anything — the orchestrator is fully usable without a store configured.
type noopRunStore struct{}

func (noopRunStore) Create(context.Context, *Run) error { return nil }
func (noopRunStore) Update(context.Context, *Run) error { return nil }

type noopDLQ struct{}

func (noopDLQ) Write(context.Context, DeadLetterEntry) error { return nil }

type noopSink struct{}

func (noopSink) Publish(context.Context, string, stage.Event) {}

// New creates an Orchestrator. Options may override the run store,
// dead-letter store, event sink, and clock; sensible no-op defaults apply
// otherwise.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runs: noopRunStore{},
		dlq:  noopDLQ{},
		sink: noopSink{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes runner as one pipeline run: it creates the Run record
// (success=false initially), wraps the caller's send_status callback with
// request_id/pipeline_run_id metadata (send_token and send_audio_chunk pass
// through unchanged), invokes runner, and
// finalizes the Run according to the outcome — success, [dag.CancelledError],
// or any other error (which also writes a [DeadLetterEntry]).
//
// Run never returns an error itself: a failed or cancelled pipeline run is a
// normal outcome recorded on the returned [Run], not a Go error. Only a
// failure to persist the Run record or its dead-letter entry surfaces as an
// error, since that indicates the run's outcome was not durably recorded.
func (o *Orchestrator) Run(ctx context.Context, params Params, runner RunnerFunc) (*Run, error) {
	runID := params.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	started := o.now()

	run := &Run{
		ID:          runID,
		Service:     params.Service,
		Topology:    params.Topology,
		Behavior:    params.Behavior,
		QualityMode: params.QualityMode,
		RequestID:   params.RequestID,
		SessionID:   params.SessionID,
		UserID:      params.UserID,
		OrgID:       params.OrgID,
		StartedAt:   started,
	}

	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("pipeline: create run %s: %w", runID, err)
	}
	o.emit(ctx, "pipeline.started", map[string]any{
		"pipeline_run_id": runID.String(),
		"request_id":      params.RequestID,
		"topology":        string(params.Topology),
	})

	ports := stage.Ports{
		SendStatus:     o.wrapSendStatus(params, runID),
		SendToken:      params.SendToken,
		SendAudioChunk: params.SendAudioChunk,
		RawAudio:       params.RawAudio,
	}

	outputs, runErr := o.invoke(ctx, runner, params.Snapshot, ports)
	run.Stages = summarize(outputs)

	completed := o.now()
	run.CompletedAt = &completed
	run.TotalLatencyMs = int(completed.Sub(started).Milliseconds())

	switch {
	case runErr == nil:
		run.Success = true
		o.emit(ctx, "pipeline.completed", map[string]any{
			"pipeline_run_id":  runID.String(),
			"total_latency_ms": run.TotalLatencyMs,
		})

	case isCancelled(runErr):
		run.Success = false
		run.Error = runErr.Error()
		o.emit(ctx, "pipeline.cancelled", map[string]any{
			"pipeline_run_id": runID.String(),
			"reason":          runErr.Error(),
		})

	default:
		run.Success = false
		run.Error = runErr.Error()
		o.emit(ctx, "pipeline.failed", map[string]any{
			"pipeline_run_id": runID.String(),
			"error":           runErr.Error(),
		})
		if dlqErr := o.writeDeadLetter(ctx, run, params.Snapshot, runErr); dlqErr != nil {
			return run, fmt.Errorf("pipeline: write dead letter for run %s: %w", runID, dlqErr)
		}
	}

	if err := o.runs.Update(ctx, run); err != nil {
		return run, fmt.Errorf("pipeline: update run %s: %w", runID, err)
	}
	return run, nil
}

// invoke calls runner, converting a panic into a plain error so a single
// misbehaving stage never takes down the orchestrator's caller.
func (o *Orchestrator) invoke(ctx context.Context, runner RunnerFunc, snapshot types.ContextSnapshot, ports stage.Ports) (outputs map[string]stage.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: runner panicked: %v", r)
		}
	}()
	return runner(ctx, snapshot, ports)
}

// wrapSendStatus enriches every status update a stage sends with the run's
// request_id and pipeline_run_id, per spec §4.3 step 2.
func (o *Orchestrator) wrapSendStatus(params Params, runID uuid.UUID) func(service, status string, metadata map[string]any) {
	if params.SendStatus == nil {
		return nil
	}
	return func(service, status string, metadata map[string]any) {
		enriched := make(map[string]any, len(metadata)+2)
		for k, v := range metadata {
			enriched[k] = v
		}
		enriched["request_id"] = params.RequestID
		enriched["pipeline_run_id"] = runID.String()
		params.SendStatus(service, status, enriched)
	}
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, data map[string]any) {
	o.sink.Publish(ctx, "pipeline", stage.Event{Type: eventType, Data: data, Timestamp: o.now()})
}

func (o *Orchestrator) writeDeadLetter(ctx context.Context, run *Run, snapshot types.ContextSnapshot, runErr error) error {
	entry := DeadLetterEntry{
		ID:              uuid.New(),
		PipelineRunID:   run.ID,
		ErrorType:       errorType(runErr),
		ErrorMessage:    runErr.Error(),
		FailedStage:     failedStage(runErr),
		ContextSnapshot: snapshot,
		Status:          DLQStatusPending,
		CreatedAt:       o.now(),
	}
	return o.dlq.Write(ctx, entry)
}

func isCancelled(err error) bool {
	var cancelled *dag.CancelledError
	return errors.As(err, &cancelled)
}

func failedStage(err error) string {
	var execErr *dag.StageExecutionError
	if errors.As(err, &execErr) {
		return execErr.Stage
	}
	var cancelled *dag.CancelledError
	if errors.As(err, &cancelled) {
		return cancelled.Stage
	}
	return ""
}

func errorType(err error) string {
	var execErr *dag.StageExecutionError
	if errors.As(err, &execErr) {
		return "StageExecutionError"
	}
	var cancelled *dag.CancelledError
	if errors.As(err, &cancelled) {
		return "PipelineCancelled"
	}
	return fmt.Sprintf("%T", err)
}

// summarize builds the Run.Stages breakdown from the executor's output map.
// Per-stage duration is not available here — callers that need it wire
// [dag.WithStageObserver] into their own executor and merge durations into
// Run.Stages themselves before persisting.
func summarize(outputs map[string]stage.Output) map[string]StageSummary {
	summary := make(map[string]StageSummary, len(outputs))
	for name, out := range outputs {
		summary[name] = StageSummary{Status: string(out.Status)}
	}
	return summary
}
