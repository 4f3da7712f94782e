// Package stage defines the stage model — the unit of work the DAG executor
// schedules. A stage declares its kind and dependencies up front and exposes
// a single Execute entry point; everything it needs arrives frozen in a
// StageContext and everything it produces leaves frozen in a StageOutput.
//
// Stages must not mutate their ContextSnapshot, StageInputs, or sibling
// outputs — they record observability via StageContext.EmitEvent and
// StageContext.AddArtifact rather than writing to any sink directly, so the
// executor can atomically collect or discard them on failure.
package stage

import (
	"context"
	"time"

	"github.com/pipelined/pipelined/pkg/types"
)

// Kind groups stages for UI display and policy checkpoint selection. Kinds
// are informational only — they never affect DAG scheduling, which is
// driven purely by declared dependencies.
type Kind string

const (
	KindTransform Kind = "TRANSFORM"
	KindEnrich    Kind = "ENRICH"
	KindRoute     Kind = "ROUTE"
	KindGuard     Kind = "GUARD"
	KindWork      Kind = "WORK"
	KindAgent     Kind = "AGENT"
)

// IsValid reports whether k is one of the closed set of known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindTransform, KindEnrich, KindRoute, KindGuard, KindWork, KindAgent:
		return true
	default:
		return false
	}
}

// Status is the outcome of one stage execution.
type Status string

const (
	// StatusOK means the stage completed normally; its Data is visible to
	// declared dependents.
	StatusOK Status = "OK"

	// StatusSkip means the stage opted out of doing work (e.g. a conditional
	// stage whose routing gate did not select it). Treated like OK for
	// dependency-readiness purposes.
	StatusSkip Status = "SKIP"

	// StatusCancel is a cooperative termination signal: the run is not a
	// failure, but the executor must abort all downstream scheduling and the
	// orchestrator raises PipelineCancelled with partial results.
	StatusCancel Status = "CANCEL"

	// StatusFail means the stage failed unrecoverably; the executor raises a
	// StageExecutionError. A FAIL is never retried: only StatusRetry consumes
	// the stage's retry budget.
	StatusFail Status = "FAIL"

	// StatusRetry asks the executor to re-invoke the stage, up to its
	// configured retry cap (default 0 — no retries).
	StatusRetry Status = "RETRY"
)

// Artifact is an out-of-band output a stage wants recorded alongside its
// StageOutput — e.g. a generated document or a tool-call payload.
type Artifact struct {
	Type    string
	Payload any
}

// Event is a structured observability record a stage wants flushed to the
// event sink once the executor has confirmed the stage's terminal status.
type Event struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// Output is the frozen result of one stage execution. Construct with one of
// the OK/Skip/Cancel/Fail/Retry factories rather than a literal, so that the
// Status and Error fields stay consistent with each other.
type Output struct {
	Status    Status
	Data      map[string]any
	Error     string
	Artifacts []Artifact
	Events    []Event
}

// OK builds a StatusOK output from the given key/value data pairs.
func OK(data map[string]any) Output {
	return Output{Status: StatusOK, Data: data}
}

// Skip builds a StatusSkip output carrying a human-readable reason.
func Skip(reason string) Output {
	return Output{Status: StatusSkip, Data: map[string]any{"reason": reason}}
}

// Cancel builds a StatusCancel output carrying a reason and any partial data
// gathered before the cooperative abort.
func Cancel(reason string, data map[string]any) Output {
	if data == nil {
		data = map[string]any{}
	}
	data["reason"] = reason
	return Output{Status: StatusCancel, Data: data}
}

// Fail builds a StatusFail output carrying the error message.
func Fail(err error) Output {
	return Output{Status: StatusFail, Error: err.Error()}
}

// Retry builds a StatusRetry output carrying the error that triggered the
// retry request.
func Retry(err error) Output {
	return Output{Status: StatusRetry, Error: err.Error()}
}

// WithArtifact returns a copy of o with artifact appended.
func (o Output) WithArtifact(a Artifact) Output {
	artifacts := make([]Artifact, len(o.Artifacts), len(o.Artifacts)+1)
	copy(artifacts, o.Artifacts)
	o.Artifacts = append(artifacts, a)
	return o
}

// WithEvents returns a copy of o with events appended.
func (o Output) WithEvents(events []Event) Output {
	merged := make([]Event, len(o.Events), len(o.Events)+len(events))
	copy(merged, o.Events)
	o.Events = append(merged, events...)
	return o
}

// Ports is the frozen bundle of injected capabilities a stage may use:
// outbound callbacks toward the client, provider handles, and raw audio. It
// is assembled once per run by the orchestrator from its pipeline.Params and
// never mutated.
type Ports struct {
	SendStatus     func(service, status string, metadata map[string]any)
	SendToken      func(token string)
	SendAudioChunk func(data []byte, format string, durationMs int, final bool)

	LLM LLMPort
	STT STTPort
	TTS TTSPort

	RawAudio []byte

	// Extra carries any additional per-run dependency a concrete stage needs
	// that doesn't warrant its own named field (e.g. a repository handle).
	Extra map[string]any
}

// LLMPort, STTPort, and TTSPort are minimal provider interfaces declared here
// so pkg/stage has no dependency on the concrete provider packages. The
// pkg/provider/{llm,stt,tts}.Provider interfaces do not satisfy them; the
// stages in internal/stages hold those provider interfaces directly instead
// of reading them from Ports.
type LLMPort interface {
	StreamComplete(ctx context.Context, req any) (any, error)
}

type STTPort interface {
	Transcribe(ctx context.Context, audio types.AudioFrame) (types.Transcript, error)
}

type TTSPort interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Inputs is the frozen view of a stage's upstream results. PriorOutputs
// contains only the declared dependencies of the receiving stage — never
// parents-of-parents, never siblings.
type Inputs struct {
	Snapshot     types.ContextSnapshot
	PriorOutputs map[string]Output
	// order preserves dependency declaration order for Get's search.
	order []string
	Ports Ports
}

// NewInputs builds an Inputs restricted to depNames, in declaration order.
func NewInputs(snapshot types.ContextSnapshot, all map[string]Output, depNames []string, ports Ports) Inputs {
	restricted := make(map[string]Output, len(depNames))
	order := make([]string, 0, len(depNames))
	for _, name := range depNames {
		if out, ok := all[name]; ok {
			restricted[name] = out
			order = append(order, name)
		}
	}
	return Inputs{Snapshot: snapshot, PriorOutputs: restricted, order: order, Ports: ports}
}

// HasOutput reports whether stageName is a declared dependency whose output
// is visible to this stage.
func (in Inputs) HasOutput(stageName string) bool {
	_, ok := in.PriorOutputs[stageName]
	return ok
}

// GetFrom returns data[key] from stageName's output, or def if stageName is
// not a declared dependency or key is absent.
func (in Inputs) GetFrom(stageName, key string, def any) any {
	out, ok := in.PriorOutputs[stageName]
	if !ok {
		return def
	}
	v, ok := out.Data[key]
	if !ok {
		return def
	}
	return v
}

// Get searches all declared dependencies in insertion order and returns the
// first value found under key, or def if none have it.
func (in Inputs) Get(key string, def any) any {
	for _, name := range in.order {
		if v, ok := in.PriorOutputs[name].Data[key]; ok {
			return v
		}
	}
	return def
}

// Context is the per-stage execution handle passed to Execute. It exposes
// the frozen Snapshot and Inputs alongside EmitEvent/AddArtifact, which
// collect into the outgoing Output rather than writing to any sink
// directly — the executor flushes events only after the stage's terminal
// status is known.
type Context struct {
	context.Context

	Snapshot types.ContextSnapshot
	Inputs   Inputs

	events    []Event
	artifacts []Artifact
}

// NewContext builds a Context for one stage invocation.
func NewContext(ctx context.Context, snapshot types.ContextSnapshot, inputs Inputs) *Context {
	return &Context{Context: ctx, Snapshot: snapshot, Inputs: inputs}
}

// EmitEvent records a structured event to be flushed to the event sink once
// this stage's Output is accepted by the executor.
func (c *Context) EmitEvent(eventType string, data map[string]any) {
	c.events = append(c.events, Event{Type: eventType, Data: data, Timestamp: time.Now()})
}

// AddArtifact records an artifact to be attached to this stage's Output.
func (c *Context) AddArtifact(artifactType string, payload any) {
	c.artifacts = append(c.artifacts, Artifact{Type: artifactType, Payload: payload})
}

// Finish merges the events and artifacts collected via EmitEvent/AddArtifact
// into out. Called by the executor immediately after Execute returns.
func (c *Context) Finish(out Output) Output {
	return out.WithEvents(c.events).withArtifacts(c.artifacts)
}

func (o Output) withArtifacts(artifacts []Artifact) Output {
	if len(artifacts) == 0 {
		return o
	}
	merged := make([]Artifact, len(o.Artifacts), len(o.Artifacts)+len(artifacts))
	copy(merged, o.Artifacts)
	o.Artifacts = append(merged, artifacts...)
	return o
}

// Stage is a unit of work within a pipeline DAG.
type Stage interface {
	// Name must be unique within the owning pipeline.
	Name() string

	// Kind is informational — used for UI grouping and policy checkpoint
	// selection, never for scheduling.
	Kind() Kind

	// Dependencies lists the stage names this stage declares as inputs. The
	// executor guarantees Execute is not called until all of them have
	// completed with StatusOK or StatusSkip.
	Dependencies() []string

	// Conditional reports whether this stage is gated on an upstream routing
	// decision. The executor does not read it and schedules a conditional
	// stage like any other; the stage is skipped only when its own Execute
	// returns StatusSkip.
	Conditional() bool

	// Execute runs the stage. Implementations must not mutate ctx.Snapshot,
	// ctx.Inputs, or any sibling's Output.
	Execute(ctx *Context) Output
}

// Spec is the explicit, non-decorator registration record a pipeline builder
// uses to wire up a Stage: name/kind/dependencies/conditional plus the
// concrete Stage implementation ("runner"). Pipelines are built by
// constructors that assemble a []Spec; there is no import-time
// registration side effect.
type Spec struct {
	Name         string
	Kind         Kind
	Dependencies []string
	Conditional  bool
	Runner       Stage

	// RetryBudget is the maximum number of times the executor will re-invoke
	// Runner after a StatusRetry output. Defaults to 0 (no retries).
	RetryBudget int
}
