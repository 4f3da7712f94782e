package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// defaultRetryDelay is the pause between a StatusRetry output and the next
// attempt, absent a [WithRetryDelay] override.
const defaultRetryDelay = 250 * time.Millisecond

// EventSink receives a stage's collected events once its terminal status is
// known. Implementations must be safe for concurrent use — the executor may
// call Publish from multiple stage goroutines at once.
type EventSink interface {
	Publish(ctx context.Context, stageName string, ev stage.Event)
}

// noopSink discards every event. Used when the executor is built without a
// sink — a valid configuration for tests and dry runs.
type noopSink struct{}

func (noopSink) Publish(context.Context, string, stage.Event) {}

// StageExecutionError is raised when a stage terminates with StatusFail, which
// is never retried, or keeps returning StatusRetry after its retry budget is
// exhausted.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("dag: stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// CancelledError is raised when a stage terminates with StatusCancel. Partial
// holds every stage output collected before the cancellation was observed.
type CancelledError struct {
	Stage   string
	Reason  string
	Partial map[string]stage.Output
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("dag: stage %q cancelled the run: %s", e.Stage, e.Reason)
}

// Option configures an [Executor].
type Option func(*Executor)

// WithEventSink directs collected stage events to sink instead of discarding
// them.
func WithEventSink(sink EventSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithRetryDelay overrides the pause between retry attempts. Default 250ms.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.retryDelay = d }
}

// WithStageObserver registers a callback invoked after every terminal stage
// attempt (OK/SKIP/FAIL/CANCEL — not intermediate RETRY attempts), with the
// wall-clock duration of that attempt. Used to feed per-stage latency into
// observability without coupling this package to internal/observe directly.
func WithStageObserver(fn func(stageName string, kind stage.Kind, status stage.Status, d time.Duration)) Option {
	return func(e *Executor) { e.observe = fn }
}

// Executor runs a fixed set of [stage.Spec] values to completion, respecting
// their declared dependencies.
type Executor struct {
	graph *Graph
	specs map[string]stage.Spec

	sink       EventSink
	retryDelay time.Duration
	observe    func(stageName string, kind stage.Kind, status stage.Status, d time.Duration)
}

// New builds an Executor from specs, validating the dependency graph. It
// returns an error under the same conditions as [NewGraph].
func New(specs []stage.Spec, opts ...Option) (*Executor, error) {
	names := make([]string, len(specs))
	deps := make([][]string, len(specs))
	byName := make(map[string]stage.Spec, len(specs))
	for i, s := range specs {
		names[i] = s.Name
		deps[i] = s.Dependencies
		byName[s.Name] = s
	}

	g, err := NewGraph(names, deps)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		graph:      g,
		specs:      byName,
		sink:       noopSink{},
		retryDelay: defaultRetryDelay,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// runState is the mutable, mutex-guarded execution state shared by every
// stage goroutine of a single [Executor.Run] call.
type runState struct {
	mu      sync.Mutex
	outputs map[string]stage.Output
	done    map[string]chan struct{}
}

func newRunState(names []string) *runState {
	rs := &runState{
		outputs: make(map[string]stage.Output, len(names)),
		done:    make(map[string]chan struct{}, len(names)),
	}
	for _, name := range names {
		rs.done[name] = make(chan struct{})
	}
	return rs
}

func (rs *runState) store(name string, out stage.Output) {
	rs.mu.Lock()
	rs.outputs[name] = out
	rs.mu.Unlock()
	close(rs.done[name])
}

func (rs *runState) snapshot() map[string]stage.Output {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]stage.Output, len(rs.outputs))
	for k, v := range rs.outputs {
		out[k] = v
	}
	return out
}

func (rs *runState) get(name string) (stage.Output, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out, ok := rs.outputs[name]
	return out, ok
}

// Run executes every stage in the graph to completion (or to the first
// unrecoverable failure/cancellation) and returns the accumulated output
// map. Every stage goroutine is started up front; each blocks until its
// declared dependencies have all reached a terminal status, so the overall
// schedule is Kahn-style topological even though no explicit layering step
// runs first.
//
// On a [StageExecutionError] or [CancelledError], Run returns that error
// together with the partial outputs map collected so far — callers should
// inspect both.
func (e *Executor) Run(ctx context.Context, snapshot types.ContextSnapshot, ports stage.Ports) (map[string]stage.Output, error) {
	names := e.graph.Names()
	rs := newRunState(names)

	eg, egCtx := errgroup.WithContext(ctx)

	for _, name := range names {
		name := name
		eg.Go(func() error {
			return e.runOne(egCtx, rs, name, snapshot, ports)
		})
	}

	err := eg.Wait()
	return rs.snapshot(), err
}

// runOne waits for name's dependencies, then executes it (with retries) and
// records its terminal output. It returns a non-nil error only for
// StatusFail (exhausted retries) or StatusCancel — both of which cancel the
// whole run via errgroup's shared context.
func (e *Executor) runOne(ctx context.Context, rs *runState, name string, snapshot types.ContextSnapshot, ports stage.Ports) error {
	defer func() {
		// Guarantee dependents never block forever even if this stage bails
		// out early (blocked dependency, cancelled context) without storing
		// an output of its own.
		rs.mu.Lock()
		_, stored := rs.outputs[name]
		rs.mu.Unlock()
		if !stored {
			close(rs.done[name])
		}
	}()

	spec := e.specs[name]

	if !e.awaitDependencies(ctx, rs, spec.Dependencies) {
		// A dependency failed, was cancelled, or the run was cancelled before
		// this stage became ready: it never runs.
		return nil
	}

	inputs := stage.NewInputs(snapshot, rs.snapshot(), spec.Dependencies, ports)

	var (
		out      stage.Output
		attempts int
		stageCtx *stage.Context
	)
	for {
		start := time.Now()
		stageCtx = stage.NewContext(ctx, snapshot, inputs)
		raw := spec.Runner.Execute(stageCtx)
		out = stageCtx.Finish(raw)
		elapsed := time.Since(start)

		if out.Status != stage.StatusRetry {
			e.notify(name, spec.Kind, out.Status, elapsed)
			break
		}

		attempts++
		if attempts > spec.RetryBudget {
			out.Status = stage.StatusFail
			if out.Error == "" {
				out.Error = "retry budget exhausted"
			}
			e.notify(name, spec.Kind, out.Status, elapsed)
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.retryDelay):
		}
	}

	e.flushEvents(ctx, name, out)

	switch out.Status {
	case stage.StatusOK, stage.StatusSkip:
		rs.store(name, out)
		return nil
	case stage.StatusFail:
		rs.store(name, out)
		return &StageExecutionError{Stage: name, Err: fmt.Errorf("%s", out.Error)}
	case stage.StatusCancel:
		rs.store(name, out)
		reason, _ := out.Data["reason"].(string)
		return &CancelledError{Stage: name, Reason: reason, Partial: rs.snapshot()}
	default:
		rs.store(name, out)
		return &StageExecutionError{Stage: name, Err: fmt.Errorf("unexpected terminal status %q", out.Status)}
	}
}

// awaitDependencies blocks until every dep has reached a terminal status. It
// returns true only if all of them completed with OK or SKIP; false means
// this stage must not run (a dependency failed/cancelled, or ctx was
// cancelled first).
func (e *Executor) awaitDependencies(ctx context.Context, rs *runState, deps []string) bool {
	for _, dep := range deps {
		select {
		case <-ctx.Done():
			return false
		case <-rs.done[dep]:
		}
		out, ok := rs.get(dep)
		if !ok || (out.Status != stage.StatusOK && out.Status != stage.StatusSkip) {
			return false
		}
	}
	return true
}

func (e *Executor) notify(name string, kind stage.Kind, status stage.Status, d time.Duration) {
	if e.observe != nil {
		e.observe(name, kind, status, d)
	}
}

func (e *Executor) flushEvents(ctx context.Context, name string, out stage.Output) {
	for _, ev := range out.Events {
		e.sink.Publish(ctx, name, ev)
	}
}
