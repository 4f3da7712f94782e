package dag_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipelined/pipelined/internal/dag"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// funcStage adapts a plain function to [stage.Stage] for test wiring.
type funcStage struct {
	name string
	kind stage.Kind
	deps []string
	cond bool
	run  func(ctx *stage.Context) stage.Output
}

func (f *funcStage) Name() string           { return f.name }
func (f *funcStage) Kind() stage.Kind       { return f.kind }
func (f *funcStage) Dependencies() []string { return f.deps }
func (f *funcStage) Conditional() bool      { return f.cond }
func (f *funcStage) Execute(ctx *stage.Context) stage.Output { return f.run(ctx) }

func okStage(name string, deps []string, data map[string]any) stage.Spec {
	return stage.Spec{
		Name:         name,
		Kind:         stage.KindTransform,
		Dependencies: deps,
		Runner: &funcStage{name: name, kind: stage.KindTransform, deps: deps, run: func(*stage.Context) stage.Output {
			return stage.OK(data)
		}},
	}
}

func TestExecutor_LinearChain(t *testing.T) {
	t.Parallel()

	specs := []stage.Spec{
		okStage("fetch", nil, map[string]any{"v": 1}),
		okStage("transform", []string{"fetch"}, map[string]any{"v": 2}),
	}

	exec, err := dag.New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outputs, err := exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outputs["transform"].Status != stage.StatusOK {
		t.Errorf("transform status = %v, want OK", outputs["transform"].Status)
	}
}

func TestExecutor_DependencyIsolation(t *testing.T) {
	t.Parallel()

	// "sibling" has no declared dependency on "fetch" and must not see it.
	var sawFetch, sawRoot bool
	specs := []stage.Spec{
		okStage("fetch", nil, map[string]any{"secret": 42}),
		{
			Name: "sibling",
			Kind: stage.KindTransform,
			Runner: &funcStage{name: "sibling", run: func(ctx *stage.Context) stage.Output {
				sawFetch = ctx.Inputs.HasOutput("fetch")
				return stage.OK(nil)
			}},
		},
		{
			Name:         "consumer",
			Kind:         stage.KindTransform,
			Dependencies: []string{"fetch"},
			Runner: &funcStage{name: "consumer", deps: []string{"fetch"}, run: func(ctx *stage.Context) stage.Output {
				sawRoot = ctx.Inputs.HasOutput("fetch")
				return stage.OK(nil)
			}},
		},
	}

	exec, err := dag.New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sawFetch {
		t.Error("sibling stage saw fetch's output despite no declared dependency")
	}
	if !sawRoot {
		t.Error("consumer stage did not see fetch's output despite declared dependency")
	}
}

func TestExecutor_IndependentStagesRunConcurrently(t *testing.T) {
	t.Parallel()

	var running int32
	var maxConcurrent int32
	var mu sync.Mutex
	track := func(*stage.Context) stage.Output {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > maxConcurrent {
			maxConcurrent = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return stage.OK(nil)
	}

	specs := []stage.Spec{
		{Name: "a", Kind: stage.KindTransform, Runner: &funcStage{name: "a", run: track}},
		{Name: "b", Kind: stage.KindTransform, Runner: &funcStage{name: "b", run: track}},
		{Name: "c", Kind: stage.KindTransform, Runner: &funcStage{name: "c", run: track}},
	}

	exec, err := dag.New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if maxConcurrent < 2 {
		t.Errorf("maxConcurrent = %d, want at least 2 (stages with no dependency edge should run in parallel)", maxConcurrent)
	}
}

func TestExecutor_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var attempts int32
	specs := []stage.Spec{
		{
			Name:        "flaky",
			Kind:        stage.KindWork,
			RetryBudget: 2,
			Runner: &funcStage{name: "flaky", run: func(*stage.Context) stage.Output {
				atomic.AddInt32(&attempts, 1)
				return stage.Retry(errors.New("transient"))
			}},
		},
	}

	exec, err := dag.New(specs, dag.WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outputs, err := exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{})

	var execErr *dag.StageExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Run err = %v, want *StageExecutionError", err)
	}
	if execErr.Stage != "flaky" {
		t.Errorf("failing stage = %q, want flaky", execErr.Stage)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 { // initial + 2 retries
		t.Errorf("attempts = %d, want 3", got)
	}
	if outputs["flaky"].Status != stage.StatusFail {
		t.Errorf("flaky status = %v, want FAIL", outputs["flaky"].Status)
	}
}

func TestExecutor_RetrySucceedsWithinBudget(t *testing.T) {
	t.Parallel()

	var attempts int32
	specs := []stage.Spec{
		{
			Name:        "flaky",
			Kind:        stage.KindWork,
			RetryBudget: 2,
			Runner: &funcStage{name: "flaky", run: func(*stage.Context) stage.Output {
				n := atomic.AddInt32(&attempts, 1)
				if n < 2 {
					return stage.Retry(errors.New("transient"))
				}
				return stage.OK(map[string]any{"tries": n})
			}},
		},
	}

	exec, err := dag.New(specs, dag.WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outputs, err := exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outputs["flaky"].Status != stage.StatusOK {
		t.Errorf("flaky status = %v, want OK", outputs["flaky"].Status)
	}
}

func TestExecutor_FailureBlocksDependents(t *testing.T) {
	t.Parallel()

	var downstreamCalled int32
	specs := []stage.Spec{
		{
			Name: "broken",
			Kind: stage.KindWork,
			Runner: &funcStage{name: "broken", run: func(*stage.Context) stage.Output {
				return stage.Fail(errors.New("boom"))
			}},
		},
		{
			Name:         "downstream",
			Kind:         stage.KindTransform,
			Dependencies: []string{"broken"},
			Runner: &funcStage{name: "downstream", deps: []string{"broken"}, run: func(*stage.Context) stage.Output {
				atomic.AddInt32(&downstreamCalled, 1)
				return stage.OK(nil)
			}},
		},
	}

	exec, err := dag.New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{})
	var execErr *dag.StageExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Run err = %v, want *StageExecutionError", err)
	}
	if atomic.LoadInt32(&downstreamCalled) != 0 {
		t.Error("downstream stage ran despite its only dependency failing")
	}
}

func TestExecutor_CancelPropagates(t *testing.T) {
	t.Parallel()

	specs := []stage.Spec{
		{
			Name: "gate",
			Kind: stage.KindGuard,
			Runner: &funcStage{name: "gate", run: func(*stage.Context) stage.Output {
				return stage.Cancel("user disconnected", nil)
			}},
		},
		{
			Name:         "after",
			Kind:         stage.KindTransform,
			Dependencies: []string{"gate"},
			Runner: &funcStage{name: "after", deps: []string{"gate"}, run: func(*stage.Context) stage.Output {
				t.Error("after stage ran despite its dependency cancelling the run")
				return stage.OK(nil)
			}},
		},
	}

	exec, err := dag.New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{})
	var cancelErr *dag.CancelledError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("Run err = %v, want *CancelledError", err)
	}
	if cancelErr.Reason != "user disconnected" {
		t.Errorf("cancel reason = %q, want %q", cancelErr.Reason, "user disconnected")
	}
}

func TestExecutor_ExternalCancellationAbortsRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	specs := []stage.Spec{
		{
			Name: "slow",
			Kind: stage.KindWork,
			Runner: &funcStage{name: "slow", run: func(c *stage.Context) stage.Output {
				<-c.Done()
				return stage.Fail(c.Err())
			}},
		},
	}

	exec, err := dag.New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := exec.Run(ctx, types.ContextSnapshot{}, stage.Ports{}); err == nil {
		t.Fatal("Run err = nil, want non-nil on a pre-cancelled context")
	}
}

// recordingSink captures every published event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []stage.Event
}

func (s *recordingSink) Publish(_ context.Context, _ string, ev stage.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestExecutor_FlushesEventsToSink(t *testing.T) {
	t.Parallel()

	specs := []stage.Spec{
		{
			Name: "emits",
			Kind: stage.KindWork,
			Runner: &funcStage{name: "emits", run: func(ctx *stage.Context) stage.Output {
				ctx.EmitEvent("widget.created", map[string]any{"id": 1})
				return stage.OK(nil)
			}},
		},
	}

	sink := &recordingSink{}
	exec, err := dag.New(specs, dag.WithEventSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := exec.Run(context.Background(), types.ContextSnapshot{}, stage.Ports{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].Type != "widget.created" {
		t.Errorf("sink.events = %+v, want one widget.created event", sink.events)
	}
}
