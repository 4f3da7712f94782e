package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/pkg/stage"
)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegistry_ClosedAllowsCalls(t *testing.T) {
	registry := NewRegistry(config.BreakerConfig{FailureThreshold: 3})
	key := Key{Operation: "llm", Provider: "openai", Model: "gpt-4"}

	called := false
	err := registry.Execute(context.Background(), key, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
	if registry.State(key) != StateClosed {
		t.Errorf("state = %v, want closed", registry.State(key))
	}
}

func TestRegistry_OpensAfterThresholdWithinWindow(t *testing.T) {
	now := time.Now()
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		OpenDuration:     time.Hour,
		HalfOpenProbes:   1,
	}, WithClock(clockAt(now)))
	key := Key{Operation: "llm", Provider: "openai"}

	for i := 0; i < 3; i++ {
		_ = registry.Execute(context.Background(), key, func() error { return errTest })
	}

	if registry.State(key) != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", registry.State(key))
	}

	called := false
	err := registry.Execute(context.Background(), key, func() error {
		called = true
		return nil
	})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *CircuitOpenError", err)
	}
	if called {
		t.Fatal("fn should not have been called while breaker is open")
	}
}

func TestRegistry_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	now := time.Now()
	current := now
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		OpenDuration:     time.Hour,
		HalfOpenProbes:   1,
	}, WithClock(func() time.Time { return current }))
	key := Key{Operation: "stt", Provider: "deepgram"}

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	current = current.Add(2 * time.Second) // outside the window
	_ = registry.Execute(context.Background(), key, func() error { return errTest })

	if registry.State(key) != StateClosed {
		t.Fatalf("state = %v, want closed (first failure should have aged out)", registry.State(key))
	}
}

func TestRegistry_HalfOpenAfterOpenDuration(t *testing.T) {
	current := time.Now()
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenDuration:     10 * time.Second,
		HalfOpenProbes:   1,
	}, WithClock(func() time.Time { return current }))
	key := Key{Operation: "tts", Provider: "elevenlabs"}

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	if registry.State(key) != StateOpen {
		t.Fatalf("state = %v, want open", registry.State(key))
	}

	current = current.Add(11 * time.Second)
	if registry.State(key) != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after open_seconds elapses", registry.State(key))
	}

	err := registry.Execute(context.Background(), key, func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error on half-open probe: %v", err)
	}
	if registry.State(key) != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", registry.State(key))
	}
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	current := time.Now()
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenDuration:     10 * time.Second,
		HalfOpenProbes:   2,
	}, WithClock(func() time.Time { return current }))
	key := Key{Operation: "llm", Provider: "anthropic"}

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	current = current.Add(11 * time.Second)

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	if registry.State(key) != StateOpen {
		t.Fatalf("state = %v, want open after half-open probe failed", registry.State(key))
	}
}

func TestRegistry_ObserveOnlyNeverDenies(t *testing.T) {
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenDuration:     time.Hour,
		HalfOpenProbes:   1,
		ObserveOnly:      true,
	})
	key := Key{Operation: "llm", Provider: "openai"}

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	if registry.State(key) != StateOpen {
		t.Fatalf("state = %v, want open", registry.State(key))
	}

	called := false
	err := registry.Execute(context.Background(), key, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error in observe-only mode: %v", err)
	}
	if !called {
		t.Fatal("fn should still be called in observe-only mode")
	}
}

func TestRegistry_ObserveOnlyEmitsDeniedEvent(t *testing.T) {
	sink := &recordingSink{}
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenDuration:     time.Hour,
		HalfOpenProbes:   1,
		ObserveOnly:      true,
	}, WithEventSink(sink))
	key := Key{Operation: "llm", Provider: "openai"}

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	_ = registry.Execute(context.Background(), key, func() error { return nil })

	found := false
	for _, ev := range sink.events {
		if ev.Type == "llm.breaker.denied" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an llm.breaker.denied event even in observe-only mode")
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenDuration:     time.Hour,
		HalfOpenProbes:   1,
	})
	llmKey := Key{Operation: "llm", Provider: "openai", Model: "gpt-4"}
	sttKey := Key{Operation: "stt", Provider: "openai"}

	_ = registry.Execute(context.Background(), llmKey, func() error { return errTest })

	if registry.State(llmKey) != StateOpen {
		t.Fatalf("llm key state = %v, want open", registry.State(llmKey))
	}
	if registry.State(sttKey) != StateClosed {
		t.Fatalf("stt key state = %v, want closed (independent of llm key)", registry.State(sttKey))
	}
}

func TestRegistry_Reset(t *testing.T) {
	registry := NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenDuration:     time.Hour,
		HalfOpenProbes:   1,
	})
	key := Key{Operation: "llm", Provider: "openai"}

	_ = registry.Execute(context.Background(), key, func() error { return errTest })
	if registry.State(key) != StateOpen {
		t.Fatalf("state = %v, want open", registry.State(key))
	}

	registry.Reset(key)
	if registry.State(key) != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", registry.State(key))
	}
}

// recordingSink is a tiny dag.EventSink test double shared by breaker and
// provider-call logger tests.
type recordingSink struct {
	events []stage.Event
}

func (s *recordingSink) Publish(_ context.Context, _ string, ev stage.Event) {
	s.events = append(s.events, ev)
}
