package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ProviderCall is one external provider invocation record, written by
// [ProviderCallLogger.Call] around every LLM/STT/TTS call. internal/store
// persists it as an append-only row.
type ProviderCall struct {
	ID            uuid.UUID
	PipelineRunID uuid.UUID
	SessionID     uuid.UUID
	UserID        uuid.UUID

	Service   string
	Operation string
	Provider  string
	Model     string

	LatencyMs       int
	TokensIn        int
	TokensOut       int
	AudioDurationMs int
	CostCents       int

	Success bool
	Error   string

	CreatedAt time.Time
}

// CallResult carries the accounting fields a provider call produced, since
// resilience has no knowledge of any specific provider's response shape.
type CallResult struct {
	TokensIn        int
	TokensOut       int
	AudioDurationMs int
	CostCents       int
}

// CallMeta identifies the pipeline context a call belongs to.
type CallMeta struct {
	PipelineRunID uuid.UUID
	SessionID     uuid.UUID
	UserID        uuid.UUID
	Service       string
}

// CallRecorder persists [ProviderCall] rows. internal/store provides the
// Postgres-backed implementation; tests use an in-memory stub.
type CallRecorder interface {
	Record(ctx context.Context, call ProviderCall) error
}

// discardRecorder is the default CallRecorder — it drops every call. Callers
// that care about ProviderCall persistence must supply a real one.
type discardRecorder struct{}

func (discardRecorder) Record(context.Context, ProviderCall) error { return nil }

// ProviderCallLogger wraps a [Registry] with timing, accounting, and
// persistence around each provider call — the "provider-call logger"
// consulted before every LLM/STT/TTS invocation.
type ProviderCallLogger struct {
	registry *Registry
	recorder CallRecorder
	now      func() time.Time
}

// LoggerOption configures a [ProviderCallLogger].
type LoggerOption func(*ProviderCallLogger)

// WithCallRecorder registers the persistence backend for ProviderCall rows.
func WithCallRecorder(r CallRecorder) LoggerOption {
	return func(l *ProviderCallLogger) { l.recorder = r }
}

// WithLoggerClock overrides the logger's time source, for deterministic
// latency assertions in tests.
func WithLoggerClock(now func() time.Time) LoggerOption {
	return func(l *ProviderCallLogger) { l.now = now }
}

// NewProviderCallLogger builds a logger around registry.
func NewProviderCallLogger(registry *Registry, opts ...LoggerOption) *ProviderCallLogger {
	l := &ProviderCallLogger{
		registry: registry,
		recorder: discardRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Call consults key's breaker, invokes fn if allowed, times the call, and
// records a ProviderCall row regardless of outcome. The returned error is
// fn's error (or [*CircuitOpenError] if the breaker denied the call outright).
func (l *ProviderCallLogger) Call(ctx context.Context, key Key, meta CallMeta, fn func() (CallResult, error)) error {
	start := l.now()
	var result CallResult
	err := l.registry.Execute(ctx, key, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})

	call := ProviderCall{
		ID:              uuid.New(),
		PipelineRunID:   meta.PipelineRunID,
		SessionID:       meta.SessionID,
		UserID:          meta.UserID,
		Service:         meta.Service,
		Operation:       key.Operation,
		Provider:        key.Provider,
		Model:           key.Model,
		LatencyMs:       int(l.now().Sub(start).Milliseconds()),
		TokensIn:        result.TokensIn,
		TokensOut:       result.TokensOut,
		AudioDurationMs: result.AudioDurationMs,
		CostCents:       result.CostCents,
		Success:         err == nil,
		CreatedAt:       start,
	}
	if err != nil {
		call.Error = err.Error()
	}

	if recErr := l.recorder.Record(ctx, call); recErr != nil {
		slog.Error("failed to record provider call",
			"error", recErr, "operation", key.Operation, "provider", key.Provider)
	}
	return err
}
