// Package observe provides application-wide observability primitives for
// pipelined: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pipelined metrics.
const meterName = "github.com/pipelined/pipelined"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage execution latency. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end pipeline run latency.
	PipelineDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TimeToFirstToken tracks latency from LLM stream start to first token.
	TimeToFirstToken metric.Float64Histogram

	// TimeToFirstAudio tracks latency from LLM stream start to first
	// synthesized TTS chunk.
	TimeToFirstAudio metric.Float64Histogram

	// --- Counters ---

	// PipelineRuns counts completed pipeline runs. Use with attributes:
	//   attribute.String("topology", ...), attribute.String("outcome", ...)
	PipelineRuns metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// PolicyDecisions counts policy gateway decisions. Use with attributes:
	//   attribute.String("checkpoint", ...), attribute.String("decision", ...)
	PolicyDecisions metric.Int64Counter

	// GuardrailsDecisions counts guardrails stage decisions. Use with attribute:
	//   attribute.String("decision", ...)
	GuardrailsDecisions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state transitions. Use with
	// attributes:
	//   attribute.String("operation", ...), attribute.String("provider", ...), attribute.String("to_state", ...)
	BreakerTransitions metric.Int64Counter

	// ContractViolations counts WebSocket projector contract violations. Use
	// with attribute:
	//   attribute.String("kind", ...)  // "duplicate_chat_complete" | "missing_chat_complete"
	ContractViolations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("pipelined.stage.duration",
		metric.WithDescription("Latency of a single stage execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("pipelined.pipeline.duration",
		metric.WithDescription("End-to-end pipeline run latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("pipelined.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("pipelined.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("pipelined.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("pipelined.llm.ttft",
		metric.WithDescription("Time from LLM stream start to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("pipelined.tts.ttfa",
		metric.WithDescription("Time from LLM stream start to first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PipelineRuns, err = m.Int64Counter("pipelined.pipeline.runs",
		metric.WithDescription("Total pipeline runs by topology and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pipelined.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("pipelined.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PolicyDecisions, err = m.Int64Counter("pipelined.policy.decisions",
		metric.WithDescription("Total policy gateway decisions by checkpoint and decision."),
	); err != nil {
		return nil, err
	}
	if met.GuardrailsDecisions, err = m.Int64Counter("pipelined.guardrails.decisions",
		metric.WithDescription("Total guardrails stage decisions."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("pipelined.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by operation, provider, and target state."),
	); err != nil {
		return nil, err
	}
	if met.ContractViolations, err = m.Int64Counter("pipelined.ws.contract_violations",
		metric.WithDescription("Total WebSocket projector contract violations by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pipelined.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("pipelined.active_connections",
		metric.WithDescription("Number of open WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pipelined.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage is a convenience method that records a stage duration
// observation with the standard attribute set.
func (m *Metrics) RecordStage(ctx context.Context, stage, kind, status string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordPipelineRun is a convenience method that records a pipeline run
// counter increment with the standard attribute set.
func (m *Metrics) RecordPipelineRun(ctx context.Context, topology, outcome string) {
	m.PipelineRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("topology", topology),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordPolicyDecision is a convenience method that records a policy gateway
// decision counter increment.
func (m *Metrics) RecordPolicyDecision(ctx context.Context, checkpoint, decision string) {
	m.PolicyDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("checkpoint", checkpoint),
			attribute.String("decision", decision),
		),
	)
}

// RecordBreakerTransition is a convenience method that records a circuit
// breaker state transition counter increment.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, operation, provider, toState string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("provider", provider),
			attribute.String("to_state", toState),
		),
	)
}

// RecordContractViolation is a convenience method that records a WebSocket
// projector contract violation counter increment.
func (m *Metrics) RecordContractViolation(ctx context.Context, kind string) {
	m.ContractViolations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
