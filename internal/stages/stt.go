package stages

import (
	"fmt"
	"strings"
	"time"

	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/pkg/provider/stt"
	"github.com/pipelined/pipelined/pkg/stage"
)

// STTStage transcribes the turn's finalized audio buffer into text before the
// router/enrich/llm_stream chain runs. An empty transcript is not an error —
// it's the normal shape of silence or a misfire — so the stage cancels the
// run cooperatively instead of failing it.
type STTStage struct {
	provider     stt.Provider
	providerName string
	callLogger   *resilience.ProviderCallLogger

	sampleRate int
	channels   int
	language   string

	now func() time.Time
}

// STTOption configures an [STTStage].
type STTOption func(*STTStage)

// WithSTTAudioFormat overrides the default 16kHz mono format assumed for the
// inbound raw audio buffer.
func WithSTTAudioFormat(sampleRate, channels int) STTOption {
	return func(s *STTStage) { s.sampleRate = sampleRate; s.channels = channels }
}

// WithSTTLanguage sets the BCP-47 recognition language hint. Empty lets the
// provider auto-detect, if it supports that.
func WithSTTLanguage(lang string) STTOption {
	return func(s *STTStage) { s.language = lang }
}

// WithSTTClock overrides the stage's time source, for deterministic
// latency_ms assertions in tests.
func WithSTTClock(now func() time.Time) STTOption {
	return func(s *STTStage) { s.now = now }
}

// NewSTTStage builds an STTStage around provider, logging every transcribe
// call through callLogger.
func NewSTTStage(providerName string, provider stt.Provider, callLogger *resilience.ProviderCallLogger, opts ...STTOption) *STTStage {
	s := &STTStage{
		provider:     provider,
		providerName: providerName,
		callLogger:   callLogger,
		sampleRate:   16000,
		channels:     1,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *STTStage) Name() string           { return StageSTT }
func (s *STTStage) Kind() stage.Kind       { return stage.KindTransform }
func (s *STTStage) Dependencies() []string { return nil }
func (s *STTStage) Conditional() bool      { return true }

// Execute transcribes ctx.Inputs.Ports.RawAudio and returns CANCEL when the
// result is empty, per the cooperative-termination contract: a voice turn
// with nothing said is not a pipeline failure.
func (s *STTStage) Execute(ctx *stage.Context) stage.Output {
	started := s.now()

	audio := ctx.Inputs.Ports.RawAudio
	if len(audio) == 0 {
		return stage.Cancel("empty_audio", nil)
	}

	ctx.EmitEvent("stt.started", map[string]any{"provider": s.providerName})

	cfg := stt.StreamConfig{
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Language:   s.language,
	}

	key := resilience.Key{Operation: "stt", Provider: s.providerName, Model: s.language}
	meta := resilience.CallMeta{
		PipelineRunID: ctx.Snapshot.PipelineRunID,
		SessionID:     ctx.Snapshot.SessionID,
		UserID:        ctx.Snapshot.UserID,
		Service:       "voice",
	}

	var transcript string
	callErr := s.callLogger.Call(ctx.Context, key, meta, func() (resilience.CallResult, error) {
		t, err := stt.TranscribeOnce(ctx.Context, s.provider, cfg, audio)
		if err != nil {
			return resilience.CallResult{}, fmt.Errorf("stt: %w", err)
		}
		transcript = strings.TrimSpace(t.Text)
		return resilience.CallResult{AudioDurationMs: int(t.Duration.Milliseconds())}, nil
	})
	if callErr != nil {
		ctx.EmitEvent("stt.failed", map[string]any{"error": callErr.Error()})
		return stage.Fail(callErr)
	}

	latencyMs := time.Since(started).Milliseconds()

	if transcript == "" {
		ctx.EmitEvent("stt.empty_transcript", map[string]any{"latency_ms": latencyMs})
		return stage.Cancel("empty_transcript", map[string]any{"latency_ms": latencyMs})
	}

	ctx.EmitEvent("stt.completed", map[string]any{
		"provider":   s.providerName,
		"latency_ms": latencyMs,
		"chars":      len(transcript),
	})

	return stage.OK(map[string]any{
		"transcript":  transcript,
		"provider":    s.providerName,
		"latency_ms":  latencyMs,
	})
}
