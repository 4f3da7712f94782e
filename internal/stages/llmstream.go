package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/pkg/provider/llm"
	"github.com/pipelined/pipelined/pkg/provider/tts"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// sentenceEnd matches a sentence terminator followed by whitespace — the
// boundary the stage prefers when chunking streamed text for TTS.
var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// clauseEnd is the fallback boundary used once the unsent tail grows past
// clauseFallbackThreshold without a sentence terminator.
var clauseEnd = regexp.MustCompile(`[,;:]\s+`)

const (
	minSentenceLen        = 2
	clauseFallbackThreshold = 80
	minClauseLen           = 10

	ttsMaxRetries = 2
	ttsBaseDelay  = time.Second
)

// LlmStreamFailure wraps a streaming provider error with the number of
// tokens already delivered to the client when it occurred, so callers can
// tell a pre-first-token failure (safe to fail over) from a mid-stream one
// (not safe — the client has already heard a partial answer).
type LlmStreamFailure struct {
	Original         error
	StreamTokenCount int
}

func (e *LlmStreamFailure) Error() string {
	return fmt.Sprintf("llm stream failed after %d tokens: %v", e.StreamTokenCount, e.Original)
}

func (e *LlmStreamFailure) Unwrap() error { return e.Original }

// BeforeFirstToken reports whether the failure happened before any token
// reached the client — the orchestrator may fall back to a backup provider
// only in this case.
func (e *LlmStreamFailure) BeforeFirstToken() bool { return e.StreamTokenCount == 0 }

// LLMStreamStage streams an LLM completion token by token, forwarding each
// token to the client immediately and, when a TTS provider is configured,
// synthesizing audio for completed sentences (or long clauses) as they
// appear in the stream rather than waiting for the full response.
//
// A backup provider, if set, is only consulted when the primary fails
// before its first token: once tokens have reached the client a different
// continuation would break coherence, so later failures are never retried.
type LLMStreamStage struct {
	primary    llm.Provider
	backup     llm.Provider
	callLogger *resilience.ProviderCallLogger
	providerName, backupProviderName string

	ttsProvider tts.Provider
	voice       tts.VoiceProfile

	now func() time.Time
}

// LLMOption configures an [LLMStreamStage].
type LLMOption func(*LLMStreamStage)

// WithBackupProvider registers a backup LLM provider consulted only when
// the primary fails before its first streamed token.
func WithBackupProvider(name string, p llm.Provider) LLMOption {
	return func(s *LLMStreamStage) { s.backupProviderName = name; s.backup = p }
}

// WithTTS configures incremental sentence-by-sentence TTS synthesis.
func WithTTS(p tts.Provider, voice tts.VoiceProfile) LLMOption {
	return func(s *LLMStreamStage) { s.ttsProvider = p; s.voice = voice }
}

// WithLLMClock overrides the stage's time source. Tests use this to make
// ttft_ms/tts_latency_ms deterministic.
func WithLLMClock(now func() time.Time) LLMOption {
	return func(s *LLMStreamStage) { s.now = now }
}

// NewLLMStreamStage builds an LLMStreamStage around primary, logging every
// provider call through callLogger (which also enforces the circuit
// breaker).
func NewLLMStreamStage(providerName string, primary llm.Provider, callLogger *resilience.ProviderCallLogger, opts ...LLMOption) *LLMStreamStage {
	s := &LLMStreamStage{
		primary:      primary,
		providerName: providerName,
		callLogger:   callLogger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LLMStreamStage) Name() string           { return StageLLM }
func (s *LLMStreamStage) Kind() stage.Kind       { return stage.KindTransform }
func (s *LLMStreamStage) Dependencies() []string { return []string{StageRouter, StageEnrich} }
func (s *LLMStreamStage) Conditional() bool      { return false }

// Execute runs the streaming algorithm described above: started event,
// provider-call-logged stream, per-token delivery with inline TTS chunking,
// and a completed event with the accumulated token/latency stats.
func (s *LLMStreamStage) Execute(ctx *stage.Context) stage.Output {
	started := s.now()

	messages, _ := ctx.Inputs.GetFrom(StageEnrich, "messages", nil).([]types.Message)
	if len(messages) == 0 {
		return stage.Fail(fmt.Errorf("llm_stream: no messages from %q", StageEnrich))
	}
	modelID, _ := ctx.Inputs.GetFrom(StageRouter, "model_id", "").(string)
	maxTokens, _ := ctx.Inputs.GetFrom(StageRouter, "max_tokens", 0).(int)

	ports := ctx.Inputs.Ports
	if ports.SendStatus != nil {
		ports.SendStatus("llm", "started", map[string]any{"provider": s.providerName, "model": modelID})
	}
	ctx.EmitEvent("llm.started", map[string]any{"provider": s.providerName, "model": modelID})

	req := llm.CompletionRequest{Messages: messages, MaxTokens: maxTokens}

	result, err := s.stream(ctx.Context, req, s.providerName, modelID, s.primary, started, ctx, ports)
	if err != nil {
		var failure *LlmStreamFailure
		if failure, _ = err.(*LlmStreamFailure); failure != nil && failure.BeforeFirstToken() && s.backup != nil {
			result, err = s.stream(ctx.Context, req, s.backupProviderName, modelID, s.backup, started, ctx, ports)
		}
	}
	if err != nil {
		ctx.EmitEvent("llm_stream_failed", map[string]any{"error": err.Error()})
		return stage.Fail(err)
	}

	if ports.SendStatus != nil {
		ports.SendStatus("llm", "complete", map[string]any{
			"token_count": result.tokenCount,
			"duration_ms": time.Since(started).Milliseconds(),
			"provider":    result.providerName,
			"model":       modelID,
		})
	}
	ctx.EmitEvent("llm.completed", map[string]any{
		"provider":          result.providerName,
		"model":             modelID,
		"stream_token_count": result.tokenCount,
		"ttft_ms":            result.ttftMs,
	})

	return stage.OK(map[string]any{
		"full_text":            result.fullText,
		"stream_token_count":   result.tokenCount,
		"provider":             result.providerName,
		"model":                modelID,
		"ttft_ms":              result.ttftMs,
		"assistant_message_id": uuid.New(),
	})
}

// streamResult is the per-attempt outcome of one provider stream.
type streamResult struct {
	fullText     string
	tokenCount   int
	ttftMs       int
	providerName string
}

// stream drives one provider's stream to completion, wrapped by the
// provider-call logger (and therefore the circuit breaker). It returns an
// *LlmStreamFailure on error so the caller can decide whether a backup may
// be attempted.
func (s *LLMStreamStage) stream(ctx context.Context, req llm.CompletionRequest, providerName, modelID string, provider llm.Provider, started time.Time, sc *stage.Context, ports stage.Ports) (streamResult, error) {
	var (
		fullText        strings.Builder
		tokenCount      int
		ttftMs          int
		ttsSentPosition int
		firstAudioSent  bool
	)

	key := resilience.Key{Operation: "llm", Provider: providerName, Model: modelID}
	meta := resilience.CallMeta{
		PipelineRunID: sc.Snapshot.PipelineRunID,
		SessionID:     sc.Snapshot.SessionID,
		UserID:        sc.Snapshot.UserID,
		Service:       "chat",
	}

	callErr := s.callLogger.Call(ctx, key, meta, func() (resilience.CallResult, error) {
		ch, err := provider.StreamCompletion(ctx, req)
		if err != nil {
			return resilience.CallResult{}, err
		}

		for chunk := range ch {
			if chunk.FinishReason == "error" {
				return resilience.CallResult{TokensOut: tokenCount}, fmt.Errorf("llm_stream: provider stream error")
			}
			if chunk.Text == "" {
				continue
			}

			fullText.WriteString(chunk.Text)
			tokenCount++

			if tokenCount == 1 {
				ttftMs = int(time.Since(started).Milliseconds())
				sc.EmitEvent("llm.first_token", map[string]any{"provider": providerName})
				if ports.SendStatus != nil {
					ports.SendStatus("llm", "streaming", nil)
				}
			}
			if ports.SendToken != nil {
				ports.SendToken(chunk.Text)
			}

			if s.ttsProvider != nil && ports.SendAudioChunk != nil {
				ttsSentPosition, firstAudioSent = s.drainTTS(ctx, fullText.String(), ttsSentPosition, firstAudioSent, started, sc, ports)
			}
		}
		return resilience.CallResult{TokensOut: tokenCount}, nil
	})

	if callErr != nil {
		return streamResult{}, &LlmStreamFailure{Original: callErr, StreamTokenCount: tokenCount}
	}

	if s.ttsProvider != nil && ports.SendAudioChunk != nil {
		remaining := strings.TrimSpace(fullText.String()[ttsSentPosition:])
		if remaining != "" {
			s.synthesizeChunk(ctx, remaining, true, started, sc, ports, &firstAudioSent)
		}
	}

	return streamResult{fullText: fullText.String(), tokenCount: tokenCount, ttftMs: ttftMs, providerName: providerName}, nil
}

// drainTTS inspects the unsent tail of text for a sentence or clause
// boundary and, if one is found, synthesizes and emits audio for it. It
// sends at most one chunk per call, mirroring the "break after one chunk
// per token iteration" rule.
func (s *LLMStreamStage) drainTTS(ctx context.Context, text string, sentPosition int, firstAudioSent bool, started time.Time, sc *stage.Context, ports stage.Ports) (int, bool) {
	tail := text[sentPosition:]

	if loc := sentenceEnd.FindStringIndex(tail); loc != nil {
		end := loc[1]
		candidate := strings.TrimSpace(tail[:end])
		if len(candidate) > minSentenceLen {
			s.synthesizeChunk(ctx, candidate, false, started, sc, ports, &firstAudioSent)
			return sentPosition + end, firstAudioSent
		}
	}

	if len(tail) > clauseFallbackThreshold {
		if loc := clauseEnd.FindStringIndex(tail); loc != nil {
			end := loc[1]
			candidate := strings.TrimSpace(tail[:end])
			if len(candidate) > minClauseLen {
				s.synthesizeChunk(ctx, candidate, false, started, sc, ports, &firstAudioSent)
				return sentPosition + end, firstAudioSent
			}
		}
	}

	return sentPosition, firstAudioSent
}

// synthesizeChunk synthesizes text with bounded exponential-backoff retry
// and, on success, emits the audio chunk. A synthesis failure is logged via
// an event but never propagated — TTS failures are non-fatal to the LLM
// stream per stage contract.
func (s *LLMStreamStage) synthesizeChunk(ctx context.Context, text string, final bool, started time.Time, sc *stage.Context, ports stage.Ports, firstAudioSent *bool) {
	sanitized := sanitizeForTTS(text)
	if sanitized == "" {
		return
	}

	audio, err := synthesizeWithBackoff(ctx, s.ttsProvider, sanitized, s.voice)
	if err != nil {
		sc.EmitEvent("tts.synthesis_failed", map[string]any{"error": err.Error()})
		return
	}
	if len(audio) == 0 {
		return
	}

	durationMs := estimatePCMDurationMs(audio)
	ports.SendAudioChunk(audio, "pcm", durationMs, final)

	if !*firstAudioSent {
		sc.EmitEvent("audio.first_play", map[string]any{
			"provider":         "tts",
			"tts_latency_ms":   time.Since(started).Milliseconds(),
			"audio_duration_ms": durationMs,
		})
		*firstAudioSent = true
	}
}

// synthesizeWithBackoff retries a single-shot synthesis up to ttsMaxRetries
// times with exponential backoff (base ttsBaseDelay), per spec.
func synthesizeWithBackoff(ctx context.Context, p tts.Provider, text string, voice tts.VoiceProfile) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= ttsMaxRetries; attempt++ {
		audio, err := tts.SynthesizeOnce(ctx, p, text, voice)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		if attempt < ttsMaxRetries {
			delay := ttsBaseDelay * time.Duration(1<<attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// ttsSanitizePattern strips markdown emphasis markers and collapses
// whitespace so synthesized speech doesn't voice literal asterisks.
var ttsSanitizePattern = regexp.MustCompile(`[*_#` + "`" + `]`)

func sanitizeForTTS(text string) string {
	cleaned := ttsSanitizePattern.ReplaceAllString(text, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return strings.TrimSpace(cleaned)
}

// estimatePCMDurationMs estimates playback duration for 16-bit mono PCM at
// 16kHz — the sample format every bundled TTS provider emits. Real
// providers that report duration directly should be preferred; this is a
// deliberately simple fallback for providers that only return raw bytes.
func estimatePCMDurationMs(pcm []byte) int {
	const bytesPerSample = 2
	const sampleRate = 16000
	samples := len(pcm) / bytesPerSample
	return samples * 1000 / sampleRate
}
