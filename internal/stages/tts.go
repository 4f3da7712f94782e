package stages

import (
	"time"

	"github.com/pipelined/pipelined/pkg/provider/tts"
	"github.com/pipelined/pipelined/pkg/stage"
)

// TTSStage synthesizes a single complete audio clip for the assistant's full
// response, for topologies that want one clean playback artifact instead of
// llm_stream's incremental per-sentence chunks (e.g. a transcript replay or
// a client that buffers audio client-side and wants no mid-sentence splice
// points). It depends on llm_stream's full_text rather than synthesizing
// inline.
type TTSStage struct {
	provider tts.Provider
	voice    tts.VoiceProfile

	now func() time.Time
}

// TTSOption configures a [TTSStage].
type TTSOption func(*TTSStage)

// WithTTSClock overrides the stage's time source, for deterministic
// latency_ms assertions in tests.
func WithTTSClock(now func() time.Time) TTSOption {
	return func(s *TTSStage) { s.now = now }
}

// NewTTSStage builds a TTSStage around provider/voice.
func NewTTSStage(provider tts.Provider, voice tts.VoiceProfile, opts ...TTSOption) *TTSStage {
	s := &TTSStage{provider: provider, voice: voice, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TTSStage) Name() string           { return StageTTS }
func (s *TTSStage) Kind() stage.Kind       { return stage.KindTransform }
func (s *TTSStage) Dependencies() []string { return []string{StageLLM} }
func (s *TTSStage) Conditional() bool      { return true }

// Execute synthesizes llm_stream's full_text as one clip, with the same
// bounded-backoff retry llm_stream uses for its inline chunks. A synthesis
// failure here fails the stage — unlike llm_stream's inline TTS, nothing
// downstream has already spoken a partial answer, so there's no coherence
// reason to swallow the error; the caller (a topology that opted into
// stand-alone TTS) decides whether to treat a failed audio clip as fatal.
func (s *TTSStage) Execute(ctx *stage.Context) stage.Output {
	started := s.now()

	text, _ := ctx.Inputs.GetFrom(StageLLM, "full_text", "").(string)
	if text == "" {
		return stage.Skip("empty_response_text")
	}

	ports := ctx.Inputs.Ports
	sanitized := sanitizeForTTS(text)

	audio, err := synthesizeWithBackoff(ctx.Context, s.provider, sanitized, s.voice)
	if err != nil {
		ctx.EmitEvent("tts.synthesis_failed", map[string]any{"error": err.Error()})
		return stage.Fail(err)
	}

	durationMs := estimatePCMDurationMs(audio)
	if ports.SendAudioChunk != nil {
		ports.SendAudioChunk(audio, "pcm", durationMs, true)
	}

	ctx.EmitEvent("audio.first_play", map[string]any{
		"provider":          "tts",
		"tts_latency_ms":    time.Since(started).Milliseconds(),
		"audio_duration_ms": durationMs,
	})

	return stage.OK(map[string]any{
		"audio_duration_ms": durationMs,
		"bytes":             len(audio),
	})
}
