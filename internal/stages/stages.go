// Package stages provides the concrete stage implementations wired into a
// pipeline's DAG: routing, context assembly, LLM streaming with incremental
// TTS, speech-to-text, stand-alone text-to-speech, and persistence.
//
// Every stage here is a thin adapter around a long-lived dependency injected
// at construction (an LLM/STT/TTS provider, a provider-call logger, a policy
// gateway) — the stage struct itself holds no per-run state. Per-run data
// flows exclusively through stage.Context: the frozen ContextSnapshot and the
// declared dependencies' prior outputs.
package stages

// Canonical stage names. Declared here so every stage that depends on
// another by name uses the same string instead of a local literal.
const (
	StageRouter  = "router"
	StageEnrich  = "enrich"
	StageLLM     = "llm_stream"
	StageSTT     = "stt"
	StageTTS     = "tts"
	StagePersist = "persist"
)
