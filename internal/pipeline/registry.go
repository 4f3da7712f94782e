package pipeline

import (
	"fmt"

	"github.com/pipelined/pipelined/internal/guardrails"
	"github.com/pipelined/pipelined/internal/policy"
	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/pkg/provider/llm"
	"github.com/pipelined/pipelined/pkg/provider/stt"
	"github.com/pipelined/pipelined/pkg/provider/tts"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// Deps bundles every provider, store, and gate a topology's stages draw
// from. Not every field is read by every topology — chat topologies never
// touch the STT/TTS fields, and RouterStage is shared unmodified across a
// service's fast and accurate variant since it reads the quality tier from
// ContextSnapshot.Topology at run time rather than from how it was built.
type Deps struct {
	FastModelID     string
	AccurateModelID string
	MaxTokens       int

	ProfileSource   stages.ProfileSource
	MemorySource    stages.MemorySource
	SkillSource     stages.SkillSource
	DocumentSource  stages.DocumentSource
	WebSearchSource stages.WebSearchSource
	SystemPrompt    string

	LLMProviderName       string
	LLMProvider           llm.Provider
	LLMBackupProviderName string
	LLMBackupProvider     llm.Provider

	STTProviderName string
	STTProvider     stt.Provider

	TTSProvider tts.Provider
	Voice       tts.VoiceProfile

	Interactions stages.InteractionStore
	Sessions     stages.SessionCounter

	CallLogger *resilience.ProviderCallLogger
	Gateway    *policy.Gateway
	Guard      *guardrails.Stage
}

// Build constructs the fixed stage set for topology, the pipeline
// registry's one job per spec §4.2: pipelines are explicit constructors
// wiring StageSpec tuples, never decorator-registered side effects. The
// returned specs are ready to hand to [dag.New] as-is.
func Build(topology types.Topology, deps Deps) ([]stage.Spec, error) {
	switch topology {
	case types.TopologyChatFast, types.TopologyChatAccurate:
		return chatSpecs(deps), nil
	case types.TopologyVoiceFast, types.TopologyVoiceAccurate:
		return voiceSpecs(deps), nil
	default:
		return nil, fmt.Errorf("pipeline: unknown topology %q", topology)
	}
}

func router(deps Deps) *stages.RouterStage {
	return stages.NewRouterStage(deps.FastModelID, deps.AccurateModelID, stages.WithMaxTokens(deps.MaxTokens))
}

func enrichOptions(deps Deps) []stages.EnrichOption {
	var opts []stages.EnrichOption
	if deps.SystemPrompt != "" {
		opts = append(opts, stages.WithSystemPrompt(deps.SystemPrompt))
	}
	if deps.ProfileSource != nil {
		opts = append(opts, stages.WithProfileSource(deps.ProfileSource))
	}
	if deps.MemorySource != nil {
		opts = append(opts, stages.WithMemorySource(deps.MemorySource))
	}
	if deps.SkillSource != nil {
		opts = append(opts, stages.WithSkillSource(deps.SkillSource))
	}
	if deps.DocumentSource != nil {
		opts = append(opts, stages.WithDocumentSource(deps.DocumentSource))
	}
	if deps.WebSearchSource != nil {
		opts = append(opts, stages.WithWebSearchSource(deps.WebSearchSource))
	}
	return opts
}

func llmOptions(deps Deps, withTTS bool) []stages.LLMOption {
	var opts []stages.LLMOption
	if deps.LLMBackupProvider != nil {
		opts = append(opts, stages.WithBackupProvider(deps.LLMBackupProviderName, deps.LLMBackupProvider))
	}
	if withTTS && deps.TTSProvider != nil {
		opts = append(opts, stages.WithTTS(deps.TTSProvider, deps.Voice))
	}
	return opts
}

func persist(deps Deps) *stages.PersistStage {
	var opts []stages.PersistOption
	if deps.Sessions != nil {
		opts = append(opts, stages.WithSessionCounter(deps.Sessions))
	}
	return stages.NewPersistStage(deps.Interactions, deps.Gateway, deps.Guard, opts...)
}

// chatSpecs builds the text-channel DAG: router and enrich run concurrently
// (neither depends on the other), llm_stream waits on both, persist writes
// the turn once llm_stream and enrich have both produced their outputs.
func chatSpecs(deps Deps) []stage.Spec {
	enrich := stages.NewEnrichStage(enrichOptions(deps)...)
	llmStream := stages.NewLLMStreamStage(deps.LLMProviderName, deps.LLMProvider, deps.CallLogger, llmOptions(deps, false)...)
	p := persist(deps)

	return []stage.Spec{
		{Name: stages.StageRouter, Kind: stage.KindRoute, Dependencies: nil, Conditional: false, Runner: router(deps)},
		{Name: stages.StageEnrich, Kind: stage.KindEnrich, Dependencies: enrich.Dependencies(), Conditional: false, Runner: enrich},
		{Name: stages.StageLLM, Kind: stage.KindTransform, Dependencies: llmStream.Dependencies(), Conditional: false, Runner: llmStream},
		{Name: stages.StagePersist, Kind: stage.KindWork, Dependencies: p.Dependencies(), Conditional: false, Runner: p},
	}
}

// voiceSpecs builds the voice-channel DAG: stt transcribes the turn first,
// enrich and llm_stream consume its transcript (enrich via WithVoiceInput,
// llm_stream indirectly through enrich's assembled messages), llm_stream
// synthesizes incremental per-sentence audio inline, and a stand-alone tts
// stage additionally renders the full response as one archival clip once
// llm_stream's full text is available.
func voiceSpecs(deps Deps) []stage.Spec {
	sttStage := stages.NewSTTStage(deps.STTProviderName, deps.STTProvider, deps.CallLogger)
	enrich := stages.NewEnrichStage(append(enrichOptions(deps), stages.WithVoiceInput())...)
	llmStream := stages.NewLLMStreamStage(deps.LLMProviderName, deps.LLMProvider, deps.CallLogger, llmOptions(deps, true)...)
	ttsStage := stages.NewTTSStage(deps.TTSProvider, deps.Voice)
	p := persist(deps)

	return []stage.Spec{
		{Name: stages.StageSTT, Kind: stage.KindTransform, Dependencies: sttStage.Dependencies(), Conditional: true, Runner: sttStage},
		{Name: stages.StageRouter, Kind: stage.KindRoute, Dependencies: nil, Conditional: false, Runner: router(deps)},
		{Name: stages.StageEnrich, Kind: stage.KindEnrich, Dependencies: enrich.Dependencies(), Conditional: false, Runner: enrich},
		{Name: stages.StageLLM, Kind: stage.KindTransform, Dependencies: llmStream.Dependencies(), Conditional: false, Runner: llmStream},
		{Name: stages.StageTTS, Kind: stage.KindTransform, Dependencies: ttsStage.Dependencies(), Conditional: true, Runner: ttsStage},
		{Name: stages.StagePersist, Kind: stage.KindWork, Dependencies: p.Dependencies(), Conditional: false, Runner: p},
	}
}
