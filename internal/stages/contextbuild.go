package stages

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// ProfileSource fetches the user's profile fields injected into every
// prompt. Returns a nil map when there is nothing to attach.
type ProfileSource interface {
	FetchProfile(ctx context.Context, userID string) (map[string]any, error)
}

// MemorySource fetches prior-turn facts worth recalling for this session.
type MemorySource interface {
	FetchMemory(ctx context.Context, sessionID string) ([]string, error)
}

// SkillSource fetches the skill/tool names available to this user/behavior.
type SkillSource interface {
	FetchSkills(ctx context.Context, userID string) ([]string, error)
}

// DocumentSource fetches retrieval-augmented document excerpts relevant to
// the turn's input text.
type DocumentSource interface {
	FetchDocuments(ctx context.Context, queryText string) ([]string, error)
}

// WebSearchSource performs a live web search for the turn's input text.
type WebSearchSource interface {
	Search(ctx context.Context, queryText string) ([]string, error)
}

// EnrichStage concurrently assembles the optional retrieval-augmented
// sections of a turn — profile, memory, skills, documents, web results —
// and builds the message list handed to the LLM streaming stage.
//
// Each source is optional; a nil source is simply skipped rather than
// treated as an error, so EnrichStage is fully usable with none configured.
// The configured sources (up to five) are fetched concurrently via errgroup, the
// same shape internal/hotctx.Assembler uses to keep assembly latency low
// regardless of how many sources are wired in.
type EnrichStage struct {
	profile  ProfileSource
	memory   MemorySource
	skills   SkillSource
	docs     DocumentSource
	web      WebSearchSource
	systemPrompt string

	// voiceInput, when set, makes StageSTT a declared dependency so a voice
	// topology's transcript reaches this stage. Chat topologies leave this
	// false: they never schedule an stt node, so declaring a dependency on
	// it would make the DAG unbuildable.
	voiceInput bool
}

// EnrichOption configures an [EnrichStage].
type EnrichOption func(*EnrichStage)

func WithProfileSource(s ProfileSource) EnrichOption { return func(e *EnrichStage) { e.profile = s } }
func WithMemorySource(s MemorySource) EnrichOption   { return func(e *EnrichStage) { e.memory = s } }
func WithSkillSource(s SkillSource) EnrichOption     { return func(e *EnrichStage) { e.skills = s } }
func WithDocumentSource(s DocumentSource) EnrichOption {
	return func(e *EnrichStage) { e.docs = s }
}
func WithWebSearchSource(s WebSearchSource) EnrichOption {
	return func(e *EnrichStage) { e.web = s }
}

// WithSystemPrompt sets the base system prompt prepended to every turn's
// message list, before any enrichment sections.
func WithSystemPrompt(p string) EnrichOption {
	return func(e *EnrichStage) { e.systemPrompt = p }
}

// WithVoiceInput declares StageSTT as a dependency, so this stage reads the
// turn's text from the STT stage's transcript instead of snapshot.InputText.
// Only the voice_fast/voice_accurate pipeline registrations should set this.
func WithVoiceInput() EnrichOption {
	return func(e *EnrichStage) { e.voiceInput = true }
}

// NewEnrichStage builds an EnrichStage. With no options, it degrades to
// passing the snapshot's messages through, followed by a user message for
// the turn's input text when that is non-empty.
func NewEnrichStage(opts ...EnrichOption) *EnrichStage {
	e := &EnrichStage{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EnrichStage) Name() string     { return StageEnrich }
func (e *EnrichStage) Kind() stage.Kind { return stage.KindEnrich }
func (e *EnrichStage) Conditional() bool { return false }

// Dependencies declares StageSTT only for a voice-configured stage; chat
// topologies never schedule an stt node, so an unconditional dependency on
// it would make the DAG unbuildable.
func (e *EnrichStage) Dependencies() []string {
	if e.voiceInput {
		return []string{StageSTT}
	}
	return nil
}

// Execute fetches every configured source concurrently, builds the
// Enrichments bundle, and assembles the final message list: system prompt
// (base + enrichment sections) followed by the snapshot's prior messages and
// a new user message carrying the turn's input text.
//
// For a voice turn, the turn's text doesn't exist on the frozen snapshot —
// it's produced by the STT stage, which ran earlier in the same DAG. Since
// StageSTT is a declared dependency in that configuration, its output is
// visible here without mutating the snapshot.
func (e *EnrichStage) Execute(ctx *stage.Context) stage.Output {
	start := time.Now()
	snapshot := ctx.Snapshot
	if e.voiceInput {
		if transcript, ok := ctx.Inputs.GetFrom(StageSTT, "transcript", "").(string); ok && transcript != "" {
			snapshot.InputText = transcript
		}
	}

	enrichments, err := e.fetch(ctx.Context, snapshot)
	if err != nil {
		return stage.Fail(fmt.Errorf("enrich: %w", err))
	}

	messages := e.buildMessages(snapshot, enrichments)

	ctx.EmitEvent("enrich.completed", map[string]any{
		"duration_ms":     time.Since(start).Milliseconds(),
		"has_profile":     len(enrichments.Profile) > 0,
		"memory_items":    len(enrichments.Memory),
		"document_items":  len(enrichments.Documents),
		"web_result_items": len(enrichments.WebResults),
	})

	return stage.OK(map[string]any{
		"messages":     messages,
		"enrichments":  enrichments,
		"prompt_payload": promptPayload(messages),
	})
}

func (e *EnrichStage) fetch(ctx context.Context, snapshot types.ContextSnapshot) (types.Enrichments, error) {
	var enrichments types.Enrichments

	eg, egCtx := errgroup.WithContext(ctx)

	if e.profile != nil {
		eg.Go(func() error {
			profile, err := e.profile.FetchProfile(egCtx, snapshot.UserID.String())
			if err != nil {
				return fmt.Errorf("fetch profile: %w", err)
			}
			enrichments.Profile = profile
			return nil
		})
	}
	if e.memory != nil {
		eg.Go(func() error {
			memory, err := e.memory.FetchMemory(egCtx, snapshot.SessionID.String())
			if err != nil {
				return fmt.Errorf("fetch memory: %w", err)
			}
			enrichments.Memory = memory
			return nil
		})
	}
	if e.skills != nil {
		eg.Go(func() error {
			skills, err := e.skills.FetchSkills(egCtx, snapshot.UserID.String())
			if err != nil {
				return fmt.Errorf("fetch skills: %w", err)
			}
			enrichments.Skills = skills
			return nil
		})
	}
	if e.docs != nil {
		eg.Go(func() error {
			docs, err := e.docs.FetchDocuments(egCtx, snapshot.InputText)
			if err != nil {
				return fmt.Errorf("fetch documents: %w", err)
			}
			enrichments.Documents = docs
			return nil
		})
	}
	if e.web != nil {
		eg.Go(func() error {
			results, err := e.web.Search(egCtx, snapshot.InputText)
			if err != nil {
				return fmt.Errorf("web search: %w", err)
			}
			enrichments.WebResults = results
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return types.Enrichments{}, err
	}
	return enrichments, nil
}

// buildMessages assembles the final prompt: an enriched system prompt
// followed by the snapshot's prior conversation and a new user message for
// InputText. Snapshot.Messages is never mutated — a fresh slice is built.
func (e *EnrichStage) buildMessages(snapshot types.ContextSnapshot, enrichments types.Enrichments) []types.Message {
	messages := make([]types.Message, 0, len(snapshot.Messages)+2)

	if system := formatSystemPrompt(e.systemPrompt, enrichments); system != "" {
		messages = append(messages, types.Message{
			Role:      types.RoleSystem,
			Content:   system,
			Timestamp: time.Now(),
		})
	}

	messages = append(messages, snapshot.Messages...)

	if snapshot.InputText != "" {
		messages = append(messages, types.Message{
			Role:      types.RoleUser,
			Content:   snapshot.InputText,
			Timestamp: time.Now(),
		})
	}

	return messages
}

// formatSystemPrompt appends the enrichment sections to base, in a fixed
// order, so output is deterministic across runs with the same inputs.
func formatSystemPrompt(base string, e types.Enrichments) string {
	out := base
	appendSection := func(label string, lines []string) {
		if len(lines) == 0 {
			return
		}
		out += "\n\n" + label + ":\n"
		for _, line := range lines {
			out += "- " + line + "\n"
		}
	}

	if len(e.Profile) > 0 {
		keys := make([]string, 0, len(e.Profile))
		for k := range e.Profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out += "\n\nUser profile:\n"
		for _, k := range keys {
			out += fmt.Sprintf("- %s: %v\n", k, e.Profile[k])
		}
	}
	appendSection("Relevant memory", e.Memory)
	appendSection("Available skills", e.Skills)
	appendSection("Relevant documents", e.Documents)
	appendSection("Web search results", e.WebResults)

	return out
}

// promptPayload renders messages into the plain role/content pairs the
// provider-call logger records as the prompt it sent.
func promptPayload(messages []types.Message) []map[string]string {
	payload := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, map[string]string{"role": string(m.Role), "content": m.Content})
	}
	return payload
}
