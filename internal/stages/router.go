package stages

import (
	"strings"
	"sync"
	"time"

	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// defaultMinAccurateInterval mirrors internal/mcp/tier's anti-spam window: a
// second accurate-tier selection within this interval is demoted to fast, so
// a single chatty user can't pin every turn to the slow/expensive model.
const defaultMinAccurateInterval = 30 * time.Second

// defaultAccurateKeywords trigger the accurate quality tier. They indicate a
// request that benefits from a stronger model rather than the fast default.
var defaultAccurateKeywords = []string{
	"explain", "in detail", "step by step", "why does", "compare",
	"analyze", "summarize", "write a", "draft", "review my",
}

// RouterStage picks the quality tier (and therefore the model_id) for a
// turn using a keyword heuristic rather than an LLM call, the same
// trade-off internal/mcp/tier.Selector makes for tool budgets: routing
// must not itself add latency to the path it is trying to keep fast.
//
// RouterStage has no declared dependencies — it only reads the run's
// ContextSnapshot, so the executor can schedule it alongside enrich.
type RouterStage struct {
	fastModelID     string
	accurateModelID string
	maxTokens        int

	accurateKeywords    []string
	minAccurateInterval time.Duration

	now func() time.Time

	mu             sync.Mutex
	lastAccurateAt time.Time
}

// Option configures a [RouterStage].
type Option func(*RouterStage)

// WithAccurateKeywords replaces the default accurate-tier trigger phrases.
func WithAccurateKeywords(keywords ...string) Option {
	return func(s *RouterStage) { s.accurateKeywords = append([]string(nil), keywords...) }
}

// WithMinAccurateInterval sets the anti-spam window between two consecutive
// accurate-tier selections. Defaults to 30s.
func WithMinAccurateInterval(d time.Duration) Option {
	return func(s *RouterStage) { s.minAccurateInterval = d }
}

// WithMaxTokens sets the max_tokens value the router attaches to its
// output, read downstream by the LLM streaming stage.
func WithMaxTokens(n int) Option {
	return func(s *RouterStage) { s.maxTokens = n }
}

// WithRouterClock overrides the router's time source. Tests use this to
// exercise the anti-spam window deterministically.
func WithRouterClock(now func() time.Time) Option {
	return func(s *RouterStage) { s.now = now }
}

// NewRouterStage builds a RouterStage choosing between fastModelID and
// accurateModelID.
func NewRouterStage(fastModelID, accurateModelID string, opts ...Option) *RouterStage {
	s := &RouterStage{
		fastModelID:         fastModelID,
		accurateModelID:     accurateModelID,
		accurateKeywords:    append([]string(nil), defaultAccurateKeywords...),
		minAccurateInterval: defaultMinAccurateInterval,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RouterStage) Name() string             { return StageRouter }
func (s *RouterStage) Kind() stage.Kind         { return stage.KindRoute }
func (s *RouterStage) Dependencies() []string   { return nil }
func (s *RouterStage) Conditional() bool        { return false }

// Execute selects the quality tier for this turn. Accurate-tier topologies
// (chat_accurate and voice_accurate) always route to the accurate model;
// everything else is decided by keyword heuristic with the anti-spam demote
// rule applied.
func (s *RouterStage) Execute(ctx *stage.Context) stage.Output {
	qualityMode, modelID := s.selectQualityMode(ctx)

	ctx.EmitEvent("router.decision", map[string]any{
		"quality_mode": qualityMode,
		"model_id":     modelID,
		"topology":     string(ctx.Snapshot.Topology),
	})

	return stage.OK(map[string]any{
		"quality_mode": qualityMode,
		"model_id":     modelID,
		"max_tokens":   s.maxTokens,
	})
}

func (s *RouterStage) selectQualityMode(ctx *stage.Context) (string, string) {
	if isAccurateTopology(ctx.Snapshot.Topology) {
		return "accurate", s.accurateModelID
	}

	if containsAnyFold(ctx.Snapshot.InputText, s.accurateKeywords) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()
		if !s.lastAccurateAt.IsZero() && now.Sub(s.lastAccurateAt) < s.minAccurateInterval {
			return "fast", s.fastModelID
		}
		s.lastAccurateAt = now
		return "accurate", s.accurateModelID
	}

	return "fast", s.fastModelID
}

func isAccurateTopology(t types.Topology) bool {
	return t == types.TopologyChatAccurate || t == types.TopologyVoiceAccurate
}

func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
