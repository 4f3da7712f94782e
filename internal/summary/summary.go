// Package summary implements the rolling-merge session summary service: once
// a session accumulates enough turns, the previous summary and the newest
// interactions are folded into a single updated summary through one bounded
// LLM call, per spec §4.9.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/pkg/provider/llm"
	"github.com/pipelined/pipelined/pkg/types"
)

const (
	// defaultThresholdTurnPairs is the default number of user/assistant turn
	// pairs between summaries — 4 pairs, i.e. 8 persisted interaction rows.
	defaultThresholdTurnPairs = 4

	maxSummaryTokens        = 500
	transcriptSnapshotLimit = 30

	// allInteractionsLimit bounds the "everything since the previous
	// summary" load — RecentBySession treats limit<=0 as "no rows" in the
	// Postgres backend, so "all" needs an explicit large bound rather than 0.
	allInteractionsLimit = 10_000
)

// rollingMergePrompt is the system prompt sent to the LLM when folding new
// interactions into the running summary.
const rollingMergePrompt = `You maintain a running summary of an ongoing conversation. Merge the previous
summary, if any, with the new messages below into one updated summary.
Preserve names, decisions, commitments, open questions, and anything a
returning participant would need to pick the conversation back up. Be
concise.`

// Summary is one versioned rolling-merge summary of a session's
// conversation.
type Summary struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Version    int
	Text       string
	TokenCount int
	CreatedAt  time.Time
}

// ErrVersionConflict is returned by [Store.Insert] when another writer
// already inserted this session's next version — the unique-constraint race
// spec §4.9 step 4 describes.
var ErrVersionConflict = errors.New("summary: version conflict")

// Store persists Summary rows and the per-session turn counter that decides
// when a new summary is due. internal/store provides both the Postgres and
// in-memory implementations.
type Store interface {
	// Latest returns the highest-version Summary for sessionID, or
	// ok=false if none exists yet.
	Latest(ctx context.Context, sessionID uuid.UUID) (Summary, bool, error)

	// Insert writes s. It returns ErrVersionConflict if a concurrent writer
	// already inserted s.Version (or higher) for s.SessionID.
	Insert(ctx context.Context, s Summary) error

	// IncrementTurns bumps sessionID's turn counter and returns the new
	// value.
	IncrementTurns(ctx context.Context, sessionID uuid.UUID) (int, error)

	// ResetTurns zeroes sessionID's turn counter after a summary is
	// produced.
	ResetTurns(ctx context.Context, sessionID uuid.UUID) error
}

// Service drives the rolling-merge algorithm. It is safe for concurrent use;
// all mutable state lives in Store.
type Service struct {
	store        Store
	interactions stages.InteractionStore

	providerName       string
	primary            llm.Provider
	backupProviderName string
	backup             llm.Provider
	callLogger         *resilience.ProviderCallLogger

	threshold int // turn pairs

	now func() time.Time
}

// Option configures a [Service].
type Option func(*Service)

// WithBackupProvider registers a backup LLM provider consulted when the
// primary merge call fails, mirroring the LLM streaming stage's
// primary-then-backup selection.
func WithBackupProvider(name string, p llm.Provider) Option {
	return func(s *Service) { s.backupProviderName = name; s.backup = p }
}

// WithThreshold overrides the default turn-pair threshold (4).
func WithThreshold(turnPairs int) Option {
	return func(s *Service) {
		if turnPairs > 0 {
			s.threshold = turnPairs
		}
	}
}

// WithClock overrides the service's time source. Tests use this for
// deterministic CreatedAt values.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service around store and interactions, merging through
// primary (and, on failure, backup) via callLogger so every merge call is
// circuit-breaker-gated and recorded like any other provider call.
func NewService(store Store, interactions stages.InteractionStore, providerName string, primary llm.Provider, callLogger *resilience.ProviderCallLogger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		interactions: interactions,
		providerName: providerName,
		primary:      primary,
		callLogger:   callLogger,
		threshold:    defaultThresholdTurnPairs,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeSummarize increments sessionID's turn counter and, once it crosses
// 2×threshold messages, produces a new rolling-merge summary. sendStatus, if
// non-nil, receives a status.update("summary", ...)-shaped report around an
// attempted merge; it is not called when the turn count stays below
// threshold.
//
// The returned Summary is the zero value when no merge was triggered this
// call.
func (s *Service) MaybeSummarize(ctx context.Context, sessionID uuid.UUID, sendStatus func(status string, metadata map[string]any)) (Summary, error) {
	turns, err := s.store.IncrementTurns(ctx, sessionID)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: increment turn counter: %w", err)
	}
	if turns/2 < s.threshold {
		return Summary{}, nil
	}

	if sendStatus != nil {
		sendStatus("started", map[string]any{"session_id": sessionID.String()})
	}

	result, err := s.summarize(ctx, sessionID)
	if err != nil {
		if sendStatus != nil {
			sendStatus("error", map[string]any{"session_id": sessionID.String(), "error": err.Error()})
		}
		return Summary{}, err
	}

	if err := s.store.ResetTurns(ctx, sessionID); err != nil {
		return result, fmt.Errorf("summary: reset turn counter: %w", err)
	}

	if sendStatus != nil {
		sendStatus("complete", map[string]any{
			"session_id": sessionID.String(),
			"version":    result.Version,
			"transcript": s.transcriptSnapshot(ctx, sessionID),
		})
	}
	return result, nil
}

// summarize performs one rolling-merge cycle: load the previous summary,
// load everything persisted since it, merge via LLM, and insert the next
// version, re-reading the winning row on a version conflict.
func (s *Service) summarize(ctx context.Context, sessionID uuid.UUID) (Summary, error) {
	previous, _, err := s.store.Latest(ctx, sessionID)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: load previous: %w", err)
	}

	interactions, err := s.interactions.RecentBySession(ctx, sessionID, allInteractionsLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: load interactions: %w", err)
	}

	fresh := interactions
	if !previous.CreatedAt.IsZero() {
		fresh = fresh[:0]
		for _, in := range interactions {
			if in.CreatedAt.After(previous.CreatedAt) {
				fresh = append(fresh, in)
			}
		}
	}

	text, err := s.merge(ctx, sessionID, previous.Text, fresh)
	if err != nil {
		return Summary{}, err
	}

	next := Summary{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Version:    previous.Version + 1,
		Text:       text,
		TokenCount: estimateTokenCount(text),
		CreatedAt:  s.now(),
	}

	if err := s.store.Insert(ctx, next); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			winner, ok, getErr := s.store.Latest(ctx, sessionID)
			if getErr != nil {
				return Summary{}, fmt.Errorf("summary: re-read after conflict: %w", getErr)
			}
			if ok {
				return winner, nil
			}
		}
		return Summary{}, fmt.Errorf("summary: insert: %w", err)
	}
	return next, nil
}

// merge formats previousText and fresh into one prompt and calls the LLM,
// falling back to the backup provider (if configured) when the primary call
// fails.
func (s *Service) merge(ctx context.Context, sessionID uuid.UUID, previousText string, fresh []stages.Interaction) (string, error) {
	var sb strings.Builder
	if previousText != "" {
		fmt.Fprintf(&sb, "Previous summary:\n%s\n\n", previousText)
	}
	sb.WriteString("New messages:\n")
	for _, in := range fresh {
		fmt.Fprintf(&sb, "[%s]: %s\n", in.Role, in.Content)
	}

	req := llm.CompletionRequest{
		SystemPrompt: rollingMergePrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: sb.String()}},
		Temperature:  0.2,
		MaxTokens:    maxSummaryTokens,
	}

	text, err := s.complete(ctx, sessionID, s.providerName, s.primary, req)
	if err != nil && s.backup != nil {
		text, err = s.complete(ctx, sessionID, s.backupProviderName, s.backup, req)
	}
	if err != nil {
		return "", fmt.Errorf("summary: llm merge: %w", err)
	}
	return text, nil
}

func (s *Service) complete(ctx context.Context, sessionID uuid.UUID, providerName string, provider llm.Provider, req llm.CompletionRequest) (string, error) {
	if provider == nil {
		return "", fmt.Errorf("summary: no provider configured")
	}

	key := resilience.Key{Operation: "summary", Provider: providerName}
	meta := resilience.CallMeta{SessionID: sessionID, Service: "summary"}

	var text string
	err := s.callLogger.Call(ctx, key, meta, func() (resilience.CallResult, error) {
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return resilience.CallResult{}, err
		}
		text = resp.Content
		return resilience.CallResult{TokensOut: estimateTokenCount(text)}, nil
	})
	return text, err
}

// transcriptSnapshot returns the last 30 interactions formatted for the
// status.update metadata the UI displays alongside the new summary.
func (s *Service) transcriptSnapshot(ctx context.Context, sessionID uuid.UUID) []map[string]any {
	recent, err := s.interactions.RecentBySession(ctx, sessionID, transcriptSnapshotLimit)
	if err != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(recent))
	for _, in := range recent {
		out = append(out, map[string]any{
			"role":       string(in.Role),
			"content":    in.Content,
			"created_at": in.CreatedAt,
		})
	}
	return out
}

func estimateTokenCount(text string) int {
	return len(text) / 4
}
