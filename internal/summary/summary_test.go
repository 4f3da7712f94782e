package summary_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/internal/summary"
	"github.com/pipelined/pipelined/pkg/provider/llm"
	"github.com/pipelined/pipelined/pkg/provider/llm/mock"
	"github.com/pipelined/pipelined/pkg/types"
)

type fakeInteractionStore struct {
	mu      sync.Mutex
	history []stages.Interaction
}

func (f *fakeInteractionStore) Create(_ context.Context, i stages.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, i)
	return nil
}

func (f *fakeInteractionStore) CountBySession(context.Context, uuid.UUID) (int, error) {
	return len(f.history), nil
}

func (f *fakeInteractionStore) RecentBySession(_ context.Context, _ uuid.UUID, limit int) ([]stages.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stages.Interaction, len(f.history))
	copy(out, f.history)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]summary.Summary
	turns   map[uuid.UUID]int
	insertN int
	// conflictOnce, if true, makes the next Insert return ErrVersionConflict
	// and pre-seed byID with the "winning" row, simulating a concurrent
	// writer beating this one.
	conflictOnce bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[uuid.UUID]summary.Summary{}, turns: map[uuid.UUID]int{}}
}

func (s *fakeStore) Latest(_ context.Context, sessionID uuid.UUID) (summary.Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.byID[sessionID]
	return sm, ok, nil
}

func (s *fakeStore) Insert(_ context.Context, sm summary.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertN++
	if s.conflictOnce {
		s.conflictOnce = false
		winner := sm
		winner.Version++
		s.byID[sm.SessionID] = winner
		return summary.ErrVersionConflict
	}
	s.byID[sm.SessionID] = sm
	return nil
}

func (s *fakeStore) IncrementTurns(_ context.Context, sessionID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID]++
	return s.turns[sessionID], nil
}

func (s *fakeStore) ResetTurns(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = 0
	return nil
}

func newCallLogger() *resilience.ProviderCallLogger {
	registry := resilience.NewRegistry(config.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		OpenDuration:     time.Minute,
		HalfOpenProbes:   1,
		ObserveOnly:      true,
	})
	return resilience.NewProviderCallLogger(registry)
}

func seedInteractions(t *testing.T, store *fakeInteractionStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		require.NoError(t, store.Create(context.Background(), stages.Interaction{
			ID:        uuid.New(),
			SessionID: uuid.Nil,
			Role:      role,
			Content:   "message",
			CreatedAt: time.Now(),
		}))
	}
}

func TestMaybeSummarize_BelowThreshold(t *testing.T) {
	interactions := &fakeInteractionStore{}
	store := newFakeStore()
	primary := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary text"}}

	svc := summary.NewService(store, interactions, "openai", primary, newCallLogger(), summary.WithThreshold(4))

	sessionID := uuid.New()
	result, err := svc.MaybeSummarize(context.Background(), sessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, summary.Summary{}, result)
	assert.Zero(t, store.insertN)
}

func TestMaybeSummarize_AboveThreshold(t *testing.T) {
	interactions := &fakeInteractionStore{}
	sessionID := uuid.New()
	seedInteractions(t, interactions, 8)

	store := newFakeStore()
	primary := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "condensed"}}

	svc := summary.NewService(store, interactions, "openai", primary, newCallLogger(), summary.WithThreshold(4))

	var statuses []string
	sendStatus := func(status string, _ map[string]any) { statuses = append(statuses, status) }

	result := summary.Summary{}
	var err error
	for i := 0; i < 8; i++ {
		result, err = svc.MaybeSummarize(context.Background(), sessionID, sendStatus)
		require.NoError(t, err)
	}

	require.NotEqual(t, uuid.Nil, result.ID)
	assert.Equal(t, "condensed", result.Text)
	assert.Equal(t, 1, result.Version)
	assert.Equal(t, []string{"started", "complete"}, statuses)
	assert.Equal(t, 1, store.insertN)
	assert.Equal(t, 0, store.turns[sessionID])
}

func TestMaybeSummarize_PrimaryFailsFallsBackToBackup(t *testing.T) {
	interactions := &fakeInteractionStore{}
	sessionID := uuid.New()
	seedInteractions(t, interactions, 8)

	store := newFakeStore()
	primary := &mock.Provider{CompleteErr: assert.AnError}
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}

	svc := summary.NewService(store, interactions, "openai", primary, newCallLogger(),
		summary.WithThreshold(4), summary.WithBackupProvider("anthropic", backup))

	var result summary.Summary
	var err error
	for i := 0; i < 8; i++ {
		result, err = svc.MaybeSummarize(context.Background(), sessionID, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, "from backup", result.Text)
}

func TestMaybeSummarize_BothProvidersFailReturnsError(t *testing.T) {
	interactions := &fakeInteractionStore{}
	sessionID := uuid.New()
	seedInteractions(t, interactions, 8)

	store := newFakeStore()
	primary := &mock.Provider{CompleteErr: assert.AnError}
	backup := &mock.Provider{CompleteErr: assert.AnError}

	svc := summary.NewService(store, interactions, "openai", primary, newCallLogger(),
		summary.WithThreshold(4), summary.WithBackupProvider("anthropic", backup))

	var lastErr error
	for i := 0; i < 8; i++ {
		_, lastErr = svc.MaybeSummarize(context.Background(), sessionID, nil)
	}

	require.Error(t, lastErr)
	assert.Zero(t, store.insertN)
}

func TestMaybeSummarize_VersionConflictReturnsWinner(t *testing.T) {
	interactions := &fakeInteractionStore{}
	sessionID := uuid.New()
	seedInteractions(t, interactions, 8)

	store := newFakeStore()
	store.conflictOnce = true
	primary := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "mine"}}

	svc := summary.NewService(store, interactions, "openai", primary, newCallLogger(), summary.WithThreshold(4))

	var result summary.Summary
	var err error
	for i := 0; i < 8; i++ {
		result, err = svc.MaybeSummarize(context.Background(), sessionID, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, result.Version)
}
