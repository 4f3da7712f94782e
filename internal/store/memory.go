package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/internal/summary"
	"github.com/pipelined/pipelined/pkg/types"
)

// Compile-time interface checks.
//
// pipeline.RunStore and stages.InteractionStore both define a method named
// Create but with different signatures, and pipeline.RunStore and
// SessionStateStore both define Update. Go does not allow a single struct to
// implement all of these simultaneously, so RunStore and InteractionStore are
// exposed as sub-types via [Memory.Runs] and [Memory.Interactions], the same
// split pkg/memory/postgres uses for its L1/L2 layers. SessionState is
// likewise its own sub-type via [Memory.SessionState].
var (
	_ pipeline.RunStore        = (*MemRunStore)(nil)
	_ pipeline.DeadLetterStore = (*Memory)(nil)
	_ resilience.CallRecorder  = (*Memory)(nil)
	_ stages.InteractionStore  = (*MemInteractionStore)(nil)
	_ stages.SessionCounter    = (*Memory)(nil)
	_ SessionStateStore        = (*MemSessionStateStore)(nil)
	_ summary.Store            = (*MemSummaryStore)(nil)
)

// Memory is the central in-process store. It holds every entity table this
// service writes and exposes the repository interfaces split across
// sub-types where method names collide:
//
//   - [Memory.Runs] returns a [MemRunStore] implementing [pipeline.RunStore]
//   - [Memory.Interactions] returns a [MemInteractionStore] implementing [stages.InteractionStore]
//   - [Memory.SessionState] returns a [MemSessionStateStore] implementing [SessionStateStore]
//   - Memory itself implements [pipeline.DeadLetterStore], [resilience.CallRecorder],
//     [policy.RunRateSource], and [stages.SessionCounter]
//
// All operations are safe for concurrent use. The zero value is not usable;
// construct via [NewMemory].
type Memory struct {
	mu            sync.RWMutex
	deadLetters   []pipeline.DeadLetterEntry
	providerCalls []resilience.ProviderCall
	sessionCounts map[uuid.UUID]int

	runs         *MemRunStore
	interactions *MemInteractionStore
	sessionState *MemSessionStateStore
	summaries    *MemSummaryStore
}

// NewMemory returns an initialised [Memory].
func NewMemory() *Memory {
	return &Memory{
		sessionCounts: make(map[uuid.UUID]int),
		runs:          &MemRunStore{runs: make(map[uuid.UUID]pipeline.Run)},
		interactions:  &MemInteractionStore{bySession: make(map[uuid.UUID][]stages.Interaction)},
		sessionState:  &MemSessionStateStore{state: make(map[uuid.UUID]SessionState), now: time.Now},
		summaries: &MemSummaryStore{
			bySession: make(map[uuid.UUID][]summary.Summary),
			turns:     make(map[uuid.UUID]int),
		},
	}
}

// Runs returns the [pipeline.RunStore] implementation.
func (m *Memory) Runs() *MemRunStore { return m.runs }

// Interactions returns the [stages.InteractionStore] implementation.
func (m *Memory) Interactions() *MemInteractionStore { return m.interactions }

// SessionState returns the [SessionStateStore] implementation.
func (m *Memory) SessionState() *MemSessionStateStore { return m.sessionState }

// Summaries returns the [summary.Store] implementation.
func (m *Memory) Summaries() *MemSummaryStore { return m.summaries }

// Write implements [pipeline.DeadLetterStore].
func (m *Memory) Write(_ context.Context, entry pipeline.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deadLetters = append(m.deadLetters, entry)
	return nil
}

// DeadLetters returns a copy of every entry written so far, for test
// assertions.
func (m *Memory) DeadLetters() []pipeline.DeadLetterEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pipeline.DeadLetterEntry, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}

// Record implements [resilience.CallRecorder].
func (m *Memory) Record(_ context.Context, call resilience.ProviderCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providerCalls = append(m.providerCalls, call)
	return nil
}

// ProviderCalls returns a copy of every recorded call, for test assertions.
func (m *Memory) ProviderCalls() []resilience.ProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]resilience.ProviderCall, len(m.providerCalls))
	copy(out, m.providerCalls)
	return out
}

// CountRunsSince implements [policy.RunRateSource] by delegating to the
// run store, since a user's recent run count is computed from the same Run
// rows [Memory.Runs] holds.
func (m *Memory) CountRunsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return m.runs.countSince(userID, since)
}

// IncrementInteractionCount implements [stages.SessionCounter].
func (m *Memory) IncrementInteractionCount(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionCounts[sessionID]++
	return nil
}

// InteractionCount returns the session counter's current value, for test
// assertions — tracked independently of the Interaction rows in
// [Memory.Interactions] because the two are meant to agree but are written
// through separate calls, same as the real Postgres-backed store.
func (m *Memory) InteractionCount(sessionID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessionCounts[sessionID]
}

// MemRunStore is the in-process [pipeline.RunStore].
type MemRunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]pipeline.Run
}

// Create implements [pipeline.RunStore]. It copies run so later mutations by
// the caller (Orchestrator.Run holds a *Run it keeps updating in place)
// don't alias the stored snapshot.
func (s *MemRunStore) Create(_ context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = cp
	return nil
}

// Update implements [pipeline.RunStore].
func (s *MemRunStore) Update(_ context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = cp
	return nil
}

// Get returns a copy of the stored run, for test assertions.
func (s *MemRunStore) Get(id uuid.UUID) (pipeline.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok
}

// all returns a copy of every stored run, for the Pulse reader to filter and
// paginate in-process.
func (s *MemRunStore) all() []pipeline.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pipeline.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out
}

func (s *MemRunStore) countSince(userID uuid.UUID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, run := range s.runs {
		if run.UserID == userID && !run.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// MemInteractionStore is the in-process [stages.InteractionStore].
type MemInteractionStore struct {
	mu        sync.RWMutex
	bySession map[uuid.UUID][]stages.Interaction
}

// Create implements [stages.InteractionStore].
func (s *MemInteractionStore) Create(_ context.Context, interaction stages.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bySession[interaction.SessionID] = append(s.bySession[interaction.SessionID], interaction)
	return nil
}

// CountBySession implements [stages.InteractionStore].
func (s *MemInteractionStore) CountBySession(_ context.Context, sessionID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.bySession[sessionID]), nil
}

// RecentBySession implements [stages.InteractionStore].
func (s *MemInteractionStore) RecentBySession(_ context.Context, sessionID uuid.UUID, limit int) ([]stages.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.bySession[sessionID]
	if limit <= 0 || limit >= len(all) {
		out := make([]stages.Interaction, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]stages.Interaction, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// All returns a copy of every interaction recorded for sessionID, ordered by
// insertion, for test assertions.
func (s *MemInteractionStore) All(sessionID uuid.UUID) []stages.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]stages.Interaction, len(s.bySession[sessionID]))
	copy(out, s.bySession[sessionID])
	return out
}

// MemSessionStateStore is the in-process [SessionStateStore].
type MemSessionStateStore struct {
	mu    sync.Mutex
	state map[uuid.UUID]SessionState
	now   func() time.Time
}

// GetOrCreate implements [SessionStateStore].
func (s *MemSessionStateStore) GetOrCreate(_ context.Context, sessionID uuid.UUID, defaultTopology types.Topology, defaultBehavior types.Behavior) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.state[sessionID]; ok {
		return existing, nil
	}

	created := SessionState{
		SessionID: sessionID,
		Topology:  defaultTopology,
		Behavior:  defaultBehavior,
		Config:    map[string]any{},
		UpdatedAt: s.now(),
	}
	s.state[sessionID] = created
	return created, nil
}

// Update implements [SessionStateStore]. It rejects topology/behavior values
// outside the closed enums before persisting, per the invariant that
// SessionState is validated on every update, not only at creation.
func (s *MemSessionStateStore) Update(_ context.Context, sessionID uuid.UUID, topology types.Topology, behavior types.Behavior, config map[string]any) (SessionState, error) {
	if !topology.IsValid() {
		return SessionState{}, &InvalidEnumError{Field: "topology", Value: string(topology)}
	}
	if !behavior.IsValid() {
		return SessionState{}, &InvalidEnumError{Field: "behavior", Value: string(behavior)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := SessionState{
		SessionID: sessionID,
		Topology:  topology,
		Behavior:  behavior,
		Config:    config,
		UpdatedAt: s.now(),
	}
	s.state[sessionID] = updated
	return updated, nil
}

// MemSummaryStore is the in-process [summary.Store].
type MemSummaryStore struct {
	mu        sync.RWMutex
	bySession map[uuid.UUID][]summary.Summary
	turns     map[uuid.UUID]int
}

// Latest implements [summary.Store].
func (s *MemSummaryStore) Latest(_ context.Context, sessionID uuid.UUID) (summary.Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.bySession[sessionID]
	if len(versions) == 0 {
		return summary.Summary{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

// Insert implements [summary.Store]. It rejects a version that is not
// strictly greater than the session's current latest, the in-process analog
// of the Postgres unique-constraint race summary.Service handles.
func (s *MemSummaryStore) Insert(_ context.Context, sm summary.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.bySession[sm.SessionID]
	if len(versions) > 0 && versions[len(versions)-1].Version >= sm.Version {
		return summary.ErrVersionConflict
	}
	s.bySession[sm.SessionID] = append(versions, sm)
	return nil
}

// IncrementTurns implements [summary.Store].
func (s *MemSummaryStore) IncrementTurns(_ context.Context, sessionID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[sessionID]++
	return s.turns[sessionID], nil
}

// ResetTurns implements [summary.Store].
func (s *MemSummaryStore) ResetTurns(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[sessionID] = 0
	return nil
}
