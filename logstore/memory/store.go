// Package memory is an in-memory logstore.Store, useful for tests and
// for plans that don't need durability across process restarts.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/g-arjones/tools-roby/logstore"
)

// Store is a thread-safe, in-memory logstore.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]logstore.LogEntry // planID -> entries, ordered by sequence
	ids     map[string]struct{}            // entry ID -> present, across all plans
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string][]logstore.LogEntry),
		ids:     make(map[string]struct{}),
	}
}

// Append adds a single entry, validating it against the all-or-nothing
// batch rules as a batch of one.
func (s *Store) Append(ctx context.Context, entry logstore.LogEntry) error {
	return s.AppendBatch(ctx, []logstore.LogEntry{entry})
}

// AppendBatch validates every entry before appending any of them: a
// duplicate ID or an out-of-sequence entry anywhere in the batch fails
// the whole batch, leaving the store unmodified.
func (s *Store) AppendBatch(ctx context.Context, entries []logstore.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := make(map[string]int64)
	for _, e := range entries {
		if err := logstore.ValidateArgs(e); err != nil {
			return err
		}
		if _, dup := s.ids[e.ID]; dup {
			return logstore.ErrDuplicateEntry
		}
		want, ok := expected[e.PlanID]
		if !ok {
			want = s.lastSequenceLocked(e.PlanID) + 1
		}
		if e.Sequence != want {
			return &logstore.SequenceConflictError{PlanID: e.PlanID, Expected: want, Actual: e.Sequence}
		}
		expected[e.PlanID] = want + 1
	}

	for _, e := range entries {
		s.entries[e.PlanID] = append(s.entries[e.PlanID], e)
		s.ids[e.ID] = struct{}{}
	}
	return nil
}

// Load returns every entry for planID, ordered by sequence.
func (s *Store) Load(ctx context.Context, planID string) ([]logstore.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logstore.LogEntry, len(s.entries[planID]))
	copy(out, s.entries[planID])
	return out, nil
}

// LoadSince returns entries for planID with sequence > afterSequence.
func (s *Store) LoadSince(ctx context.Context, planID string, afterSequence int64) ([]logstore.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[planID]
	idx := sort.Search(len(all), func(i int) bool { return all[i].Sequence > afterSequence })
	out := make([]logstore.LogEntry, len(all)-idx)
	copy(out, all[idx:])
	return out, nil
}

// LoadByMethod returns every entry for planID whose Method equals
// method, ordered by sequence.
func (s *Store) LoadByMethod(ctx context.Context, planID, method string) ([]logstore.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []logstore.LogEntry
	for _, e := range s.entries[planID] {
		if e.Method == method {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetLastSequence returns the highest sequence number stored for planID.
func (s *Store) GetLastSequence(ctx context.Context, planID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequenceLocked(planID), nil
}

func (s *Store) lastSequenceLocked(planID string) int64 {
	all := s.entries[planID]
	if len(all) == 0 {
		return 0
	}
	return all[len(all)-1].Sequence
}
