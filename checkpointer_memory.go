package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Upsert returns the checkpoint to store for a save on (subjectID,
// definitionID). An active existing checkpoint is updated in place. When it
// is missing or completed a fresh checkpoint is started and the completed
// one is kept until retention cleanup.
func Upsert(existing *Checkpoint, subjectID, definitionID string, update CheckpointUpdate, now time.Time) (*Checkpoint, error) {
	cp := existing
	if cp == nil || !cp.Active() {
		cp = NewCheckpoint(subjectID, definitionID, now)
	}
	if err := cp.Apply(update, now); err != nil {
		return nil, err
	}
	return cp, nil
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mutex  sync.RWMutex
	byID   map[string]*Checkpoint
	byPair map[string]string
	clock  Clock
}

// NewMemoryCheckpointStore returns an empty in-memory store. A nil clock
// uses the system clock.
func NewMemoryCheckpointStore(clock Clock) *MemoryCheckpointStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryCheckpointStore{
		byID:   map[string]*Checkpoint{},
		byPair: map[string]string{},
		clock:  clock,
	}
}

func pairKey(subjectID, definitionID string) string {
	return subjectID + "\x00" + definitionID
}

func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, subjectID, definitionID string, update CheckpointUpdate) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := pairKey(subjectID, definitionID)
	var existing *Checkpoint
	if id, ok := s.byPair[key]; ok {
		existing = s.byID[id]
	}
	if existing != nil {
		existing = existing.Clone()
	}
	cp, err := Upsert(existing, subjectID, definitionID, update, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.byID[cp.ID] = cp
	s.byPair[key] = cp.ID
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, subjectID, definitionID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, ok := s.byPair[pairKey(subjectID, definitionID)]
	if !ok {
		return nil, nil
	}
	cp := s.byID[id]
	if cp == nil || !cp.Active() {
		return nil, nil
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) mutate(id string, m Mutation) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	cp := stored.Clone()
	if err := m(cp, s.clock.Now()); err != nil {
		return nil, err
	}
	s.byID[id] = cp
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) AdvanceToNode(ctx context.Context, id, nextNodeID string, update CheckpointUpdate) (*Checkpoint, error) {
	return s.mutate(id, MutateAdvance(nextNodeID, update))
}

func (s *MemoryCheckpointStore) RecordError(ctx context.Context, id, message string) (*Checkpoint, error) {
	return s.mutate(id, MutateRecordError(message))
}

func (s *MemoryCheckpointStore) MarkCompleted(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error) {
	return s.mutate(id, MutateComplete(update))
}

func (s *MemoryCheckpointStore) MarkPaused(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error) {
	return s.mutate(id, MutatePause(update))
}

func (s *MemoryCheckpointStore) ResumeFromPause(ctx context.Context, id string) (*Checkpoint, error) {
	return s.mutate(id, MutateResume())
}

func (s *MemoryCheckpointStore) UpdateCheckpoint(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error) {
	return s.mutate(id, MutateUpdate(update))
}

func (s *MemoryCheckpointStore) FindExpiredTimers(ctx context.Context, now time.Time) ([]*Checkpoint, error) {
	return s.filter(func(cp *Checkpoint) bool { return cp.TimerDue(now) }), nil
}

func (s *MemoryCheckpointStore) FindStaleInstances(ctx context.Context, lastExecutedBefore, now time.Time) ([]*Checkpoint, error) {
	return s.filter(func(cp *Checkpoint) bool { return cp.Stale(lastExecutedBefore, now) }), nil
}

func (s *MemoryCheckpointStore) CleanupOldInstances(ctx context.Context, completedBefore time.Time) (int, error) {
	return len(s.cleanup(completedBefore)), nil
}

// cleanup removes checkpoints completed before the cutoff and returns
// their ids.
func (s *MemoryCheckpointStore) cleanup(completedBefore time.Time) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var removed []string
	for id, cp := range s.byID {
		if cp.CompletedAt == nil || !cp.CompletedAt.Before(completedBefore) {
			continue
		}
		delete(s.byID, id)
		key := pairKey(cp.SubjectID, cp.DefinitionID)
		if s.byPair[key] == id {
			delete(s.byPair, key)
		}
		removed = append(removed, id)
	}
	return removed
}

// restore inserts a checkpoint loaded from durable storage.
func (s *MemoryCheckpointStore) restore(cp *Checkpoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.byID[cp.ID] = cp
	key := pairKey(cp.SubjectID, cp.DefinitionID)
	if current, ok := s.byID[s.byPair[key]]; ok && current.Active() && current.ID != cp.ID {
		return
	}
	if cp.Active() || s.byPair[key] == "" {
		s.byPair[key] = cp.ID
	}
}

func (s *MemoryCheckpointStore) ListCheckpoints(ctx context.Context, subjectID string) ([]*Checkpoint, error) {
	list := s.filter(func(cp *Checkpoint) bool { return cp.SubjectID == subjectID })
	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.After(list[j].StartedAt)
	})
	return list, nil
}

// filter returns clones of matching checkpoints ordered by wait_until then
// last execution time.
func (s *MemoryCheckpointStore) filter(match func(*Checkpoint) bool) []*Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Checkpoint
	for _, cp := range s.byID {
		if match(cp) {
			result = append(result, cp.Clone())
		}
	}
	sortCheckpoints(result)
	return result
}

func sortCheckpoints(list []*Checkpoint) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.WaitUntil != nil && b.WaitUntil != nil && !a.WaitUntil.Equal(*b.WaitUntil) {
			return a.WaitUntil.Before(*b.WaitUntil)
		}
		if !a.LastExecutedAt.Equal(b.LastExecutedAt) {
			return a.LastExecutedAt.Before(b.LastExecutedAt)
		}
		return a.ID < b.ID
	})
}
