// Package badgerstore is an embedded CheckpointStore on Badger for single
// node deployments that need durability without an external database.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/retry"
	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

const (
	idPrefix   = "ckpt:id:"
	pairPrefix = "ckpt:pair:"
)

// Options configures a CheckpointStore.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	InMemory bool
	Clock    campaign.Clock
}

var _ campaign.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps each checkpoint as one JSON value under its id. A
// pair index points at the current checkpoint for a subject and definition.
type CheckpointStore struct {
	db    *badger.DB
	clock campaign.Clock
}

func Open(opts Options) (*CheckpointStore, error) {
	if opts.Clock == nil {
		opts.Clock = campaign.SystemClock()
	}
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("badger data directory is required")
		}
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}
	db, err := badger.Open(badgerOpts.WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &CheckpointStore{db: db, clock: opts.Clock}, nil
}

// New wraps an already open database.
func New(db *badger.DB, clock campaign.Clock) *CheckpointStore {
	if clock == nil {
		clock = campaign.SystemClock()
	}
	return &CheckpointStore{db: db, clock: clock}
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func idKey(id string) []byte {
	return []byte(idPrefix + id)
}

func pairKey(subjectID, definitionID string) []byte {
	return []byte(pairPrefix + subjectID + "\x00" + definitionID)
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions.
func (s *CheckpointStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return retry.Do(ctx, func() error {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return retry.NewRecoverableError(err)
		}
		return err
	}, retry.WithBaseWait(5*time.Millisecond), retry.WithMaxRetries(5))
}

func get(txn *badger.Txn, id string) (*campaign.Checkpoint, error) {
	item, err := txn.Get(idKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", campaign.ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var cp campaign.Checkpoint
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

func put(txn *badger.Txn, cp *campaign.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", cp.ID, err)
	}
	return txn.Set(idKey(cp.ID), data)
}

// current returns the checkpoint the pair index points at, or nil.
func current(txn *badger.Txn, subjectID, definitionID string) (*campaign.Checkpoint, error) {
	item, err := txn.Get(pairKey(subjectID, definitionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	cp, err := get(txn, string(id))
	if errors.Is(err, campaign.ErrCheckpointNotFound) {
		return nil, nil
	}
	return cp, err
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, subjectID, definitionID string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	var saved *campaign.Checkpoint
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := current(txn, subjectID, definitionID)
		if err != nil {
			return err
		}
		cp, err := campaign.Upsert(existing, subjectID, definitionID, update, s.clock.Now())
		if err != nil {
			return err
		}
		if err := put(txn, cp); err != nil {
			return err
		}
		if err := txn.Set(pairKey(subjectID, definitionID), []byte(cp.ID)); err != nil {
			return err
		}
		saved = cp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return saved, nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, subjectID, definitionID string) (*campaign.Checkpoint, error) {
	var cp *campaign.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		cp, err = current(txn, subjectID, definitionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil || !cp.Active() {
		return nil, nil
	}
	return cp, nil
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, id string) (*campaign.Checkpoint, error) {
	var cp *campaign.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		cp, err = get(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *CheckpointStore) mutate(ctx context.Context, id string, m campaign.Mutation) (*campaign.Checkpoint, error) {
	var result *campaign.Checkpoint
	err := s.update(ctx, func(txn *badger.Txn) error {
		cp, err := get(txn, id)
		if err != nil {
			return err
		}
		if err := m(cp, s.clock.Now()); err != nil {
			return err
		}
		if err := put(txn, cp); err != nil {
			return err
		}
		result = cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *CheckpointStore) AdvanceToNode(ctx context.Context, id, nextNodeID string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateAdvance(nextNodeID, update))
}

func (s *CheckpointStore) RecordError(ctx context.Context, id, message string) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateRecordError(message))
}

func (s *CheckpointStore) MarkCompleted(ctx context.Context, id string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateComplete(update))
}

func (s *CheckpointStore) MarkPaused(ctx context.Context, id string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutatePause(update))
}

func (s *CheckpointStore) ResumeFromPause(ctx context.Context, id string) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateResume())
}

func (s *CheckpointStore) UpdateCheckpoint(ctx context.Context, id string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateUpdate(update))
}

// scan decodes every checkpoint accepted by match.
func (s *CheckpointStore) scan(match func(*campaign.Checkpoint) bool) ([]*campaign.Checkpoint, error) {
	var result []*campaign.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(idPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cp campaign.Checkpoint
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			})
			if err != nil {
				return fmt.Errorf("failed to decode checkpoint %s: %w", it.Item().Key(), err)
			}
			if match(&cp) {
				result = append(result, &cp)
			}
		}
		return nil
	})
	return result, err
}

func (s *CheckpointStore) FindExpiredTimers(ctx context.Context, now time.Time) ([]*campaign.Checkpoint, error) {
	list, err := s.scan(func(cp *campaign.Checkpoint) bool { return cp.TimerDue(now) })
	if err != nil {
		return nil, fmt.Errorf("failed to find expired timers: %w", err)
	}
	sortByDue(list)
	return list, nil
}

func (s *CheckpointStore) FindStaleInstances(ctx context.Context, lastExecutedBefore, now time.Time) ([]*campaign.Checkpoint, error) {
	list, err := s.scan(func(cp *campaign.Checkpoint) bool { return cp.Stale(lastExecutedBefore, now) })
	if err != nil {
		return nil, fmt.Errorf("failed to find stale checkpoints: %w", err)
	}
	sortByDue(list)
	return list, nil
}

func (s *CheckpointStore) CleanupOldInstances(ctx context.Context, completedBefore time.Time) (int, error) {
	old, err := s.scan(func(cp *campaign.Checkpoint) bool {
		return cp.CompletedAt != nil && cp.CompletedAt.Before(completedBefore)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan old checkpoints: %w", err)
	}
	if len(old) == 0 {
		return 0, nil
	}
	err = s.update(ctx, func(txn *badger.Txn) error {
		for _, cp := range old {
			if err := txn.Delete(idKey(cp.ID)); err != nil {
				return err
			}
			pair := pairKey(cp.SubjectID, cp.DefinitionID)
			item, err := txn.Get(pair)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(id) == cp.ID {
				if err := txn.Delete(pair); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old checkpoints: %w", err)
	}
	return len(old), nil
}

func (s *CheckpointStore) ListCheckpoints(ctx context.Context, subjectID string) ([]*campaign.Checkpoint, error) {
	list, err := s.scan(func(cp *campaign.Checkpoint) bool { return cp.SubjectID == subjectID })
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.After(list[j].StartedAt)
	})
	return list, nil
}

func sortByDue(list []*campaign.Checkpoint) {
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
