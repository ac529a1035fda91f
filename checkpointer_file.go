package campaign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// FileCheckpointStore persists checkpoints as JSON files, one per
// checkpoint, and serves reads from memory. Suitable for a single process.
type FileCheckpointStore struct {
	dataDir string
	memory  *MemoryCheckpointStore
	mutex   sync.Mutex
}

// NewFileCheckpointStore creates the data directory if needed and loads any
// checkpoints already stored there.
func NewFileCheckpointStore(dataDir string, clock Clock) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".campaign", "checkpoints")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	s := &FileCheckpointStore{
		dataDir: dataDir,
		memory:  NewMemoryCheckpointStore(clock),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCheckpointStore) load() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dataDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint %s: %w", entry.Name(), err)
		}
		s.memory.restore(&cp)
	}
	return nil
}

func (s *FileCheckpointStore) path(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

// write persists the checkpoint atomically via a temp file and rename.
func (s *FileCheckpointStore) write(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp := s.path(cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, s.path(cp.ID)); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) persist(cp *Checkpoint, err error) (*Checkpoint, error) {
	if err != nil {
		return nil, err
	}
	if err := s.write(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *FileCheckpointStore) SaveCheckpoint(ctx context.Context, subjectID, definitionID string, update CheckpointUpdate) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.SaveCheckpoint(ctx, subjectID, definitionID, update))
}

func (s *FileCheckpointStore) LoadCheckpoint(ctx context.Context, subjectID, definitionID string) (*Checkpoint, error) {
	return s.memory.LoadCheckpoint(ctx, subjectID, definitionID)
}

func (s *FileCheckpointStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return s.memory.GetCheckpoint(ctx, id)
}

func (s *FileCheckpointStore) AdvanceToNode(ctx context.Context, id, nextNodeID string, update CheckpointUpdate) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.AdvanceToNode(ctx, id, nextNodeID, update))
}

func (s *FileCheckpointStore) RecordError(ctx context.Context, id, message string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.RecordError(ctx, id, message))
}

func (s *FileCheckpointStore) MarkCompleted(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.MarkCompleted(ctx, id, update))
}

func (s *FileCheckpointStore) MarkPaused(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.MarkPaused(ctx, id, update))
}

func (s *FileCheckpointStore) ResumeFromPause(ctx context.Context, id string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.ResumeFromPause(ctx, id))
}

func (s *FileCheckpointStore) UpdateCheckpoint(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.persist(s.memory.UpdateCheckpoint(ctx, id, update))
}

func (s *FileCheckpointStore) FindExpiredTimers(ctx context.Context, now time.Time) ([]*Checkpoint, error) {
	return s.memory.FindExpiredTimers(ctx, now)
}

func (s *FileCheckpointStore) FindStaleInstances(ctx context.Context, lastExecutedBefore, now time.Time) ([]*Checkpoint, error) {
	return s.memory.FindStaleInstances(ctx, lastExecutedBefore, now)
}

func (s *FileCheckpointStore) CleanupOldInstances(ctx context.Context, completedBefore time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := s.memory.cleanup(completedBefore)
	for _, id := range removed {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("failed to delete checkpoint file: %w", err)
		}
	}
	return len(removed), nil
}

func (s *FileCheckpointStore) ListCheckpoints(ctx context.Context, subjectID string) ([]*Checkpoint, error) {
	return s.memory.ListCheckpoints(ctx, subjectID)
}
