package campaign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefinitionStore returns campaign graphs by id. Graphs are fetched on every
// step so edits take effect on the next step, never mid-step.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*Graph, error)
}

// MemoryDefinitionStore serves graphs registered in memory.
type MemoryDefinitionStore struct {
	mutex  sync.RWMutex
	graphs map[string]*Graph
}

func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{graphs: map[string]*Graph{}}
}

// Put registers or replaces a graph.
func (s *MemoryDefinitionStore) Put(id string, graph *Graph) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.graphs[id] = graph
}

func (s *MemoryDefinitionStore) GetDefinition(ctx context.Context, id string) (*Graph, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	graph, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return graph, nil
}

// DirDefinitionStore reads <dir>/<id>.yaml (or .yml, .json) on every call.
type DirDefinitionStore struct {
	dir string
}

func NewDirDefinitionStore(dir string) *DirDefinitionStore {
	return &DirDefinitionStore{dir: dir}
}

func (s *DirDefinitionStore) GetDefinition(ctx context.Context, id string) (*Graph, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, fmt.Errorf("%w: invalid id %q", ErrDefinitionNotFound, id)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(s.dir, id+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read definition %s: %w", id, err)
		}
		if ext == ".json" {
			return ParseJSON(data)
		}
		return LoadString(string(data))
	}
	return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
}

// IDs lists the definition ids available in the directory.
func (s *DirDefinitionStore) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		switch ext {
		case ".yaml", ".yml", ".json":
			ids = append(ids, strings.TrimSuffix(name, ext))
		}
	}
	return ids, nil
}
