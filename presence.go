package campaign

import (
	"context"
	"sync"
	"time"
)

// Presence tracks whether a subject is currently composing a message.
type Presence interface {
	SetComposing(ctx context.Context, subjectID string, ttl time.Duration) error
	ClearComposing(ctx context.Context, subjectID string) error
	IsComposing(ctx context.Context, subjectID string) (bool, error)
}

type MemoryPresence struct {
	mutex sync.Mutex
	until map[string]time.Time
	clock Clock
}

func NewMemoryPresence(clock Clock) *MemoryPresence {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryPresence{until: map[string]time.Time{}, clock: clock}
}

func (p *MemoryPresence) SetComposing(ctx context.Context, subjectID string, ttl time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.until[subjectID] = p.clock.Now().Add(ttl)
	return nil
}

func (p *MemoryPresence) ClearComposing(ctx context.Context, subjectID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.until, subjectID)
	return nil
}

func (p *MemoryPresence) IsComposing(ctx context.Context, subjectID string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	until, ok := p.until[subjectID]
	if !ok {
		return false, nil
	}
	if !until.After(p.clock.Now()) {
		delete(p.until, subjectID)
		return false, nil
	}
	return true, nil
}
