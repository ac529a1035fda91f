package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock is a held, time-boxed lease on a key.
type Lock struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Locker grants short-lived mutual exclusion across engine processes.
type Locker interface {
	// Acquire returns nil, nil when the key is held by someone else.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)

	// Release frees a lock. Releasing a lock that expired and was taken by
	// another owner returns ErrLockNotHeld.
	Release(ctx context.Context, lock *Lock) error
}

// NewLockToken returns a unique owner token.
func NewLockToken() string {
	return uuid.NewString()
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mutex sync.Mutex
	held  map[string]*Lock
	clock Clock
}

func NewMemoryLocker(clock Clock) *MemoryLocker {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryLocker{held: map[string]*Lock{}, clock: clock}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.clock.Now()
	if current, ok := l.held[key]; ok && current.ExpiresAt.After(now) {
		return nil, nil
	}
	lock := &Lock{Key: key, Token: NewLockToken(), ExpiresAt: now.Add(ttl)}
	l.held[key] = lock
	c := *lock
	return &c, nil
}

func (l *MemoryLocker) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	current, ok := l.held[lock.Key]
	if !ok || current.Token != lock.Token {
		return ErrLockNotHeld
	}
	delete(l.held, lock.Key)
	return nil
}
