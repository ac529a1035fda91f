package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler runs a fired delayed job.
type JobHandler func(ctx context.Context, key string, payload []byte)

// Scheduler runs keyed, delayed jobs. Scheduling a key that already has a
// pending job replaces it.
type Scheduler interface {
	Schedule(ctx context.Context, key string, delay time.Duration, payload []byte) error
	Cancel(ctx context.Context, key string) error

	// Start delivers fired jobs to handler until Stop is called or ctx ends.
	Start(ctx context.Context, handler JobHandler) error
	Stop()
}

// MemoryScheduler fires jobs from in-process timers. It is only used for
// short debounce windows; long waits are persisted on checkpoints.
type MemoryScheduler struct {
	mutex   sync.Mutex
	timers  map[string]*time.Timer
	gen     map[string]uint64
	pending map[string][]byte
	handler JobHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewMemoryScheduler(logger *slog.Logger) *MemoryScheduler {
	if logger == nil {
		logger = discardLogger()
	}
	return &MemoryScheduler{
		timers:  map[string]*time.Timer{},
		gen:     map[string]uint64{},
		pending: map[string][]byte{},
		logger:  logger,
	}
}

func (s *MemoryScheduler) Schedule(ctx context.Context, key string, delay time.Duration, payload []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}
	s.gen[key]++
	gen := s.gen[key]
	s.pending[key] = payload
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key, gen) })
	return nil
}

func (s *MemoryScheduler) Cancel(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}
	s.gen[key]++
	delete(s.timers, key)
	delete(s.pending, key)
	return nil
}

func (s *MemoryScheduler) fire(key string, gen uint64) {
	s.mutex.Lock()
	if s.gen[key] != gen {
		s.mutex.Unlock()
		return
	}
	payload := s.pending[key]
	delete(s.timers, key)
	delete(s.pending, key)
	handler, ctx := s.handler, s.ctx
	if handler == nil || ctx == nil || ctx.Err() != nil {
		s.mutex.Unlock()
		s.logger.Warn("dropping job fired while scheduler stopped", "key", key)
		return
	}
	s.wg.Add(1)
	s.mutex.Unlock()

	defer s.wg.Done()
	handler(ctx, key, payload)
}

func (s *MemoryScheduler) Start(ctx context.Context, handler JobHandler) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.handler = handler
	return nil
}

// Stop cancels pending timers and waits for running handlers.
func (s *MemoryScheduler) Stop() {
	s.mutex.Lock()
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mutex.Unlock()
	s.wg.Wait()
}
