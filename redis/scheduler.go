package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/campaign"
	goredis "github.com/redis/go-redis/v9"
)

// claimScript removes a due job and returns its payload. A job that was
// re-armed into the future since the scan is left alone.
var claimScript = goredis.NewScript(`
local score = redis.call("zscore", KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return false
end
redis.call("zrem", KEYS[1], ARGV[1])
local payload = redis.call("hget", KEYS[2], ARGV[1])
redis.call("hdel", KEYS[2], ARGV[1])
if not payload then
	return ""
end
return payload
`)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Client goredis.UniversalClient
	Prefix string
	Clock  campaign.Clock
	Logger *slog.Logger

	// PollInterval is how often due jobs are claimed. Default 250ms.
	PollInterval time.Duration

	// BatchSize bounds how many due jobs one poll claims. Default 100.
	BatchSize int64
}

// Scheduler implements campaign.Scheduler on a sorted set of due times and
// a hash of payloads. Jobs survive process restarts and are claimed by
// exactly one poller.
type Scheduler struct {
	client       goredis.UniversalClient
	queueKey     string
	payloadKey   string
	clock        campaign.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Clock == nil {
		opts.Clock = campaign.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Scheduler{
		client:       opts.Client,
		queueKey:     key(opts.Prefix, "jobs", "due"),
		payloadKey:   key(opts.Prefix, "jobs", "payload"),
		clock:        opts.Clock,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
	}, nil
}

func (s *Scheduler) Schedule(ctx context.Context, k string, delay time.Duration, payload []byte) error {
	due := s.clock.Now().Add(delay).UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.payloadKey, k, payload)
		pipe.ZAdd(ctx, s.queueKey, goredis.Z{Score: float64(due), Member: k})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", k, err)
	}
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, k string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, s.queueKey, k)
		pipe.HDel(ctx, s.payloadKey, k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", k, err)
	}
	return nil
}

// Poll claims every due job and runs handler for each inline. It returns
// the number of jobs run.
func (s *Scheduler) Poll(ctx context.Context, handler campaign.JobHandler) (int, error) {
	return s.poll(ctx, func(k string, payload []byte) {
		handler(ctx, k, payload)
	})
}

func (s *Scheduler) poll(ctx context.Context, dispatch func(k string, payload []byte)) (int, error) {
	now := s.clock.Now().UnixMilli()
	keys, err := s.client.ZRangeByScore(ctx, s.queueKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprint(now),
		Count: s.batchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan due jobs: %w", err)
	}
	ran := 0
	for _, k := range keys {
		payload, err := claimScript.Run(ctx, s.client, []string{s.queueKey, s.payloadKey}, k, now).Text()
		if errors.Is(err, goredis.Nil) {
			// Claimed by another poller or re-armed.
			continue
		}
		if err != nil {
			return ran, fmt.Errorf("failed to claim job %s: %w", k, err)
		}
		dispatch(k, []byte(payload))
		ran++
	}
	return ran, nil
}

func (s *Scheduler) Start(ctx context.Context, handler campaign.JobHandler) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := s.poll(ctx, func(k string, payload []byte) {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					handler(ctx, k, payload)
				}()
			})
			if err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler poll failed", "error", err)
			}
		}
	}()
	return nil
}

// Stop ends polling and waits for running handlers.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
