package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Engine *Engine
	Logger *slog.Logger

	// TimerInterval is how often expired timers are resumed. Default 15s.
	TimerInterval time.Duration

	// StaleInterval is how often stale checkpoints are recycled. Default 15m.
	StaleInterval time.Duration

	// StaleAfter is how long a checkpoint may go without executing before it
	// is recycled. Default 48h.
	StaleAfter time.Duration

	// CleanupSchedule is a cron spec for retention cleanup. Default "@daily".
	CleanupSchedule string

	// RetentionDays is how long completed checkpoints are kept. Default 30.
	RetentionDays int

	// Concurrency bounds parallel timer resumptions. Default 8.
	Concurrency int

	// LockTTL is used when recycling a stale checkpoint. Default 15s.
	LockTTL time.Duration
}

// Sweeper runs the periodic scans that re-derive work from durable state:
// expired timers, stale checkpoints and retention cleanup.
type Sweeper struct {
	engine          *Engine
	logger          *slog.Logger
	timerInterval   time.Duration
	staleInterval   time.Duration
	staleAfter      time.Duration
	cleanupSchedule string
	retentionDays   int
	concurrency     int
	lockTTL         time.Duration

	mutex sync.Mutex
	cron  *cron.Cron
}

func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.TimerInterval <= 0 {
		opts.TimerInterval = 15 * time.Second
	}
	if opts.StaleInterval <= 0 {
		opts.StaleInterval = 15 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 48 * time.Hour
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = "@daily"
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Second
	}
	return &Sweeper{
		engine:          opts.Engine,
		logger:          opts.Logger,
		timerInterval:   opts.TimerInterval,
		staleInterval:   opts.StaleInterval,
		staleAfter:      opts.StaleAfter,
		cleanupSchedule: opts.CleanupSchedule,
		retentionDays:   opts.RetentionDays,
		concurrency:     opts.Concurrency,
		lockTTL:         opts.LockTTL,
	}, nil
}

// SweepTimers resumes every checkpoint whose wait has elapsed and returns
// how many steps were run.
func (s *Sweeper) SweepTimers(ctx context.Context) (int, error) {
	now := s.engine.Clock().Now()
	expired, err := s.engine.Checkpoints().FindExpiredTimers(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired timers: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	var (
		mutex   sync.Mutex
		resumed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, cp := range expired {
		g.Go(func() error {
			report, err := s.engine.RunStep(gctx, Trigger{
				Type:         TriggerTimerExpired,
				SubjectID:    cp.SubjectID,
				DefinitionID: cp.DefinitionID,
				At:           now,
			})
			if err != nil {
				// One broken subject must not stop the sweep.
				s.logger.Error("timer resumption failed",
					"subject_id", cp.SubjectID,
					"checkpoint_id", cp.ID,
					"error", err)
				return nil
			}
			if report.Outcome != OutcomeLocked && report.Outcome != OutcomeNoop {
				mutex.Lock()
				resumed++
				mutex.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return resumed, err
	}
	s.logger.Debug("timer sweep finished", "expired", len(expired), "resumed", resumed)
	return resumed, nil
}

// SweepStale completes checkpoints that have not executed within the stale
// threshold so the subject re-enters fresh on its next event. Paused
// checkpoints and ones waiting on a future timer are left alone.
func (s *Sweeper) SweepStale(ctx context.Context) (int, error) {
	clock := s.engine.Clock()
	now := clock.Now()
	stale, err := s.engine.Checkpoints().FindStaleInstances(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale checkpoints: %w", err)
	}
	recycled := 0
	for _, cp := range stale {
		ok, err := s.recycle(ctx, cp, now)
		if err != nil {
			s.logger.Error("failed to recycle stale checkpoint",
				"subject_id", cp.SubjectID,
				"checkpoint_id", cp.ID,
				"error", err)
			continue
		}
		if ok {
			recycled++
		}
	}
	if recycled > 0 {
		s.logger.Info("recycled stale checkpoints", "count", recycled)
	}
	return recycled, nil
}

func (s *Sweeper) recycle(ctx context.Context, cp *Checkpoint, now time.Time) (bool, error) {
	locker := s.engine.Locker()
	lock, err := locker.Acquire(ctx, s.engine.LockKey(cp.SubjectID), s.lockTTL)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			s.logger.Warn("failed to release subject lock", "subject_id", cp.SubjectID, "error", err)
		}
	}()

	// Re-read under the lock; a step may have run since the scan.
	current, err := s.engine.Checkpoints().GetCheckpoint(ctx, cp.ID)
	if err != nil {
		return false, err
	}
	if !current.Stale(now.Add(-s.staleAfter), now) {
		return false, nil
	}
	completed, err := s.engine.Checkpoints().MarkCompleted(ctx, cp.ID, CheckpointUpdate{
		Context: map[string]any{"recycled_at": now.Format(time.RFC3339)},
	})
	if err != nil {
		return false, err
	}
	s.engine.publish(ctx, EventFlowRecycled, completed, nil, nil, "", "")
	return true, nil
}

// Cleanup deletes checkpoints completed more than RetentionDays ago.
func (s *Sweeper) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.engine.Clock().Now().AddDate(0, 0, -s.retentionDays)
	removed, err := s.engine.Checkpoints().CleanupOldInstances(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old checkpoints: %w", err)
	}
	if removed > 0 {
		s.logger.Info("removed old checkpoints", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Start schedules the sweeps on a cron runner. Overlapping runs of the same
// sweep are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) (int, error)
	}{
		{fmt.Sprintf("@every %s", s.timerInterval), "timers", s.SweepTimers},
		{fmt.Sprintf("@every %s", s.staleInterval), "stale", s.SweepStale},
		{s.cleanupSchedule, "cleanup", s.Cleanup},
	}
	for _, job := range jobs {
		if _, err := c.AddFunc(job.spec, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := job.run(ctx); err != nil {
				s.logger.Error("sweep failed", "sweep", job.name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s sweep: %w", job.name, err)
		}
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started",
		"timer_interval", s.timerInterval,
		"stale_interval", s.staleInterval,
		"cleanup_schedule", s.cleanupSchedule)
	return nil
}

// Stop halts scheduling and waits for running sweeps to finish.
func (s *Sweeper) Stop() {
	s.mutex.Lock()
	c := s.cron
	s.cron = nil
	s.mutex.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
