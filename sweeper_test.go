package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func delayGraph(t *testing.T) *Graph {
	return mustGraph(t,
		[]*Node{
			{ID: "start", Type: NodeTypeEntry},
			{ID: "pause", Type: NodeTypeDelay, Data: map[string]any{"duration": "1h"}},
			{ID: "done", Type: NodeTypeTerminal},
		},
		[]*Edge{{Source: "start", Target: "pause"}, {Source: "pause", Target: "done"}})
}

func TestSweepTimers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testExecutors(t), map[string]*Graph{"onboarding": delayGraph(t)})
	h.subjects.PutSubject(&Subject{ID: "sub_2"})
	sweeper, err := NewSweeper(SweeperOptions{Engine: h.engine})
	require.NoError(t, err)

	h.run(t, Trigger{Type: TriggerNewEntry, SubjectID: "sub_1"})
	h.run(t, Trigger{Type: TriggerNewEntry, SubjectID: "sub_2"})

	resumed, err := sweeper.SweepTimers(ctx)
	require.NoError(t, err)
	require.Zero(t, resumed)

	h.clock.Advance(time.Hour)
	resumed, err = sweeper.SweepTimers(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, resumed)

	for _, id := range []string{"sub_1", "sub_2"} {
		cp, err := h.checkpoints.LoadCheckpoint(ctx, id, "onboarding")
		require.NoError(t, err)
		require.Nil(t, cp, "flow for %s completed", id)
	}

	resumed, err = sweeper.SweepTimers(ctx)
	require.NoError(t, err)
	require.Zero(t, resumed)
}

func TestSweepStaleAndCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testExecutors(t), map[string]*Graph{
		"onboarding": linearGraph(t, nil),
		"handoff": mustGraph(t,
			[]*Node{{ID: "start", Type: NodeTypeEntry}, {ID: "human", Type: NodeTypeHandoff}},
			[]*Edge{{Source: "start", Target: "human"}}),
	})
	sweeper, err := NewSweeper(SweeperOptions{Engine: h.engine})
	require.NoError(t, err)

	waiting := h.run(t, Trigger{Type: TriggerNewEntry}).Checkpoint
	paused := h.run(t, Trigger{Type: TriggerNewEntry, DefinitionID: "handoff"}).Checkpoint
	require.Equal(t, StatePaused, paused.ExecutionState)

	h.clock.Advance(24 * time.Hour)
	recycled, err := sweeper.SweepStale(ctx)
	require.NoError(t, err)
	require.Zero(t, recycled)

	h.clock.Advance(25 * time.Hour)
	recycled, err = sweeper.SweepStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recycled)

	cp, err := h.checkpoints.GetCheckpoint(ctx, waiting.ID)
	require.NoError(t, err)
	require.False(t, cp.Active())
	require.NotEmpty(t, cp.Context["recycled_at"])
	require.Contains(t, h.notifier.kinds(), EventFlowRecycled)

	cp, err = h.checkpoints.GetCheckpoint(ctx, paused.ID)
	require.NoError(t, err)
	require.True(t, cp.Active(), "paused checkpoints are not recycled")

	// The next reply re-enters the campaign fresh.
	report := h.run(t, Trigger{Type: TriggerUserReply, Body: "back again"})
	require.NotEqual(t, waiting.ID, report.Checkpoint.ID)

	h.clock.Advance(31 * 24 * time.Hour)
	removed, err := sweeper.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, err = h.checkpoints.GetCheckpoint(ctx, waiting.ID)
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestSweepStaleSkipsLockedSubjects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testExecutors(t), map[string]*Graph{"onboarding": linearGraph(t, nil)})
	sweeper, err := NewSweeper(SweeperOptions{Engine: h.engine})
	require.NoError(t, err)

	h.run(t, Trigger{Type: TriggerNewEntry})
	h.clock.Advance(72 * time.Hour)

	lock, err := h.engine.Locker().Acquire(ctx, h.engine.LockKey("sub_1"), time.Minute)
	require.NoError(t, err)
	recycled, err := sweeper.SweepStale(ctx)
	require.NoError(t, err)
	require.Zero(t, recycled)
	require.NoError(t, h.engine.Locker().Release(ctx, lock))

	recycled, err = sweeper.SweepStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recycled)
}

func TestSweeperStartStop(t *testing.T) {
	h := newHarness(t, testExecutors(t), nil)
	_, err := NewSweeper(SweeperOptions{})
	require.Error(t, err)

	sweeper, err := NewSweeper(SweeperOptions{Engine: h.engine, CleanupSchedule: "0 3 * * *"})
	require.NoError(t, err)
	require.NoError(t, sweeper.Start(context.Background()))
	require.Error(t, sweeper.Start(context.Background()))
	sweeper.Stop()
	sweeper.Stop()

	bad, err := NewSweeper(SweeperOptions{Engine: h.engine, CleanupSchedule: "whenever"})
	require.NoError(t, err)
	require.Error(t, bad.Start(context.Background()))
}
