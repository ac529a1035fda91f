// Package storetest holds behavior tests shared by every CheckpointStore
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/stretchr/testify/require"
)

// Start is the initial time of the clock handed to store factories.
var Start = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// Factory returns an empty store that reads time from clock.
type Factory func(t *testing.T, clock campaign.Clock) campaign.CheckpointStore

// Run exercises the CheckpointStore contract against stores built by
// newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock)
	}{
		{"SaveAndLoad", testSaveAndLoad},
		{"AdvanceClearsWait", testAdvanceClearsWait},
		{"RecordErrorThreshold", testRecordErrorThreshold},
		{"CompleteAndReenter", testCompleteAndReenter},
		{"PauseAndResume", testPauseAndResume},
		{"FindExpiredTimers", testFindExpiredTimers},
		{"FindStaleInstances", testFindStaleInstances},
		{"CleanupOldInstances", testCleanupOldInstances},
		{"CompletedIsFinal", testCompletedIsFinal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := campaign.NewManualClock(Start)
			store := newStore(t, clock)
			tt.fn(t, context.Background(), store, clock)
		})
	}
}

func enter(t *testing.T, ctx context.Context, store campaign.CheckpointStore, subjectID, definitionID, nodeID string) *campaign.Checkpoint {
	t.Helper()
	cp, err := store.SaveCheckpoint(ctx, subjectID, definitionID, campaign.CheckpointUpdate{
		CurrentNodeID:  campaign.Ptr(nodeID),
		ExecutionState: campaign.Ptr(campaign.StateEntered),
	})
	require.NoError(t, err)
	return cp
}

func suspend(t *testing.T, ctx context.Context, store campaign.CheckpointStore, id string, waitingFor campaign.WaitingFor, until *time.Time) *campaign.Checkpoint {
	t.Helper()
	cp, err := store.UpdateCheckpoint(ctx, id, campaign.CheckpointUpdate{
		ClearWait:      true,
		ExecutionState: campaign.Ptr(campaign.StateAwaitingAsync),
		WaitingFor:     campaign.Ptr(waitingFor),
		WaitUntil:      until,
		WaitingSince:   campaign.Ptr(Start),
	})
	require.NoError(t, err)
	return cp
}

func ids(list []*campaign.Checkpoint) []string {
	out := make([]string, 0, len(list))
	for _, cp := range list {
		out = append(out, cp.ID)
	}
	return out
}

func testSaveAndLoad(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	missing, err := store.LoadCheckpoint(ctx, "sub_1", "onboarding")
	require.NoError(t, err)
	require.Nil(t, missing)

	cp := enter(t, ctx, store, "sub_1", "onboarding", "start")
	require.NotEmpty(t, cp.ID)
	require.Equal(t, "start", cp.CurrentNodeID)
	require.Equal(t, campaign.StateEntered, cp.ExecutionState)
	require.True(t, cp.StartedAt.Equal(Start))

	clock.Advance(time.Minute)
	again, err := store.SaveCheckpoint(ctx, "sub_1", "onboarding", campaign.CheckpointUpdate{
		Context: map[string]any{"source": "import"},
	})
	require.NoError(t, err)
	require.Equal(t, cp.ID, again.ID, "save upserts the active checkpoint")
	require.Equal(t, "start", again.CurrentNodeID)
	require.True(t, again.LastExecutedAt.Equal(Start.Add(time.Minute)))

	loaded, err := store.LoadCheckpoint(ctx, "sub_1", "onboarding")
	require.NoError(t, err)
	require.Equal(t, cp.ID, loaded.ID)
	require.Equal(t, "import", loaded.Context["source"])

	other, err := store.LoadCheckpoint(ctx, "sub_1", "renewal")
	require.NoError(t, err)
	require.Nil(t, other)

	_, err = store.GetCheckpoint(ctx, "ckpt_missing")
	require.ErrorIs(t, err, campaign.ErrCheckpointNotFound)
}

func testAdvanceClearsWait(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	cp := enter(t, ctx, store, "sub_1", "onboarding", "start")
	until := Start.Add(time.Hour)
	cp = suspend(t, ctx, store, cp.ID, campaign.WaitingForUserReply, &until)
	require.Equal(t, campaign.StateAwaitingAsync, cp.ExecutionState)
	require.NotNil(t, cp.WaitUntil)
	stored, err := store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WaitingSince)
	require.True(t, stored.WaitingSince.Equal(Start))

	clock.Advance(time.Minute)
	cp, err = store.AdvanceToNode(ctx, cp.ID, "greet", campaign.CheckpointUpdate{
		NodeState: map[string]any{"start": map[string]any{"visited": true}},
		Context:   map[string]any{"start": map[string]any{"intent": "yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, "greet", cp.CurrentNodeID)
	require.Equal(t, campaign.StateEntered, cp.ExecutionState)
	require.Empty(t, cp.WaitingFor)
	require.Nil(t, cp.WaitUntil)
	require.Nil(t, cp.WaitingSince)
	require.Equal(t, map[string]any{"visited": true}, cp.StateFor("start"))
	require.True(t, cp.LastExecutedAt.Equal(Start.Add(time.Minute)))

	cp, err = store.AdvanceToNode(ctx, cp.ID, "wait", campaign.CheckpointUpdate{
		NodeState: map[string]any{"start": map[string]any{"count": 2}},
	})
	require.NoError(t, err)
	state := cp.StateFor("start")
	require.Equal(t, true, state["visited"], "node state is merged")
	require.EqualValues(t, 2, state["count"])
}

func testRecordErrorThreshold(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	cp := enter(t, ctx, store, "sub_1", "onboarding", "start")
	for i := 1; i < campaign.ErrorThreshold; i++ {
		var err error
		cp, err = store.RecordError(ctx, cp.ID, "boom")
		require.NoError(t, err)
		require.Equal(t, i, cp.ErrorCount)
		require.Equal(t, campaign.StateEntered, cp.ExecutionState)
	}
	cp, err := store.RecordError(ctx, cp.ID, "final boom")
	require.NoError(t, err)
	require.Equal(t, campaign.ErrorThreshold, cp.ErrorCount)
	require.Equal(t, campaign.StateFailed, cp.ExecutionState)
	require.Equal(t, "final boom", cp.LastError)

	cp, err = store.UpdateCheckpoint(ctx, cp.ID, campaign.CheckpointUpdate{ResetErrors: true})
	require.NoError(t, err)
	require.Zero(t, cp.ErrorCount)
	require.Equal(t, campaign.StateEntered, cp.ExecutionState)
}

func testCompleteAndReenter(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	first := enter(t, ctx, store, "sub_1", "onboarding", "start")
	completed, err := store.MarkCompleted(ctx, first.ID, campaign.CheckpointUpdate{
		Context: map[string]any{"done": true},
	})
	require.NoError(t, err)
	require.Equal(t, campaign.StateExited, completed.ExecutionState)
	require.NotNil(t, completed.CompletedAt)
	require.Equal(t, true, completed.Context["done"])

	again, err := store.MarkCompleted(ctx, first.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err, "completing twice is a no-op")
	require.True(t, again.CompletedAt.Equal(*completed.CompletedAt))

	active, err := store.LoadCheckpoint(ctx, "sub_1", "onboarding")
	require.NoError(t, err)
	require.Nil(t, active)

	clock.Advance(time.Hour)
	second := enter(t, ctx, store, "sub_1", "onboarding", "start")
	require.NotEqual(t, first.ID, second.ID)

	kept, err := store.GetCheckpoint(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, kept.Active())

	list, err := store.ListCheckpoints(ctx, "sub_1")
	require.NoError(t, err)
	require.Equal(t, []string{second.ID, first.ID}, ids(list))
}

func testPauseAndResume(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	cp := enter(t, ctx, store, "sub_1", "onboarding", "human")
	paused, err := store.MarkPaused(ctx, cp.ID, campaign.CheckpointUpdate{
		NodeState: map[string]any{"human": map[string]any{"handed_off": true}},
	})
	require.NoError(t, err)
	require.Equal(t, campaign.StatePaused, paused.ExecutionState)
	require.NotNil(t, paused.PausedAt)
	require.Equal(t, true, paused.StateFor("human")["handed_off"])

	clock.Advance(time.Minute)
	resumed, err := store.ResumeFromPause(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.StateEntered, resumed.ExecutionState)
	require.Nil(t, resumed.PausedAt)
	require.Equal(t, "human", resumed.CurrentNodeID)
}

func testFindExpiredTimers(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	soon := Start.Add(time.Hour)
	later := Start.Add(2 * time.Hour)

	timer := enter(t, ctx, store, "sub_1", "onboarding", "delay")
	suspend(t, ctx, store, timer.ID, campaign.WaitingForTimer, &later)

	reply := enter(t, ctx, store, "sub_2", "onboarding", "wait")
	suspend(t, ctx, store, reply.ID, campaign.WaitingForUserReply, &soon)

	open := enter(t, ctx, store, "sub_3", "onboarding", "wait")
	suspend(t, ctx, store, open.ID, campaign.WaitingForUserReply, nil)

	expired, err := store.FindExpiredTimers(ctx, Start.Add(30*time.Minute))
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = store.FindExpiredTimers(ctx, soon)
	require.NoError(t, err)
	require.Equal(t, []string{reply.ID}, ids(expired))

	expired, err = store.FindExpiredTimers(ctx, Start.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{reply.ID, timer.ID}, ids(expired), "ordered by wait_until")

	_, err = store.MarkCompleted(ctx, timer.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err)
	expired, err = store.FindExpiredTimers(ctx, Start.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{reply.ID}, ids(expired))
}

func testFindStaleInstances(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	idle := enter(t, ctx, store, "sub_1", "onboarding", "greet")

	paused := enter(t, ctx, store, "sub_2", "onboarding", "human")
	_, err := store.MarkPaused(ctx, paused.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err)

	future := Start.Add(7 * 24 * time.Hour)
	parked := enter(t, ctx, store, "sub_3", "onboarding", "delay")
	suspend(t, ctx, store, parked.ID, campaign.WaitingForTimer, &future)

	done := enter(t, ctx, store, "sub_4", "onboarding", "start")
	_, err = store.MarkCompleted(ctx, done.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err)

	clock.Advance(72 * time.Hour)
	fresh := enter(t, ctx, store, "sub_5", "onboarding", "greet")

	now := clock.Now()
	stale, err := store.FindStaleInstances(ctx, now.Add(-48*time.Hour), now)
	require.NoError(t, err)
	require.Equal(t, []string{idle.ID}, ids(stale))
	require.NotContains(t, ids(stale), fresh.ID)
}

func testCleanupOldInstances(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	old := enter(t, ctx, store, "sub_1", "onboarding", "start")
	_, err := store.MarkCompleted(ctx, old.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err)

	clock.Advance(40 * 24 * time.Hour)
	recent := enter(t, ctx, store, "sub_2", "onboarding", "start")
	_, err = store.MarkCompleted(ctx, recent.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err)
	active := enter(t, ctx, store, "sub_3", "onboarding", "start")

	removed, err := store.CleanupOldInstances(ctx, clock.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.GetCheckpoint(ctx, old.ID)
	require.ErrorIs(t, err, campaign.ErrCheckpointNotFound)
	_, err = store.GetCheckpoint(ctx, recent.ID)
	require.NoError(t, err)
	_, err = store.GetCheckpoint(ctx, active.ID)
	require.NoError(t, err)
}

func testCompletedIsFinal(t *testing.T, ctx context.Context, store campaign.CheckpointStore, clock *campaign.ManualClock) {
	cp := enter(t, ctx, store, "sub_1", "onboarding", "start")
	_, err := store.MarkCompleted(ctx, cp.ID, campaign.CheckpointUpdate{})
	require.NoError(t, err)

	_, err = store.AdvanceToNode(ctx, cp.ID, "greet", campaign.CheckpointUpdate{})
	require.ErrorIs(t, err, campaign.ErrCheckpointDone)
	_, err = store.RecordError(ctx, cp.ID, "late")
	require.ErrorIs(t, err, campaign.ErrCheckpointDone)
	_, err = store.MarkPaused(ctx, cp.ID, campaign.CheckpointUpdate{})
	require.ErrorIs(t, err, campaign.ErrCheckpointDone)
	_, err = store.UpdateCheckpoint(ctx, cp.ID, campaign.CheckpointUpdate{})
	require.ErrorIs(t, err, campaign.ErrCheckpointDone)
	_, err = store.AdvanceToNode(ctx, "ckpt_missing", "greet", campaign.CheckpointUpdate{})
	require.ErrorIs(t, err, campaign.ErrCheckpointNotFound)
}
