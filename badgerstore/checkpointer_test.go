package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/executors"
	"github.com/deepnoodle-ai/campaign/storetest"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock campaign.Clock) campaign.CheckpointStore {
		store, err := Open(Options{InMemory: true, Clock: clock})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := campaign.NewManualClock(storetest.Start)

	store, err := Open(Options{Dir: dir, Clock: clock})
	require.NoError(t, err)
	cp, err := store.SaveCheckpoint(ctx, "sub_1", "onboarding", campaign.CheckpointUpdate{
		CurrentNodeID:  campaign.Ptr("ask"),
		ExecutionState: campaign.Ptr(campaign.StateAwaitingAsync),
		WaitingFor:     campaign.Ptr(campaign.WaitingForUserReply),
		WaitUntil:      campaign.Ptr(storetest.Start.Add(time.Hour)),
		CorrelationKey: campaign.Ptr("thread-1"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(Options{Dir: dir, Clock: clock})
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.LoadCheckpoint(ctx, "sub_1", "onboarding")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, cp.ID, loaded.ID)
	require.Equal(t, "ask", loaded.CurrentNodeID)
	require.Equal(t, "thread-1", loaded.CorrelationKey)
	require.True(t, loaded.WaitUntil.Equal(storetest.Start.Add(time.Hour)))
}

func TestEngineOverBadger(t *testing.T) {
	ctx := context.Background()
	clock := campaign.NewManualClock(storetest.Start)
	store, err := Open(Options{InMemory: true, Clock: clock})
	require.NoError(t, err)
	defer store.Close()

	graph, err := campaign.LoadString(`
nodes:
  - id: start
    type: entry
  - id: done
    type: terminal
edges:
  - source: start
    target: done
`)
	require.NoError(t, err)
	definitions := campaign.NewMemoryDefinitionStore()
	definitions.Put("welcome", graph)

	registry, err := executors.NewRegistry(executors.Options{})
	require.NoError(t, err)

	engine, err := campaign.NewEngine(campaign.EngineOptions{
		Checkpoints: store,
		Definitions: definitions,
		Subjects:    campaign.NewMemorySubjectStore(),
		Executors:   registry,
		Clock:       clock,
	})
	require.NoError(t, err)

	report, err := engine.RunStep(ctx, campaign.Trigger{
		Type:         campaign.TriggerUserReply,
		SubjectID:    "sub_1",
		DefinitionID: "welcome",
		Body:         "hi",
	})
	require.NoError(t, err)
	require.Equal(t, campaign.OutcomeCompleted, report.Outcome)

	list, err := store.ListCheckpoints(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, list[0].Active())
}
