package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepnoodle-ai/campaign"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), ConnectOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestConnectRequiresAddress(t *testing.T) {
	_, err := Connect(context.Background(), ConnectOptions{})
	require.Error(t, err)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	locker := NewLocker(client, campaign.NewManualClock(testStart))

	lock, err := locker.Acquire(ctx, "campaign:lock:s1", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, testStart.Add(10*time.Second), lock.ExpiresAt)

	busy, err := locker.Acquire(ctx, "campaign:lock:s1", 10*time.Second)
	require.NoError(t, err)
	require.Nil(t, busy)

	other, err := locker.Acquire(ctx, "campaign:lock:s2", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, other)

	require.NoError(t, locker.Release(ctx, lock))
	require.NoError(t, locker.Release(ctx, nil))

	again, err := locker.Acquire(ctx, "campaign:lock:s1", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)

	// Let the lease lapse; a new owner takes over and the stale holder
	// can no longer release it.
	mr.FastForward(11 * time.Second)
	taken, err := locker.Acquire(ctx, "campaign:lock:s1", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, taken)
	require.ErrorIs(t, locker.Release(ctx, again), campaign.ErrLockNotHeld)
	require.NoError(t, locker.Release(ctx, taken))
}

func TestEventBuffer(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	buffer := NewEventBuffer(client, "test")

	n, err := buffer.Len(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, buffer.Append(ctx, "k",
		campaign.InboundMessage{SubjectID: "s1", DefinitionID: "d1", Body: "hi", ReceivedAt: testStart},
		campaign.InboundMessage{SubjectID: "s1", DefinitionID: "d1", Body: "there", ReceivedAt: testStart.Add(time.Second), CorrelationKey: "c1"},
	))
	require.NoError(t, buffer.Append(ctx, "k"))

	n, err = buffer.Len(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	msgs, err := buffer.Drain(ctx, "k")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Body)
	require.Equal(t, "there", msgs[1].Body)
	require.Equal(t, "c1", msgs[1].CorrelationKey)
	require.True(t, msgs[1].ReceivedAt.Equal(testStart.Add(time.Second)))

	msgs, err = buffer.Drain(ctx, "k")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	presence := NewPresence(client, "")

	composing, err := presence.IsComposing(ctx, "s1")
	require.NoError(t, err)
	require.False(t, composing)

	require.NoError(t, presence.SetComposing(ctx, "s1", 15*time.Second))
	composing, err = presence.IsComposing(ctx, "s1")
	require.NoError(t, err)
	require.True(t, composing)
	require.True(t, mr.Exists("campaign:composing:s1"))

	mr.FastForward(16 * time.Second)
	composing, err = presence.IsComposing(ctx, "s1")
	require.NoError(t, err)
	require.False(t, composing)

	require.NoError(t, presence.SetComposing(ctx, "s1", 15*time.Second))
	require.NoError(t, presence.ClearComposing(ctx, "s1"))
	composing, err = presence.IsComposing(ctx, "s1")
	require.NoError(t, err)
	require.False(t, composing)
}

func TestSchedulerPoll(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	clock := campaign.NewManualClock(testStart)
	scheduler, err := NewScheduler(SchedulerOptions{Client: client, Clock: clock})
	require.NoError(t, err)

	var fired []string
	handler := func(ctx context.Context, key string, payload []byte) {
		fired = append(fired, key+"="+string(payload))
	}

	require.NoError(t, scheduler.Schedule(ctx, "a", 3*time.Second, []byte("one")))
	require.NoError(t, scheduler.Schedule(ctx, "b", 5*time.Second, []byte("two")))
	require.NoError(t, scheduler.Schedule(ctx, "c", time.Second, []byte("three")))
	require.NoError(t, scheduler.Cancel(ctx, "c"))

	ran, err := scheduler.Poll(ctx, handler)
	require.NoError(t, err)
	require.Equal(t, 0, ran)

	// Re-arming replaces the pending job for the key.
	clock.Advance(2 * time.Second)
	require.NoError(t, scheduler.Schedule(ctx, "a", 4*time.Second, []byte("one-again")))

	clock.Advance(2 * time.Second)
	ran, err = scheduler.Poll(ctx, handler)
	require.NoError(t, err)
	require.Equal(t, 0, ran)

	clock.Advance(2 * time.Second)
	ran, err = scheduler.Poll(ctx, handler)
	require.NoError(t, err)
	require.Equal(t, 2, ran)
	require.ElementsMatch(t, []string{"a=one-again", "b=two"}, fired)

	ran, err = scheduler.Poll(ctx, handler)
	require.NoError(t, err)
	require.Equal(t, 0, ran)
}

func TestSchedulerStartDelivers(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	scheduler, err := NewScheduler(SchedulerOptions{Client: client, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	got := make(chan string, 1)
	require.NoError(t, scheduler.Start(ctx, func(ctx context.Context, key string, payload []byte) {
		got <- string(payload)
	}))
	require.Error(t, scheduler.Start(ctx, nil))
	defer scheduler.Stop()

	require.NoError(t, scheduler.Schedule(ctx, "job", 20*time.Millisecond, []byte("payload")))
	select {
	case payload := <-got:
		require.Equal(t, "payload", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
}

func TestNotifierPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	notifier := NewNotifier(client, "", nil)

	var (
		mutex  sync.Mutex
		events []*campaign.Event
	)
	received := make(chan struct{}, 1)
	stop, err := notifier.Subscribe(ctx, func(event *campaign.Event) {
		mutex.Lock()
		events = append(events, event)
		mutex.Unlock()
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer stop()

	notifier.Publish(ctx, &campaign.Event{
		Type:         campaign.EventNodeEntered,
		SubjectID:    "s1",
		DefinitionID: "d1",
		NodeID:       "ask",
		At:           testStart,
	})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not received")
	}
	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, campaign.EventNodeEntered, events[0].Type)
	require.Equal(t, "ask", events[0].NodeID)
}

func TestDebouncerOverRedis(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	clock := campaign.NewManualClock(testStart)
	scheduler, err := NewScheduler(SchedulerOptions{Client: client, Clock: clock})
	require.NoError(t, err)

	var triggers []campaign.Trigger
	runner := stepRunnerFunc(func(ctx context.Context, trigger campaign.Trigger) (*campaign.StepReport, error) {
		triggers = append(triggers, trigger)
		return &campaign.StepReport{}, nil
	})
	debouncer, err := campaign.NewDebouncer(campaign.DebounceOptions{
		Runner:    runner,
		Buffer:    NewEventBuffer(client, ""),
		Presence:  NewPresence(client, ""),
		Scheduler: scheduler,
		Clock:     clock,
	})
	require.NoError(t, err)

	for _, body := range []string{"hello", "anyone?"} {
		require.NoError(t, debouncer.HandleInbound(ctx, campaign.InboundMessage{
			SubjectID:    "s1",
			DefinitionID: "d1",
			Body:         body,
		}))
		clock.Advance(time.Second)
	}

	clock.Advance(5 * time.Second)
	ran, err := scheduler.Poll(ctx, debouncer.Fire)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.Len(t, triggers, 1)
	require.Equal(t, "hello\nanyone?", triggers[0].Body)
	require.Equal(t, campaign.TriggerUserReply, triggers[0].Type)
}

type stepRunnerFunc func(ctx context.Context, trigger campaign.Trigger) (*campaign.StepReport, error)

func (f stepRunnerFunc) RunStep(ctx context.Context, trigger campaign.Trigger) (*campaign.StepReport, error) {
	return f(ctx, trigger)
}
