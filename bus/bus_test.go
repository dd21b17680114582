package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus-dev/agentbus/event"
)

// recorder collects delivered events in order.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) Handle(_ context.Context, ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(WithStatsInterval(10 * time.Millisecond))
	t.Cleanup(b.Shutdown)
	return b
}

func TestPublish_RejectsMalformedEvent(t *testing.T) {
	b := newTestBus(t)

	ev := event.New(event.TypeMessage, "agent-1", &event.Message{})
	ev.ID = ""

	err := b.Publish(ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
	assert.Empty(t, b.History(0), "malformed event must not be enqueued")
}

func TestPublish_DeliversToMatchingSubscriber(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{
		Content: map[string]any{"text": "hello"},
	})))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFIFO_DeliveryOrderMatchesPublishOrder(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	const n = 50
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ev := event.New(event.TypeMessage, "agent-2", &event.Message{
			Content: map[string]any{"seq": i},
		})
		ids[i] = ev.ID
		require.NoError(t, b.Publish(ev))
	}

	require.Eventually(t, func() bool { return rec.len() == n }, 2*time.Second, 5*time.Millisecond)

	for i, ev := range rec.snapshot() {
		assert.Equal(t, ids[i], ev.ID, "event %d delivered out of order", i)
	}
}

func TestIsolation_FailingHandlerDoesNotBlockSiblings(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("bad", []event.Type{event.TypeMessage}, HandlerFunc(
		func(context.Context, *event.Event) error {
			return errors.New("boom")
		},
	))
	require.NoError(t, err)
	_, err = b.Subscribe("good", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	errRec := &recorder{}
	_, err = b.Subscribe("observer", []event.Type{event.TypeSubscriptionError}, errRec)
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return errRec.len() == 1 }, time.Second, 5*time.Millisecond)

	payload, ok := errRec.snapshot()[0].Data.(*event.SubscriptionError)
	require.True(t, ok)
	assert.Equal(t, "bad", payload.SubscriberID)
	assert.Contains(t, payload.Error, "boom")
}

func TestIsolation_PanickingHandlerIsCaught(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("panicky", []event.Type{event.TypeMessage}, HandlerFunc(
		func(context.Context, *event.Event) error {
			panic("handler exploded")
		},
	))
	require.NoError(t, err)
	_, err = b.Subscribe("good", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))
	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTargeting_DirectAddressedEventInvisibleToOthers(t *testing.T) {
	b := newTestBus(t)

	rec1 := &recorder{}
	rec2 := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec1)
	require.NoError(t, err)
	_, err = b.Subscribe("agent-2", []event.Type{event.TypeMessage}, rec2)
	require.NoError(t, err)

	ev := event.New(event.TypeMessage, "coordinator", &event.Message{}).WithTargets("agent-2")
	require.NoError(t, b.Publish(ev))

	require.Eventually(t, func() bool { return rec2.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec1.len(), "agent-1 must not see an event targeted at agent-2")
}

func TestFilter_SourceAndPriority(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec, WithFilter(Filter{
		Sources:    []string{"trusted"},
		Priorities: []event.Priority{event.PriorityHigh, event.PriorityCritical},
	}))
	require.NoError(t, err)

	// Wrong source.
	require.NoError(t, b.Publish(
		event.New(event.TypeMessage, "other", &event.Message{}).WithPriority(event.PriorityHigh)))
	// Wrong priority.
	require.NoError(t, b.Publish(event.New(event.TypeMessage, "trusted", &event.Message{})))
	// Matches both clauses.
	match := event.New(event.TypeMessage, "trusted", &event.Message{}).WithPriority(event.PriorityCritical)
	require.NoError(t, b.Publish(match))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, match.ID, rec.snapshot()[0].ID)
}

func TestFilter_Targets(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-2", []event.Type{event.TypeMessage}, rec, WithFilter(Filter{
		Targets: []string{"agent-2"},
	}))
	require.NoError(t, err)

	// Untargeted events never match a Targets clause.
	require.NoError(t, b.Publish(event.New(event.TypeMessage, "coordinator", &event.Message{})))
	// Addressed elsewhere.
	require.NoError(t, b.Publish(
		event.New(event.TypeMessage, "coordinator", &event.Message{}).WithTargets("agent-1")))
	// Addressed here.
	match := event.New(event.TypeMessage, "coordinator", &event.Message{}).WithTargets("agent-2")
	require.NoError(t, b.Publish(match))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, match.ID, rec.snapshot()[0].ID)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	id, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscriptions())

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Unsubscribe("never-existed")
	assert.Zero(t, b.Subscriptions())

	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.len())
}

func TestUnsubscribeAll_RemovesEverySubscription(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)
	_, err = b.Subscribe("agent-1", []event.Type{event.TypeBroadcast}, rec)
	require.NoError(t, err)
	_, err = b.Subscribe("agent-2", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	b.UnsubscribeAll("agent-1")
	assert.Equal(t, 1, b.Subscriptions())
}

func TestPauseResume(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	b.Pause()
	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))
	require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.len(), "no delivery while paused")
	assert.Equal(t, 2, b.QueueDepth())

	b.Resume()
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestShutdown_RejectsFurtherPublishes(t *testing.T) {
	b := New(WithStatsInterval(10 * time.Millisecond))
	b.Shutdown()
	b.Shutdown() // idempotent

	err := b.Publish(event.New(event.TypeMessage, "agent-1", &event.Message{}))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestExpiredEventIsNotDelivered(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	ev := event.New(event.TypeMessage, "agent-2", &event.Message{})
	ev.Timestamp = time.Now().UTC().Add(-time.Minute)
	ev.TTL = time.Second
	require.NoError(t, b.Publish(ev))

	live := event.New(event.TypeMessage, "agent-2", &event.Message{})
	require.NoError(t, b.Publish(live))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, live.ID, rec.snapshot()[0].ID)
}

func TestHistory_BoundedAndOrdered(t *testing.T) {
	b := New(WithHistorySize(5), WithStatsInterval(10*time.Millisecond))
	defer b.Shutdown()

	var ids []string
	for i := 0; i < 8; i++ {
		ev := event.New(event.TypeMessage, "agent-1", &event.Message{
			Content: map[string]any{"seq": i},
		})
		ids = append(ids, ev.ID)
		require.NoError(t, b.Publish(ev))
	}

	hist := b.History(0)
	require.Len(t, hist, 5, "history must drop the oldest past capacity")
	for i, ev := range hist {
		assert.Equal(t, ids[3+i], ev.ID)
	}

	limited := b.History(2)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[6], limited[0].ID)
	assert.Equal(t, ids[7], limited[1].ID)
}

func TestHistoryByType(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, b.Publish(event.New(event.TypeMessage, "a", &event.Message{})))
	bc := event.New(event.TypeBroadcast, "a", &event.Broadcast{Topic: "news"})
	require.NoError(t, b.Publish(bc))

	hist := b.HistoryByType(0, event.TypeBroadcast)
	require.Len(t, hist, 1)
	assert.Equal(t, bc.ID, hist[0].ID)
}

func TestStats_TracksActivity(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("agent-1", []event.Type{event.TypeMessage}, rec)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(event.New(event.TypeMessage, "agent-2", &event.Message{})))
	}
	require.Eventually(t, func() bool { return rec.len() == 10 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s := b.Stats()
		return s.Processed == 10 && s.Published == 10 && s.Processing.Samples > 0
	}, time.Second, 10*time.Millisecond)

	s := b.Stats()
	assert.Equal(t, 1, s.ActiveSubscriptions)
	assert.LessOrEqual(t, s.Processing.Min, s.Processing.Max)
}

func TestBroadcast_ReachesAllTypeSubscribers(t *testing.T) {
	b := newTestBus(t)

	recs := make([]*recorder, 3)
	for i := range recs {
		recs[i] = &recorder{}
		_, err := b.Subscribe(fmt.Sprintf("agent-%d", i), []event.Type{event.TypeBroadcast}, recs[i])
		require.NoError(t, err)
	}

	require.NoError(t, b.Broadcast("coordinator", "deploy", map[string]any{"version": "v2"}, "all", nil))

	for i, rec := range recs {
		require.Eventually(t, func() bool { return rec.len() == 1 },
			time.Second, 5*time.Millisecond, "subscriber %d missed the broadcast", i)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	_, err := b.Subscribe("", []event.Type{event.TypeMessage}, rec)
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = b.Subscribe("agent-1", nil, rec)
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = b.Subscribe("agent-1", []event.Type{event.TypeMessage}, nil)
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = b.Subscribe("agent-1", []event.Type{"nope"}, rec)
	assert.ErrorIs(t, err, event.ErrUnknownType)
}
