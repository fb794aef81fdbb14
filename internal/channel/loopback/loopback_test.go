package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/model"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []channel.Event
}

func (r *recorder) handle(e channel.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishReachesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	a, b := hub.Connect(), hub.Connect()
	ctx := context.Background()

	var got recorder
	require.NoError(t, b.Subscribe(ctx, "c1", got.handle))

	evt, err := channel.NewEvent(channel.EventNewMessage, channel.NewMessagePayload{
		Message: model.Message{ID: "m1", ChatID: "c1", Content: "hi"},
	})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, "c1", evt))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	require.Equal(t, "c1", got.events[0].Topic)
	var p channel.NewMessagePayload
	require.NoError(t, got.events[0].Decode(&p))
	require.Equal(t, "m1", p.Message.ID)
}

func TestTopicsDoNotLeak(t *testing.T) {
	hub := NewHub(nil)
	ep := hub.Connect()
	ctx := context.Background()

	var c1, c10 recorder
	require.NoError(t, ep.Subscribe(ctx, "c1", c1.handle))
	require.NoError(t, ep.Subscribe(ctx, "c10", c10.handle))

	require.NoError(t, hub.Publish(ctx, "c10", channel.Event{Name: "x"}))
	require.Eventually(t, func() bool { return c10.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, c1.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	ep := hub.Connect()
	ctx := context.Background()

	var got recorder
	require.NoError(t, ep.Subscribe(ctx, "c1", got.handle))
	require.NoError(t, ep.Unsubscribe(ctx, "c1"))
	require.NoError(t, ep.Unsubscribe(ctx, "c1"))
	require.Empty(t, ep.Topics())

	require.NoError(t, hub.Publish(ctx, "c1", channel.Event{Name: "x"}))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, got.count())
}

func TestDropLosesSubscriptionsAndNotifies(t *testing.T) {
	hub := NewHub(nil)
	ep := hub.Connect()
	ctx := context.Background()

	var states []channel.State
	var mu sync.Mutex
	remove := ep.OnStateChange(func(s channel.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer remove()

	var got recorder
	require.NoError(t, ep.Subscribe(ctx, "c1", got.handle))

	ep.Drop()
	require.Empty(t, ep.Topics())
	require.ErrorIs(t, ep.Subscribe(ctx, "c1", got.handle), model.ErrNotConnected)
	require.NoError(t, hub.Publish(ctx, "c1", channel.Event{Name: "x"}))

	ep.Restore()
	require.NoError(t, ep.Subscribe(ctx, "c1", got.handle))
	require.NoError(t, hub.Publish(ctx, "c1", channel.Event{Name: "y"}))
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []channel.State{channel.Disconnected, channel.Connected}, states)
}
