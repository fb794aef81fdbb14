package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/nova/internal/api/apitest"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/channel/loopback"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/state"
)

type countingRefresher struct{ n atomic.Int32 }

func (c *countingRefresher) RefreshAsync() { c.n.Add(1) }

type fixture struct {
	loop    *loop.Loop
	store   *state.Store
	hub     *loopback.Hub
	ep      *loopback.Endpoint
	api     *apitest.Fake
	refresh *countingRefresher
	bus     *bus.Bus
	sub     *Subscriber
}

func setup(t *testing.T) *fixture {
	t.Helper()
	l := loop.New(nil)
	l.Start()
	t.Cleanup(l.Stop)
	b := bus.New()
	hub := loopback.NewHub(nil)
	ep := hub.Connect()
	t.Cleanup(func() { _ = ep.Close() })
	fx := &fixture{
		loop:    l,
		store:   state.New(b),
		hub:     hub,
		ep:      ep,
		api:     apitest.New(model.User{ID: "me"}),
		refresh: &countingRefresher{},
		bus:     b,
	}
	fx.sub = New(l, fx.store, ep, fx.api, fx.refresh, b, nil)
	t.Cleanup(fx.sub.Close)
	return fx
}

func (fx *fixture) publishMessage(t *testing.T, topic string, m model.Message) {
	t.Helper()
	evt, err := channel.NewEvent(channel.EventNewMessage, channel.NewMessagePayload{Message: m})
	require.NoError(t, err)
	require.NoError(t, fx.hub.Publish(context.Background(), topic, evt))
}

func (fx *fixture) topics() []string {
	ts := fx.ep.Topics()
	sort.Strings(ts)
	return ts
}

func TestDuplicateEventsInsertOnce(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.sub.OpenChat(ctx, "C123"))

	m := model.Message{ID: "m1", ChatID: "C123", Content: "hello", CreatedAt: time.Now()}
	fx.publishMessage(t, "C123", m)
	fx.publishMessage(t, "C123", m)

	require.Eventually(t, func() bool { return len(fx.store.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, fx.loop.Do(ctx, func() {}))

	msgs := fx.store.Snapshot().Messages
	require.Len(t, msgs, 1)
	require.Equal(t, model.Confirmed, msgs[0].State)
	require.EqualValues(t, 1, fx.refresh.n.Load())
}

func TestBareMessagePayloadUsesTopicAsChat(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.sub.OpenChat(ctx, "C123"))

	raw, err := json.Marshal(map[string]any{"_id": "m9", "content": "hi", "sender": map[string]any{"_id": "you"}})
	require.NoError(t, err)
	require.NoError(t, fx.hub.Publish(ctx, "C123", channel.Event{Name: channel.EventNewMessage, Data: raw}))

	require.Eventually(t, func() bool {
		m, ok := fx.store.Snapshot().Message("m9")
		return ok && m.SenderID == "you"
	}, time.Second, 5*time.Millisecond)
}

func TestDecodeMessageAcceptsPlainID(t *testing.T) {
	evt := channel.Event{Topic: "C123", Name: channel.EventNewMessage, Data: json.RawMessage(`{"message":{"id":"m1","content":"hello"}}`)}
	m, err := decodeMessage(evt, "C123")
	require.NoError(t, err)
	require.Equal(t, "m1", m.ID)
	require.Equal(t, "C123", m.ChatID)
	require.Equal(t, "hello", m.Content)
	require.Equal(t, model.Confirmed, m.State)
}

func TestEventForOtherChatOnlyUpdatesSummary(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, fx.loop.Do(ctx, func() {
		fx.store.ReplaceChats([]model.Chat{
			{ID: "C1", LatestMessage: &model.Message{ID: "x", CreatedAt: now}},
			{ID: "C2", LatestMessage: &model.Message{ID: "y", CreatedAt: now.Add(-time.Hour)}},
		})
	}))
	require.NoError(t, fx.sub.OpenChat(ctx, "C1"))

	// Delivered on the user topic, as chat creation and cross-chat events are.
	require.NoError(t, fx.sub.SubscribeToUser(ctx, model.User{ID: "me"}))
	fx.publishMessage(t, channel.UserTopic("me"), model.Message{ID: "m2", ChatID: "C2", Content: "psst", CreatedAt: now.Add(time.Minute)})

	require.Eventually(t, func() bool {
		chats := fx.store.Snapshot().Chats
		return len(chats) == 2 && chats[0].ID == "C2"
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, fx.store.Snapshot().Messages)
	require.Equal(t, "psst", fx.store.Snapshot().Chats[0].LatestMessage.Content)
}

// Scenario D: a stale history fetch is dropped.
func TestStaleFetchIsDropped(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.api.SetMessages("C2", model.Message{ID: "c2-1", ChatID: "C2"})

	release := make(chan struct{})
	started := make(chan struct{})
	fx.api.ListMessagesFn = func(ctx context.Context, chatID string) ([]model.Message, error) {
		if chatID == "C1" {
			close(started)
			<-release
			return []model.Message{{ID: "c1-1", ChatID: "C1"}}, nil
		}
		return []model.Message{{ID: "c2-1", ChatID: "C2", State: model.Confirmed}}, nil
	}

	done := make(chan error, 1)
	go func() { done <- fx.sub.OpenChat(ctx, "C1") }()
	<-started

	require.NoError(t, fx.sub.OpenChat(ctx, "C2"))
	close(release)
	require.NoError(t, <-done)

	snap := fx.store.Snapshot()
	require.Equal(t, "C2", snap.ActiveChatID)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "c2-1", snap.Messages[0].ID)
	require.Equal(t, []string{"C2"}, fx.topics())
}

func TestSwitchingChatsKeepsOneChatSubscription(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.sub.SubscribeToUser(ctx, model.User{ID: "me"}))

	for _, id := range []string{"C1", "C2", "C3"} {
		require.NoError(t, fx.sub.OpenChat(ctx, id))
	}
	require.Equal(t, []string{"C3", "user-me"}, fx.topics())

	require.NoError(t, fx.sub.UnsubscribeChat(ctx, "C3"))
	require.Equal(t, []string{"user-me"}, fx.topics())
}

func TestSubscribeToUserOnlyOnce(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.sub.SubscribeToUser(ctx, model.User{ID: "me", DisplayName: "Me"}))
	require.NoError(t, fx.sub.SubscribeToUser(ctx, model.User{ID: "other"}))

	require.Equal(t, []string{"user-me"}, fx.topics())
	require.Equal(t, "Me", fx.store.Snapshot().Me.DisplayName)
}

func TestFriendNotices(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	notices, unsub := fx.bus.Subscribe("notice.", 8)
	defer unsub()
	require.NoError(t, fx.sub.SubscribeToUser(ctx, model.User{ID: "me"}))

	req, _ := channel.NewEvent(channel.EventFriendRequest, channel.NoticePayload{Message: "Ana sent you a request"})
	acc, _ := channel.NewEvent(channel.EventRequestAccepted, channel.NoticePayload{Message: "Bruno accepted"})
	require.NoError(t, fx.hub.Publish(ctx, "user-me", req))
	require.NoError(t, fx.hub.Publish(ctx, "user-me", acc))

	got := map[string]string{}
	for len(got) < 2 {
		select {
		case evt := <-notices:
			got[evt.Kind] = evt.Payload.(bus.Notice).Text
		case <-time.After(time.Second):
			t.Fatalf("notices missing, got %v", got)
		}
	}
	require.Equal(t, "Ana sent you a request", got[bus.KindNoticeFriendReq])
	require.Equal(t, "Bruno accepted", got[bus.KindNoticeAccepted])
	require.EqualValues(t, 1, fx.refresh.n.Load())
}

func TestReconnectResubscribes(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.sub.SubscribeToUser(ctx, model.User{ID: "me"}))
	require.NoError(t, fx.sub.OpenChat(ctx, "C123"))

	fx.ep.Drop()
	require.Empty(t, fx.topics())
	fx.ep.Restore()

	require.Eventually(t, func() bool {
		ts := fx.topics()
		return len(ts) == 2 && ts[0] == "C123" && ts[1] == "user-me"
	}, time.Second, 5*time.Millisecond)

	fx.publishMessage(t, "C123", model.Message{ID: "m1", ChatID: "C123"})
	require.Eventually(t, func() bool { return len(fx.store.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.sub.OpenChat(ctx, "C123"))

	require.NoError(t, fx.hub.Publish(ctx, "C123", channel.Event{Name: channel.EventNewMessage, Data: json.RawMessage(`{"message":{"content":"no id"}}`)}))
	require.NoError(t, fx.hub.Publish(ctx, "C123", channel.Event{Name: channel.EventNewMessage, Data: json.RawMessage(`[1,2`)}))
	fx.publishMessage(t, "C123", model.Message{ID: "ok", ChatID: "C123"})

	require.Eventually(t, func() bool { return len(fx.store.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "ok", fx.store.Snapshot().Messages[0].ID)
}
