package store

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/channel/loopback"
	"github.com/matheus3301/nova/internal/model"
	"github.com/stretchr/testify/require"
)

type backendFixture struct {
	db     *DB
	hub    *loopback.Hub
	alice  *Backend
	bob    *Backend
	chatID string
}

func newBackendFixture(t *testing.T) *backendFixture {
	t.Helper()
	db := testDB(t)
	seedUsers(t, db, "alice", "bob", "carol")
	chatID, _, err := db.EnsureChat("alice", "bob")
	require.NoError(t, err)
	hub := loopback.NewHub(bus.New())
	alice := NewBackend(db, "alice", hub, nil)
	return &backendFixture{db: db, hub: hub, alice: alice, bob: alice.As("bob"), chatID: chatID}
}

// listen subscribes a fresh endpoint to topic and returns received events.
func (f *backendFixture) listen(t *testing.T, topic string) <-chan channel.Event {
	t.Helper()
	ep := f.hub.Connect()
	t.Cleanup(func() { _ = ep.Close() })
	out := make(chan channel.Event, 8)
	require.NoError(t, ep.Subscribe(context.Background(), topic, func(e channel.Event) { out <- e }))
	return out
}

func recv(t *testing.T, ch <-chan channel.Event) channel.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return channel.Event{}
	}
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var pe *model.PersistenceError
	require.ErrorAs(t, err, &pe)
	return pe.Status
}

func TestBackendCreateMessagePublishes(t *testing.T) {
	f := newBackendFixture(t)
	ctx := context.Background()
	chatEvents := f.listen(t, channel.ChatTopic(f.chatID))
	bobEvents := f.listen(t, channel.UserTopic("bob"))

	m, err := f.alice.CreateMessage(ctx, api.Draft{ChatID: f.chatID, Content: "hi bob"})
	require.NoError(t, err)
	require.Equal(t, "alice", m.SenderID)
	require.Equal(t, model.Confirmed, m.State)

	for _, ch := range []<-chan channel.Event{chatEvents, bobEvents} {
		evt := recv(t, ch)
		require.Equal(t, channel.EventNewMessage, evt.Name)
		var p channel.NewMessagePayload
		require.NoError(t, evt.Decode(&p))
		require.Equal(t, m.ID, p.Message.ID)
		require.Equal(t, f.chatID, p.Message.ChatID)
	}

	msgs, err := f.bob.ListMessages(ctx, f.chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi bob", msgs[0].Content)
}

func TestBackendRejectsOutsiders(t *testing.T) {
	f := newBackendFixture(t)
	ctx := context.Background()
	carol := f.alice.As("carol")

	_, err := carol.ListMessages(ctx, f.chatID)
	require.Equal(t, http.StatusForbidden, statusOf(t, err))

	_, err = carol.CreateMessage(ctx, api.Draft{ChatID: f.chatID, Content: "let me in"})
	require.Equal(t, http.StatusForbidden, statusOf(t, err))

	_, err = f.alice.ListMessages(ctx, "missing")
	require.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = f.alice.CreateMessage(ctx, api.Draft{ChatID: f.chatID, Content: "  "})
	require.ErrorIs(t, err, model.ErrEmptyMessage)
}

func TestBackendDeleteForEveryoneRequiresSender(t *testing.T) {
	f := newBackendFixture(t)
	ctx := context.Background()
	m, err := f.alice.CreateMessage(ctx, api.Draft{ChatID: f.chatID, Content: "oops"})
	require.NoError(t, err)

	err = f.bob.DeleteMessage(ctx, m.ID, model.ForEveryone)
	require.ErrorIs(t, err, model.ErrNotSender)
	require.Equal(t, http.StatusForbidden, statusOf(t, err))

	require.NoError(t, f.bob.DeleteMessage(ctx, m.ID, model.ForMe))
	bobView, _ := f.bob.ListMessages(ctx, f.chatID)
	require.Empty(t, bobView)
	aliceView, _ := f.alice.ListMessages(ctx, f.chatID)
	require.Len(t, aliceView, 1)

	require.NoError(t, f.alice.DeleteMessage(ctx, m.ID, model.ForEveryone))
	aliceView, _ = f.alice.ListMessages(ctx, f.chatID)
	require.Empty(t, aliceView)

	err = f.alice.DeleteMessage(ctx, m.ID, "sideways")
	require.ErrorIs(t, err, model.ErrInvalidScope)
}

func TestBackendFriendRequestFlow(t *testing.T) {
	f := newBackendFixture(t)
	ctx := context.Background()
	carol := f.alice.As("carol")
	aliceEvents := f.listen(t, channel.UserTopic("alice"))
	carolEvents := f.listen(t, channel.UserTopic("carol"))

	r, err := f.alice.SendFriendRequest(ctx, "carol")
	require.NoError(t, err)
	evt := recv(t, carolEvents)
	require.Equal(t, channel.EventFriendRequest, evt.Name)
	var notice channel.NoticePayload
	require.NoError(t, evt.Decode(&notice))
	require.Equal(t, "User alice sent you a friend request", notice.Message)

	err = f.bob.RespondFriend(ctx, r.ID, true)
	require.Equal(t, http.StatusForbidden, statusOf(t, err))

	require.NoError(t, carol.RespondFriend(ctx, r.ID, true))
	evt = recv(t, aliceEvents)
	require.Equal(t, channel.EventRequestAccepted, evt.Name)

	chats, err := carol.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.True(t, chats[0].Has("alice"))

	err = carol.RespondFriend(ctx, r.ID, false)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestBackendCurrentUser(t *testing.T) {
	f := newBackendFixture(t)

	u, err := f.alice.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "User alice", u.DisplayName)

	_, err = f.alice.As("ghost").CurrentUser(context.Background())
	require.Equal(t, http.StatusNotFound, statusOf(t, err))
}
