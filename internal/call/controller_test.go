package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/nova/internal/api/apitest"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/channel/loopback"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/media"
	"github.com/matheus3301/nova/internal/media/headless"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/reconcile"
	"github.com/matheus3301/nova/internal/state"
)

const chatID = "C123"

type noRefresh struct{}

func (noRefresh) RefreshAsync() {}

type party struct {
	me    model.User
	loop  *loop.Loop
	store *state.Store
	ep    *loopback.Endpoint
	acq   *headless.Acquirer
	peers *headless.Factory
	api   *apitest.Fake
	bus   *bus.Bus
	ctl   *Controller
}

func newParty(t *testing.T, hub *loopback.Hub, id string) *party {
	t.Helper()
	p := &party{
		me:    model.User{ID: id, DisplayName: "User " + id},
		loop:  loop.New(nil),
		ep:    hub.Connect(),
		acq:   &headless.Acquirer{},
		peers: &headless.Factory{},
		bus:   bus.New(),
	}
	p.loop.Start()
	t.Cleanup(p.loop.Stop)
	p.store = state.New(p.bus)
	p.api = apitest.New(p.me)
	rec := reconcile.New(p.loop, p.store, p.api, noRefresh{}, p.bus, nil)
	p.ctl = New(p.loop, p.store, p.ep, p.acq, p.peers, rec, p.bus, nil)
	t.Cleanup(p.ctl.Close)

	require.NoError(t, p.loop.Do(context.Background(), func() {
		p.store.SetMe(p.me)
		p.store.SetActiveChat(chatID)
	}))
	require.NoError(t, p.ctl.Listen(context.Background()))
	return p
}

func (p *party) state() model.CallState {
	c := p.store.Snapshot().Call
	if c == nil {
		return model.CallIdle
	}
	return c.State
}

func (p *party) waitState(t *testing.T, want model.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return p.state() == want }, 2*time.Second, 5*time.Millisecond,
		"%s never reached %s (now %s)", p.me.ID, want, p.state())
}

func (p *party) assertReleased(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range p.acq.Streams() {
			if !s.Released() {
				return false
			}
		}
		for _, peer := range p.peers.Peers() {
			if !peer.Closed() {
				return false
			}
			if r := peer.Remote(); r != nil && !r.Released() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "media of %s not released", p.me.ID)
}

func (p *party) markers() []model.Message {
	var out []model.Message
	for _, m := range p.store.Snapshot().Messages {
		if m.Kind == model.KindCallMarker {
			out = append(out, m)
		}
	}
	return out
}

func publishSignal(t *testing.T, hub *loopback.Hub, to, name string, p channel.SignalPayload) {
	t.Helper()
	evt, err := channel.NewEvent(name, p)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), channel.SignalTopic(to), evt))
}

func offer() json.RawMessage {
	return json.RawMessage(`{"type":"offer","sdp":"remote"}`)
}

// Scenario C.
func TestCallLifecycle(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", true))
	require.Equal(t, model.CallOutgoingRinging, a.state())

	b.waitState(t, model.CallIncomingRinging)
	incoming := b.store.Snapshot().Call
	require.Equal(t, "a", incoming.PeerID)
	require.True(t, incoming.Video)
	require.Equal(t, a.store.Snapshot().Call.Token, incoming.Token)

	require.NoError(t, b.ctl.Accept(ctx))
	require.Equal(t, model.CallConnected, b.state())
	a.waitState(t, model.CallConnected)

	require.NoError(t, a.ctl.HangUp(ctx))
	require.Nil(t, a.store.Snapshot().Call)
	b.waitState(t, model.CallIdle)

	a.assertReleased(t)
	b.assertReleased(t)

	require.Eventually(t, func() bool { return len(a.markers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, a.markers()[0].Content, "Video call ended")
	require.Len(t, a.api.History(chatID), 1)
	require.Empty(t, b.api.History(chatID), "only the caller writes the marker")

	// A new call is possible afterwards.
	require.NoError(t, b.ctl.StartCall(ctx, chatID, "a", false))
	a.waitState(t, model.CallIncomingRinging)
	require.NoError(t, b.ctl.HangUp(ctx))
	a.waitState(t, model.CallIdle)
}

func TestSecondCallIsRejectedWhileBusy(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	require.ErrorIs(t, a.ctl.StartCall(ctx, chatID, "b", false), model.ErrBusy)

	token := a.store.Snapshot().Call.Token
	publishSignal(t, hub, "a", channel.EventCallOffer, channel.SignalPayload{
		Token: "someone-else", ChatID: "C9", From: model.User{ID: "c"}, Signal: offer(),
	})
	require.NoError(t, a.loop.Do(ctx, func() {}))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.loop.Do(ctx, func() {}))

	call := a.store.Snapshot().Call
	require.Equal(t, model.CallOutgoingRinging, call.State)
	require.Equal(t, token, call.Token)
}

type gatedAcquirer struct {
	inner   *headless.Acquirer
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAcquirer) Acquire(ctx context.Context, video bool) (media.Stream, error) {
	close(g.entered)
	<-g.release
	return g.inner.Acquire(ctx, video)
}

func TestStartCallReservesBeforeMedia(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	newParty(t, hub, "b")
	ctx := context.Background()

	gate := &gatedAcquirer{inner: a.acq, entered: make(chan struct{}), release: make(chan struct{})}
	a.ctl.media = gate

	done := make(chan error, 1)
	go func() { done <- a.ctl.StartCall(ctx, chatID, "b", false) }()
	<-gate.entered

	require.ErrorIs(t, a.ctl.StartCall(ctx, chatID, "b", false), model.ErrBusy)
	require.Equal(t, model.CallIdle, a.state())

	// Hanging up during setup wins; the acquired stream is released.
	require.NoError(t, a.ctl.HangUp(ctx))
	close(gate.release)
	require.ErrorIs(t, <-done, model.ErrNoCall)
	a.assertReleased(t)
	require.Nil(t, a.store.Snapshot().Call)
}

func TestCallerMediaFailureNeverContactsPeer(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()

	denied := errors.New("permission denied")
	a.acq.Err = denied
	err := a.ctl.StartCall(ctx, chatID, "b", true)
	var merr *model.MediaError
	require.ErrorAs(t, err, &merr)
	require.ErrorIs(t, err, denied)
	require.Nil(t, a.store.Snapshot().Call)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, model.CallIdle, b.state())

	a.acq.Err = nil
	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", true))
}

func TestCalleeMediaFailureReturnsToIdle(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	b.waitState(t, model.CallIncomingRinging)

	b.acq.Err = errors.New("no camera")
	var merr *model.MediaError
	require.ErrorAs(t, b.ctl.Accept(ctx), &merr)
	require.Equal(t, model.CallIdle, b.state())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, model.CallOutgoingRinging, a.state())
}

func TestDeclineEndsBothSides(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()
	notices, unsub := a.bus.Subscribe(bus.KindNoticeCall, 4)
	defer unsub()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	b.waitState(t, model.CallIncomingRinging)
	require.NoError(t, b.ctl.Decline(ctx))
	require.Equal(t, model.CallIdle, b.state())

	a.waitState(t, model.CallIdle)
	a.assertReleased(t)
	select {
	case evt := <-notices:
		require.Equal(t, "Call declined", evt.Payload.(bus.Notice).Text)
	case <-time.After(time.Second):
		t.Fatal("no call notice")
	}
	require.Empty(t, a.markers(), "unanswered calls leave no marker")
}

func TestLateSignalsAreDiscarded(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	old := a.store.Snapshot().Call.Token
	b.waitState(t, model.CallIncomingRinging)
	require.NoError(t, a.ctl.HangUp(ctx))
	b.waitState(t, model.CallIdle)

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	current := a.store.Snapshot().Call.Token
	require.NotEqual(t, old, current)

	publishSignal(t, hub, "a", channel.EventCallAnswer, channel.SignalPayload{Token: old, Signal: json.RawMessage(`{"type":"answer"}`)})
	publishSignal(t, hub, "a", channel.EventCallEnd, channel.SignalPayload{Token: old})
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.loop.Do(ctx, func() {}))

	call := a.store.Snapshot().Call
	require.NotNil(t, call)
	require.Equal(t, current, call.Token)
	require.Equal(t, model.CallOutgoingRinging, call.State)
}

func (p *party) settle(t *testing.T) {
	t.Helper()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, p.loop.Do(context.Background(), func() {}))
}

func incomingOffer(token string) channel.SignalPayload {
	return channel.SignalPayload{Token: token, ChatID: chatID, From: model.User{ID: "a", DisplayName: "User a"}, Signal: offer()}
}

// Regression: an at-least-once channel may deliver the offer again after
// the callee declined; it must not ring a second time.
func TestRedeliveredOfferAfterDeclineStaysIdle(t *testing.T) {
	hub := loopback.NewHub(nil)
	b := newParty(t, hub, "b")
	ctx := context.Background()

	publishSignal(t, hub, "b", channel.EventCallOffer, incomingOffer("t1"))
	b.waitState(t, model.CallIncomingRinging)
	require.NoError(t, b.ctl.Decline(ctx))
	require.Equal(t, model.CallIdle, b.state())

	publishSignal(t, hub, "b", channel.EventCallOffer, incomingOffer("t1"))
	b.settle(t)
	require.Nil(t, b.store.Snapshot().Call)

	publishSignal(t, hub, "b", channel.EventCallOffer, incomingOffer("t2"))
	b.waitState(t, model.CallIncomingRinging)
}

func TestEndOvertakingOfferStaysIdle(t *testing.T) {
	hub := loopback.NewHub(nil)
	b := newParty(t, hub, "b")

	publishSignal(t, hub, "b", channel.EventCallEnd, channel.SignalPayload{Token: "t2"})
	b.settle(t)
	publishSignal(t, hub, "b", channel.EventCallOffer, incomingOffer("t2"))
	b.settle(t)
	require.Nil(t, b.store.Snapshot().Call)
	require.Empty(t, b.peers.Peers())
}

func TestEndedSetEvictsOldest(t *testing.T) {
	e := newEndedSet(2)
	e.add("a")
	e.add("b")
	e.add("b")
	require.True(t, e.has("a"))

	e.add("c")
	require.False(t, e.has("a"))
	require.True(t, e.has("b"))
	require.True(t, e.has("c"))

	e.add("")
	require.False(t, e.has(""))
}

func TestMalformedAnswerEndsCall(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	b.waitState(t, model.CallIncomingRinging)
	token := a.store.Snapshot().Call.Token

	publishSignal(t, hub, "a", channel.EventCallAnswer, channel.SignalPayload{Token: token, Signal: json.RawMessage(`"garbage"`)})
	a.waitState(t, model.CallIdle)
	a.assertReleased(t)
	b.waitState(t, model.CallIdle)
}

func TestUndecodableSignalForLiveSessionEndsCall(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	token := a.store.Snapshot().Call.Token

	raw := json.RawMessage(`{"token":"` + token + `","sentAt":"yesterday"}`)
	require.NoError(t, hub.Publish(ctx, channel.SignalTopic("a"), channel.Event{Name: channel.EventCallAnswer, Data: raw}))
	a.waitState(t, model.CallIdle)

	// Garbage without a token cannot belong to anyone and changes nothing.
	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	require.NoError(t, hub.Publish(ctx, channel.SignalTopic("a"), channel.Event{Name: channel.EventCallEnd, Data: json.RawMessage(`nope`)}))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.loop.Do(ctx, func() {}))
	require.Equal(t, model.CallOutgoingRinging, a.state())
}

func TestPeerFailureEndsAndNotifies(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	b.waitState(t, model.CallIncomingRinging)
	require.NoError(t, b.ctl.Accept(ctx))
	a.waitState(t, model.CallConnected)

	a.peers.Peers()[0].Fail(errors.New("ice failed"))
	a.waitState(t, model.CallIdle)
	b.waitState(t, model.CallIdle)
	a.assertReleased(t)
	b.assertReleased(t)
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	hub := loopback.NewHub(nil)
	b := newParty(t, hub, "b")
	ctx := context.Background()

	p := channel.SignalPayload{Token: "t1", ChatID: chatID, From: model.User{ID: "a"}, Signal: offer()}
	publishSignal(t, hub, "b", channel.EventCallOffer, p)
	b.waitState(t, model.CallIncomingRinging)

	publishSignal(t, hub, "b", channel.EventCallOffer, p)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.loop.Do(ctx, func() {}))

	require.Equal(t, "t1", b.store.Snapshot().Call.Token)
	require.NoError(t, b.ctl.Accept(ctx))
	require.Equal(t, model.CallConnected, b.state())
}

func TestOperationsWithoutCall(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	newParty(t, hub, "b")
	ctx := context.Background()

	require.ErrorIs(t, a.ctl.HangUp(ctx), model.ErrNoCall)
	require.ErrorIs(t, a.ctl.Accept(ctx), model.ErrNoCall)
	require.ErrorIs(t, a.ctl.Decline(ctx), model.ErrNoCall)

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "b", false))
	require.ErrorIs(t, a.ctl.Accept(ctx), model.ErrInvalidTransition)
	require.ErrorIs(t, a.ctl.Decline(ctx), model.ErrInvalidTransition)
}

func TestCalleeFromChat(t *testing.T) {
	hub := loopback.NewHub(nil)
	a := newParty(t, hub, "a")
	b := newParty(t, hub, "b")
	ctx := context.Background()
	require.NoError(t, a.loop.Do(ctx, func() {
		a.store.ReplaceChats([]model.Chat{{ID: chatID, Participants: []model.User{{ID: "a"}, {ID: "b"}}}})
	}))

	require.NoError(t, a.ctl.StartCall(ctx, chatID, "", false))
	b.waitState(t, model.CallIncomingRinging)

	require.NoError(t, a.ctl.HangUp(ctx))
	require.Error(t, a.ctl.StartCall(ctx, "unknown", "", false))
}

func TestTransitionTable(t *testing.T) {
	require.NoError(t, checkTransition(model.CallIdle, model.CallOutgoingRinging))
	require.NoError(t, checkTransition(model.CallIncomingRinging, model.CallConnected))
	require.NoError(t, checkTransition(model.CallConnected, model.CallEnded))
	require.NoError(t, checkTransition(model.CallEnded, model.CallIdle))
	require.ErrorIs(t, checkTransition(model.CallIdle, model.CallConnected), model.ErrInvalidTransition)
	require.ErrorIs(t, checkTransition(model.CallConnected, model.CallIncomingRinging), model.ErrInvalidTransition)
	require.ErrorIs(t, checkTransition(model.CallEnded, model.CallConnected), model.ErrInvalidTransition)
}

func TestMarkerText(t *testing.T) {
	require.Equal(t, "Voice call ended · 1m5s", markerText(false, 65*time.Second+300*time.Millisecond))
	require.Equal(t, "Video call ended · 0s", markerText(true, 0))
}
