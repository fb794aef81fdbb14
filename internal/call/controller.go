// Package call drives one-to-one call setup over the signaling channel.
//
// At most one call session exists at a time. A session is reserved as soon
// as a call starts, before local media is acquired, so a second StartCall or
// an inbound offer is refused while the first one is still being set up.
// Every signal carries the session token; signals for any other token are
// late or foreign and are discarded.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/media"
	"github.com/matheus3301/nova/internal/metrics"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/state"
)

// End reasons carried by call-end.
const (
	ReasonHangup   = "hangup"
	ReasonDeclined = "declined"
	ReasonFailed   = "failed"
)

// MarkerSender appends a call marker to a chat's history.
type MarkerSender interface {
	SendMarker(ctx context.Context, chatID, content string) error
}

type session struct {
	token     string
	chatID    string
	peerID    string
	initiator bool
	video     bool
	state     model.CallState

	local  media.Stream
	remote media.Stream
	peer   media.Peer

	// pending is the remote offer awaiting Accept.
	pending json.RawMessage
	// outbound is a local signal emitted before the peer was installed.
	outbound    json.RawMessage
	signaled    bool
	accepting   bool
	connectedAt time.Time
}

// contacted reports whether the remote side knows about the session.
func (s *session) contacted() bool {
	return !s.initiator || s.signaled
}

// Controller is the call signaling state machine.
type Controller struct {
	loop   *loop.Loop
	store  *state.Store
	ch     channel.Channel
	media  media.Acquirer
	peers  media.PeerFactory
	marker MarkerSender
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	stopOnce sync.Once
	unhook   func()

	// loop-owned
	sess        *session
	ended       *endedSet
	listenTopic string
}

// New creates a controller. marker may be nil, in which case no call
// markers are written.
func New(l *loop.Loop, s *state.Store, ch channel.Channel, acq media.Acquirer, peers media.PeerFactory, marker MarkerSender, b *bus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		loop:   l,
		store:  s,
		ch:     ch,
		media:  acq,
		peers:  peers,
		marker: marker,
		bus:    b,
		logger: logger.Named("call"),
		now:    time.Now,
		ended:  newEndedSet(endedCap),
	}
	c.unhook = ch.OnStateChange(c.onState)
	return c
}

// Close stops watching the signaling channel state.
func (c *Controller) Close() {
	c.stopOnce.Do(c.unhook)
}

// Listen binds the current user's signaling topic.
func (c *Controller) Listen(ctx context.Context) error {
	topic, err := loop.Call(ctx, c.loop, func() string {
		me := c.store.Me()
		if me.ID == "" {
			return ""
		}
		c.listenTopic = channel.SignalTopic(me.ID)
		return c.listenTopic
	})
	if err != nil {
		return err
	}
	if topic == "" {
		return errors.New("call: current user unknown")
	}
	return c.ch.Subscribe(ctx, topic, c.handler)
}

type reservation struct {
	token string
	err   error
}

// StartCall rings calleeID in chatID. When calleeID is empty the other
// participant of the chat is called. It returns once the offer is on its
// way and the session is outgoing_ringing.
func (c *Controller) StartCall(ctx context.Context, chatID, calleeID string, video bool) error {
	r, err := loop.Call(ctx, c.loop, func() reservation {
		if c.sess != nil {
			return reservation{err: model.ErrBusy}
		}
		me := c.store.Me()
		if me.ID == "" {
			return reservation{err: errors.New("call: current user unknown")}
		}
		callee := calleeID
		if callee == "" {
			if chat, ok := c.store.Chat(chatID); ok {
				callee = chat.Other(me.ID).ID
			}
		}
		if chatID == "" || callee == "" || callee == me.ID {
			return reservation{err: fmt.Errorf("call: no callee in chat %q", chatID)}
		}
		c.sess = &session{
			token:     uuid.NewString(),
			chatID:    chatID,
			peerID:    callee,
			initiator: true,
			video:     video,
			state:     model.CallIdle,
		}
		return reservation{token: c.sess.token}
	})
	if err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	settle := context.WithoutCancel(ctx)

	local, err := c.media.Acquire(ctx, video)
	if err != nil {
		merr := &model.MediaError{Err: err}
		c.abort(settle, r.token, merr)
		return merr
	}
	peer, err := c.peers.NewPeer(true, local, c.peerEvents(r.token))
	if err != nil {
		local.Release()
		merr := &model.MediaError{Err: err}
		c.abort(settle, r.token, merr)
		return merr
	}

	installed, err := loop.Call(settle, c.loop, func() bool {
		s := c.current(r.token)
		if s == nil {
			return false
		}
		s.local, s.peer = local, peer
		c.transition(s, model.CallOutgoingRinging)
		c.flushOutbound(s)
		return true
	})
	if err != nil || !installed {
		local.Release()
		_ = peer.Close()
		if err == nil {
			err = model.ErrNoCall
		}
		return err
	}
	return nil
}

type acceptStart struct {
	token   string
	video   bool
	pending json.RawMessage
	err     error
}

// Accept answers the ringing inbound call.
func (c *Controller) Accept(ctx context.Context) error {
	st, err := loop.Call(ctx, c.loop, func() acceptStart {
		s := c.sess
		if s == nil {
			return acceptStart{err: model.ErrNoCall}
		}
		if s.state != model.CallIncomingRinging || s.accepting {
			return acceptStart{err: fmt.Errorf("%w: accept in %s", model.ErrInvalidTransition, s.state)}
		}
		s.accepting = true
		return acceptStart{token: s.token, video: s.video, pending: s.pending}
	})
	if err != nil {
		return err
	}
	if st.err != nil {
		return st.err
	}
	settle := context.WithoutCancel(ctx)

	local, err := c.media.Acquire(ctx, st.video)
	if err != nil {
		merr := &model.MediaError{Err: err}
		c.abort(settle, st.token, merr)
		return merr
	}
	peer, err := c.peers.NewPeer(false, local, c.peerEvents(st.token))
	if err != nil {
		local.Release()
		merr := &model.MediaError{Err: err}
		c.abort(settle, st.token, merr)
		return merr
	}
	if err := peer.Signal(st.pending); err != nil {
		local.Release()
		_ = peer.Close()
		serr := &model.SignalingError{Event: channel.EventCallOffer, Err: err}
		_ = c.loop.Do(settle, func() {
			if s := c.current(st.token); s != nil {
				c.fail(s, serr)
			}
		})
		return serr
	}

	installed, err := loop.Call(settle, c.loop, func() bool {
		s := c.current(st.token)
		if s == nil {
			return false
		}
		s.local, s.peer, s.pending = local, peer, nil
		s.connectedAt = c.now()
		c.transition(s, model.CallConnected)
		c.flushOutbound(s)
		return true
	})
	if err != nil || !installed {
		local.Release()
		_ = peer.Close()
		if err == nil {
			err = model.ErrNoCall
		}
		return err
	}
	return nil
}

// Decline rejects the ringing inbound call.
func (c *Controller) Decline(ctx context.Context) error {
	res, err := loop.Call(ctx, c.loop, func() error {
		s := c.sess
		if s == nil {
			return model.ErrNoCall
		}
		if s.state != model.CallIncomingRinging || s.accepting {
			return fmt.Errorf("%w: decline in %s", model.ErrInvalidTransition, s.state)
		}
		c.finish(s, ReasonDeclined, true)
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// HangUp ends the current call in whatever state it is.
func (c *Controller) HangUp(ctx context.Context) error {
	res, err := loop.Call(ctx, c.loop, func() error {
		s := c.sess
		if s == nil {
			return model.ErrNoCall
		}
		c.finish(s, ReasonHangup, s.contacted())
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// current returns the live session if it carries token.
func (c *Controller) current(token string) *session {
	if c.sess == nil || c.sess.token != token {
		return nil
	}
	return c.sess
}

// abort drops a session whose setup failed locally. The peer is not told.
func (c *Controller) abort(ctx context.Context, token string, err error) {
	c.logger.Warn("call setup failed", zap.Error(err))
	_ = c.loop.Do(ctx, func() {
		s := c.current(token)
		if s == nil {
			return
		}
		c.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Call failed", ChatID: s.chatID, Err: err})
		c.finish(s, ReasonFailed, false)
	})
}

// fail ends s after a signaling or peer failure.
func (c *Controller) fail(s *session, err error) {
	c.logger.Warn("call failed", zap.String("token", s.token), zap.Error(err))
	c.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Call failed", ChatID: s.chatID, Err: err})
	c.finish(s, ReasonFailed, s.contacted())
}

func (c *Controller) transition(s *session, to model.CallState) {
	if err := checkTransition(s.state, to); err != nil {
		c.logger.Error("call transition rejected", zap.Error(err))
		return
	}
	metrics.CallTransitions.WithLabelValues(string(s.state), string(to)).Inc()
	s.state = to
	info := c.info(s)
	c.store.SetCall(&info)
	c.bus.Emit(bus.KindCallStateChanged, info)
}

// finish moves s to ended, releases everything it owns and discards it.
func (c *Controller) finish(s *session, reason string, notify bool) {
	from := s.state
	c.transition(s, model.CallEnded)

	if s.local != nil {
		s.local.Release()
	}
	if s.remote != nil {
		s.remote.Release()
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			c.logger.Debug("peer close", zap.Error(err))
		}
	}
	c.sess = nil
	c.ended.add(s.token)
	metrics.CallTransitions.WithLabelValues(string(model.CallEnded), string(model.CallIdle)).Inc()
	c.store.SetCall(nil)
	c.bus.Emit(bus.KindCallStateChanged, model.CallInfo{Token: s.token, ChatID: s.chatID, PeerID: s.peerID, State: model.CallIdle})
	c.logger.Info("call ended", zap.String("token", s.token), zap.String("from", string(from)), zap.String("reason", reason))

	if notify {
		c.publish(s, channel.EventCallEnd, channel.SignalPayload{Reason: reason})
	}
	if from == model.CallConnected {
		d := c.now().Sub(s.connectedAt)
		metrics.CallDuration.Observe(d.Seconds())
		if s.initiator && c.marker != nil {
			chatID, text := s.chatID, markerText(s.video, d)
			c.loop.Spawn(func(ctx context.Context) {
				if err := c.marker.SendMarker(ctx, chatID, text); err != nil {
					c.logger.Warn("call marker not stored", zap.String("chat", chatID), zap.Error(err))
				}
			})
		}
	}
}

func markerText(video bool, d time.Duration) string {
	kind := "Voice call"
	if video {
		kind = "Video call"
	}
	return fmt.Sprintf("%s ended · %s", kind, d.Round(time.Second))
}

func (c *Controller) info(s *session) model.CallInfo {
	return model.CallInfo{
		Token:       s.token,
		ChatID:      s.chatID,
		PeerID:      s.peerID,
		Initiator:   s.initiator,
		Video:       s.video,
		State:       s.state,
		ConnectedAt: s.connectedAt,
	}
}

// publish sends a signaling event about s to the peer in the background.
// Token, chat, sender and video are filled from s.
func (c *Controller) publish(s *session, name string, p channel.SignalPayload) {
	p.Token = s.token
	p.ChatID = s.chatID
	p.From = c.store.Me()
	p.Video = s.video
	p.SentAt = c.now()
	topic, token := channel.SignalTopic(s.peerID), s.token
	c.loop.Spawn(func(ctx context.Context) {
		evt, err := channel.NewEvent(name, p)
		if err == nil {
			err = c.ch.Publish(ctx, topic, evt)
		}
		if err == nil {
			return
		}
		c.logger.Warn("signal not delivered", zap.String("event", name), zap.String("topic", topic), zap.Error(err))
		if name == channel.EventCallEnd {
			return
		}
		c.loop.Post(func() {
			if s := c.current(token); s != nil {
				c.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Call failed", ChatID: s.chatID, Err: err})
				c.finish(s, ReasonFailed, false)
			}
		})
	})
}

func (c *Controller) flushOutbound(s *session) {
	if s.outbound == nil || s.signaled {
		return
	}
	data := s.outbound
	s.outbound = nil
	c.sendLocalSignal(s, data)
}

func (c *Controller) sendLocalSignal(s *session, data json.RawMessage) {
	s.signaled = true
	name := channel.EventCallAnswer
	if s.initiator {
		name = channel.EventCallOffer
	}
	c.publish(s, name, channel.SignalPayload{Signal: data})
}

// post delivers peer callbacks to the loop without blocking the peer,
// which may call back from inside Signal on the loop goroutine.
func (c *Controller) post(fn func()) {
	c.loop.Spawn(func(context.Context) { c.loop.Post(fn) })
}

func (c *Controller) peerEvents(token string) media.PeerEvents {
	return media.PeerEvents{
		OnSignal: func(data json.RawMessage) {
			c.post(func() { c.onLocalSignal(token, data) })
		},
		OnStream: func(st media.Stream) {
			c.post(func() { c.onRemoteStream(token, st) })
		},
		OnError: func(err error) {
			c.post(func() {
				if s := c.current(token); s != nil {
					c.fail(s, err)
				}
			})
		},
	}
}

// onLocalSignal publishes the first signal of the local peer. Later ones
// are dropped: descriptions are exchanged once, without trickling.
func (c *Controller) onLocalSignal(token string, data json.RawMessage) {
	s := c.current(token)
	if s == nil || s.signaled || s.outbound != nil {
		return
	}
	if s.peer == nil {
		s.outbound = data
		return
	}
	c.sendLocalSignal(s, data)
}

func (c *Controller) onRemoteStream(token string, st media.Stream) {
	s := c.current(token)
	if s == nil {
		st.Release()
		return
	}
	if s.remote != nil && s.remote != st {
		s.remote.Release()
	}
	s.remote = st
}

func (c *Controller) handler(evt channel.Event) {
	metrics.EventsReceived.WithLabelValues(evt.Name).Inc()
	c.loop.Post(func() { c.onSignal(evt) })
}

func (c *Controller) onSignal(evt channel.Event) {
	var head struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(evt.Data, &head); err != nil || head.Token == "" {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping signal without token", zap.String("event", evt.Name))
		return
	}
	if c.ended.has(head.Token) {
		metrics.EventsDropped.WithLabelValues("late_signal").Inc()
		c.logger.Debug("dropping signal of ended call", zap.String("event", evt.Name), zap.String("token", head.Token))
		return
	}
	s := c.current(head.Token)

	var p channel.SignalPayload
	if err := evt.Decode(&p); err != nil {
		if s != nil {
			c.fail(s, &model.SignalingError{Event: evt.Name, Err: err})
		}
		return
	}

	switch evt.Name {
	case channel.EventCallOffer:
		c.onOffer(s, p)
	case channel.EventCallAnswer:
		if s == nil {
			metrics.EventsDropped.WithLabelValues("late_signal").Inc()
			return
		}
		if s.state != model.CallOutgoingRinging {
			return
		}
		if len(p.Signal) == 0 {
			c.fail(s, &model.SignalingError{Event: evt.Name, Err: errors.New("empty signal")})
			return
		}
		if err := s.peer.Signal(p.Signal); err != nil {
			c.fail(s, &model.SignalingError{Event: evt.Name, Err: err})
			return
		}
		s.connectedAt = c.now()
		c.transition(s, model.CallConnected)
	case channel.EventCallEnd:
		if s == nil {
			// The end may overtake its offer.
			c.ended.add(head.Token)
			metrics.EventsDropped.WithLabelValues("late_signal").Inc()
			return
		}
		text := "Call ended"
		if p.Reason == ReasonDeclined {
			text = "Call declined"
		}
		c.bus.Emit(bus.KindNoticeCall, bus.Notice{Text: text, ChatID: s.chatID})
		c.finish(s, p.Reason, false)
	default:
		c.logger.Debug("ignoring signal", zap.String("event", evt.Name))
	}
}

func (c *Controller) onOffer(live *session, p channel.SignalPayload) {
	if live != nil {
		// Redelivered offer of the current session.
		return
	}
	if c.sess != nil {
		metrics.EventsDropped.WithLabelValues("busy").Inc()
		c.logger.Info("ignoring offer while busy", zap.String("from", p.From.ID))
		return
	}
	if len(p.Signal) == 0 || p.From.ID == "" || p.ChatID == "" {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping incomplete offer", zap.String("token", p.Token))
		return
	}
	s := &session{
		token:   p.Token,
		chatID:  p.ChatID,
		peerID:  p.From.ID,
		video:   p.Video,
		state:   model.CallIdle,
		pending: p.Signal,
	}
	c.sess = s
	c.transition(s, model.CallIncomingRinging)
	name := p.From.DisplayName
	if name == "" {
		name = p.From.ID
	}
	c.bus.Emit(bus.KindNoticeCall, bus.Notice{Text: "Incoming call from " + name, ChatID: s.chatID})
}

func (c *Controller) onState(st channel.State) {
	if st != channel.Connected {
		return
	}
	c.loop.Spawn(func(ctx context.Context) {
		topic, err := loop.Call(ctx, c.loop, func() string { return c.listenTopic })
		if err != nil || topic == "" {
			return
		}
		metrics.Resubscribes.Inc()
		if err := c.ch.Subscribe(ctx, topic, c.handler); err != nil {
			c.logger.Warn("signaling resubscribe failed", zap.Error(err))
		}
	})
}
