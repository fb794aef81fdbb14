// Package realtime binds the session to the chat and user topics of the
// event channel and feeds accepted events into the session store.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/metrics"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/state"
)

// Refresher schedules a chat-list refresh.
type Refresher interface {
	RefreshAsync()
}

// Subscriber keeps exactly one chat topic bound, the one of the open chat,
// plus the user topic.
type Subscriber struct {
	loop    *loop.Loop
	store   *state.Store
	ch      channel.Channel
	api     api.Persistence
	refresh Refresher
	bus     *bus.Bus
	logger  *zap.Logger

	stopOnce sync.Once
	unhook   func()

	// loop-owned
	openSeq   uint64
	subSeq    uint64
	wantTopic string
	chatTopic string
	userTopic string
}

// New creates a subscriber and starts watching ch for reconnects.
func New(l *loop.Loop, s *state.Store, ch channel.Channel, p api.Persistence, r Refresher, b *bus.Bus, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := &Subscriber{loop: l, store: s, ch: ch, api: p, refresh: r, bus: b, logger: logger.Named("realtime")}
	sub.unhook = ch.OnStateChange(sub.onState)
	return sub
}

// Close stops watching the channel state.
func (s *Subscriber) Close() {
	s.stopOnce.Do(s.unhook)
}

// OpenChat makes chatID the open chat, binds its topic and loads its
// history. A history that resolves after a newer OpenChat is dropped.
func (s *Subscriber) OpenChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return model.ErrNoActiveChat
	}
	seq, err := loop.Call(ctx, s.loop, func() uint64 {
		s.openSeq++
		s.store.SetActiveChat(chatID)
		return s.openSeq
	})
	if err != nil {
		return err
	}

	if err := s.SubscribeToChat(ctx, chatID); err != nil {
		// Bound again on the next reconnect.
		s.logger.Warn("chat subscribe failed", zap.String("chat", chatID), zap.Error(err))
	}

	msgs, err := s.api.ListMessages(ctx, chatID)
	if err != nil {
		_ = s.loop.Do(context.WithoutCancel(ctx), func() {
			if seq == s.openSeq {
				s.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Could not load messages", ChatID: chatID, Err: err})
			}
		})
		return err
	}
	return s.loop.Do(context.WithoutCancel(ctx), func() {
		if seq != s.openSeq {
			metrics.EventsDropped.WithLabelValues("stale_fetch").Inc()
			s.logger.Debug("dropping stale history", zap.String("chat", chatID))
			return
		}
		s.store.ReplaceMessages(chatID, msgs)
	})
}

type subscribeStart struct {
	seq  uint64
	prev string
}

// SubscribeToChat binds the topic of chatID, unbinding the previously bound
// chat topic first. A subscription that completes after a newer call is
// undone.
func (s *Subscriber) SubscribeToChat(ctx context.Context, chatID string) error {
	topic := channel.ChatTopic(chatID)
	start, err := loop.Call(ctx, s.loop, func() subscribeStart {
		s.subSeq++
		s.wantTopic = topic
		prev := s.chatTopic
		s.chatTopic = ""
		return subscribeStart{seq: s.subSeq, prev: prev}
	})
	if err != nil {
		return err
	}

	if start.prev != "" && start.prev != topic {
		if err := s.ch.Unsubscribe(ctx, start.prev); err != nil {
			s.logger.Warn("chat unsubscribe failed", zap.String("topic", start.prev), zap.Error(err))
		}
	}
	if err := s.ch.Subscribe(ctx, topic, s.handler); err != nil {
		return err
	}

	stale, err := loop.Call(context.WithoutCancel(ctx), s.loop, func() bool {
		if start.seq != s.subSeq {
			return s.wantTopic != topic
		}
		s.chatTopic = topic
		return false
	})
	if err != nil {
		return err
	}
	if stale {
		s.logger.Debug("undoing superseded chat subscription", zap.String("topic", topic))
		return s.ch.Unsubscribe(ctx, topic)
	}
	return nil
}

// UnsubscribeChat unbinds chatID's topic if it is the bound one.
func (s *Subscriber) UnsubscribeChat(ctx context.Context, chatID string) error {
	topic := channel.ChatTopic(chatID)
	bound, err := loop.Call(ctx, s.loop, func() bool {
		if s.wantTopic != topic {
			return false
		}
		s.subSeq++
		s.wantTopic = ""
		s.chatTopic = ""
		return true
	})
	if err != nil || !bound {
		return err
	}
	return s.ch.Unsubscribe(ctx, topic)
}

// ForgetChat unbinds chatID in the background. Safe to call on the loop.
func (s *Subscriber) ForgetChat(chatID string) {
	s.loop.Spawn(func(ctx context.Context) {
		if err := s.UnsubscribeChat(ctx, chatID); err != nil {
			s.logger.Warn("chat unsubscribe failed", zap.String("chat", chatID), zap.Error(err))
		}
	})
}

// SubscribeToUser records the current user and binds the user topic. Only
// the first call per session has an effect.
func (s *Subscriber) SubscribeToUser(ctx context.Context, user model.User) error {
	topic := channel.UserTopic(user.ID)
	first, err := loop.Call(ctx, s.loop, func() bool {
		if s.userTopic != "" {
			return false
		}
		s.userTopic = topic
		s.store.SetMe(user)
		return true
	})
	if err != nil || !first {
		return err
	}
	return s.ch.Subscribe(ctx, topic, s.handler)
}

func (s *Subscriber) handler(evt channel.Event) {
	metrics.EventsReceived.WithLabelValues(evt.Name).Inc()
	s.loop.Post(func() { s.apply(evt) })
}

func (s *Subscriber) apply(evt channel.Event) {
	switch evt.Name {
	case channel.EventNewMessage:
		s.applyMessage(evt)
	case channel.EventFriendRequest:
		p := s.decodeNotice(evt)
		s.bus.Emit(bus.KindNoticeFriendReq, bus.Notice{Text: p.Message})
	case channel.EventRequestAccepted:
		p := s.decodeNotice(evt)
		s.bus.Emit(bus.KindNoticeAccepted, bus.Notice{Text: p.Message})
		s.refresh.RefreshAsync()
	default:
		s.logger.Debug("ignoring event", zap.String("event", evt.Name), zap.String("topic", evt.Topic))
	}
}

func (s *Subscriber) applyMessage(evt channel.Event) {
	fallback := ""
	if evt.Topic != s.userTopic {
		fallback = evt.Topic
	}
	m, err := decodeMessage(evt, fallback)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping malformed message event", zap.String("topic", evt.Topic), zap.Error(err))
		return
	}
	if m.ChatID == s.store.ActiveChatID() && !s.store.AppendMessage(m) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	s.store.UpdateChatSummary(m)
	s.refresh.RefreshAsync()
}

// decodeMessage accepts both {"message": {...}} and a bare message. Chat
// topics are named after the chat, so fallbackChat fills a missing chat id.
func decodeMessage(evt channel.Event, fallbackChat string) (model.Message, error) {
	var wrapped struct {
		Message *model.Message `json:"message"`
	}
	if err := json.Unmarshal(evt.Data, &wrapped); err != nil {
		return model.Message{}, err
	}
	var m model.Message
	if wrapped.Message != nil {
		m = *wrapped.Message
	} else if err := json.Unmarshal(evt.Data, &m); err != nil {
		return model.Message{}, err
	}
	if m.ID == "" {
		return model.Message{}, errors.New("message without id")
	}
	if m.ChatID == "" {
		m.ChatID = fallbackChat
	}
	if m.ChatID == "" {
		return model.Message{}, errors.New("message without chat")
	}
	m.State = model.Confirmed
	return m, nil
}

func (s *Subscriber) decodeNotice(evt channel.Event) channel.NoticePayload {
	var p channel.NoticePayload
	if err := evt.Decode(&p); err != nil {
		// Some servers send the text bare.
		var text string
		if json.Unmarshal(evt.Data, &text) == nil {
			p.Message = text
		} else {
			s.logger.Warn("undecodable notice", zap.String("event", evt.Name), zap.Error(err))
		}
	}
	return p
}

func (s *Subscriber) onState(st channel.State) {
	switch st {
	case channel.Disconnected:
		s.loop.Post(func() { s.chatTopic = "" })
	case channel.Connected:
		s.loop.Spawn(s.resubscribe)
	}
}

type bindings struct {
	chatID    string
	userTopic string
}

// resubscribe binds the open chat and the user topic again after the
// transport (re)connects.
func (s *Subscriber) resubscribe(ctx context.Context) {
	b, err := loop.Call(ctx, s.loop, func() bindings {
		return bindings{chatID: s.store.ActiveChatID(), userTopic: s.userTopic}
	})
	if err != nil {
		return
	}
	if b.userTopic != "" {
		metrics.Resubscribes.Inc()
		if err := s.ch.Subscribe(ctx, b.userTopic, s.handler); err != nil {
			s.logger.Warn("user resubscribe failed", zap.Error(err))
		}
	}
	if b.chatID != "" {
		metrics.Resubscribes.Inc()
		if err := s.SubscribeToChat(ctx, b.chatID); err != nil {
			s.logger.Warn("chat resubscribe failed", zap.String("chat", b.chatID), zap.Error(err))
		}
	}
}
