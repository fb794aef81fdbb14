// Package session composes the controllers around one loop and one store and
// exposes the operations a view drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/call"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/chatlist"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/media"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/realtime"
	"github.com/matheus3301/nova/internal/reconcile"
	"github.com/matheus3301/nova/internal/state"
)

// hangupTimeout bounds the call-end notification sent while stopping.
const hangupTimeout = 2 * time.Second

// Deps are the collaborators of a session.
type Deps struct {
	API    api.Persistence
	Events channel.Channel
	// Signaling carries call signals. Nil means Events.
	Signaling channel.Channel
	Media     media.Acquirer
	Peers     media.PeerFactory
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Session is one signed-in client.
type Session struct {
	loop   *loop.Loop
	store  *state.Store
	api    api.Persistence
	bus    *bus.Bus
	logger *zap.Logger

	chats    *chatlist.Synchronizer
	messages *reconcile.Reconciler
	realtime *realtime.Subscriber
	calls    *call.Controller
}

// New wires a session. Call Start to bring it online.
func New(d Deps) *Session {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := d.Bus
	if b == nil {
		b = bus.New()
	}
	signaling := d.Signaling
	if signaling == nil {
		signaling = d.Events
	}

	l := loop.New(logger.Named("loop"))
	st := state.New(b)
	s := &Session{loop: l, store: st, api: d.API, bus: b, logger: logger}
	s.chats = chatlist.New(l, st, d.API, logger)
	s.messages = reconcile.New(l, st, d.API, s.chats, b, logger)
	s.realtime = realtime.New(l, st, d.Events, d.API, s.chats, b, logger)
	s.calls = call.New(l, st, signaling, d.Media, d.Peers, s.messages, b, logger)
	s.chats.OnActiveCleared(s.realtime.ForgetChat)
	return s
}

// Start resolves the current user, binds the user and signaling topics and
// loads the chat list. Only a failure to identify the user is fatal; topics
// that cannot be bound now are bound on the next reconnect.
func (s *Session) Start(ctx context.Context) error {
	s.loop.Start()

	me, err := s.api.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("current user: %w", err)
	}
	if err := s.realtime.SubscribeToUser(ctx, me); err != nil {
		if !isTransport(err) {
			return err
		}
		s.logger.Warn("user topic not bound yet", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.calls.Listen(gctx); err != nil {
			if !isTransport(err) {
				return err
			}
			s.logger.Warn("signaling topic not bound yet", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := s.chats.Refresh(gctx); err != nil {
			s.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Could not load chats", Err: err})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("session started", zap.String("user", me.ID))
	return nil
}

func isTransport(err error) bool {
	var te *model.TransportError
	return errors.As(err, &te)
}

// Stop hangs up an active call, detaches from the channels and stops the
// loop. The session cannot be restarted.
func (s *Session) Stop() {
	if snap := s.store.Snapshot(); snap.Call != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		if err := s.calls.HangUp(ctx); err != nil {
			s.logger.Warn("hangup on stop failed", zap.Error(err))
		}
		cancel()
	}
	s.realtime.Close()
	s.calls.Close()
	s.loop.Stop()
}

// Reader returns the read-only view of the session state.
func (s *Session) Reader() state.Reader { return s.store }

// Snapshot returns the current session state.
func (s *Session) Snapshot() state.Snapshot { return s.store.Snapshot() }

// Bus returns the bus notices and state changes are published on.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Chats returns the chat list filtered by query.
func (s *Session) Chats(query string) []model.Chat {
	snap := s.store.Snapshot()
	return chatlist.Filter(snap.Chats, snap.Me.ID, query)
}

// Refresh reloads the chat list.
func (s *Session) Refresh(ctx context.Context) error { return s.chats.Refresh(ctx) }

// OpenChat switches the open chat and loads its history.
func (s *Session) OpenChat(ctx context.Context, chatID string) error {
	return s.realtime.OpenChat(ctx, chatID)
}

// Send posts content to chatID, or to the open chat when chatID is empty.
func (s *Session) Send(ctx context.Context, chatID, content string) (model.Message, error) {
	return s.messages.Send(ctx, chatID, content)
}

// Delete removes a message of the open chat.
func (s *Session) Delete(ctx context.Context, messageID string, scope model.DeleteScope) error {
	return s.messages.Delete(ctx, messageID, scope)
}

// RespondFriend answers a friend request. An accepted request creates a
// chat, so the list is reloaded.
func (s *Session) RespondFriend(ctx context.Context, requestID string, accept bool) error {
	if err := s.api.RespondFriend(ctx, requestID, accept); err != nil {
		s.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Could not answer friend request", Err: err})
		return err
	}
	if accept {
		s.chats.RefreshAsync()
	}
	return nil
}

// StartCall calls the other participant of chatID, or of the open chat when
// chatID is empty.
func (s *Session) StartCall(ctx context.Context, chatID string, video bool) error {
	if chatID == "" {
		chatID = s.store.Snapshot().ActiveChatID
	}
	if chatID == "" {
		return model.ErrNoActiveChat
	}
	return s.calls.StartCall(ctx, chatID, "", video)
}

// Accept answers the ringing incoming call.
func (s *Session) Accept(ctx context.Context) error { return s.calls.Accept(ctx) }

// Decline rejects the ringing incoming call.
func (s *Session) Decline(ctx context.Context) error { return s.calls.Decline(ctx) }

// HangUp ends the active call.
func (s *Session) HangUp(ctx context.Context) error { return s.calls.HangUp(ctx) }
