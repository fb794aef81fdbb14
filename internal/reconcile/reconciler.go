// Package reconcile applies optimistic sends and deletes to the session
// store and settles them against the persistence API.
package reconcile

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/metrics"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/state"
)

// TempPrefix marks ids of messages not yet confirmed by the server.
const TempPrefix = "tmp-"

// Refresher schedules a chat-list refresh.
type Refresher interface {
	RefreshAsync()
}

// Reconciler owns the optimistic message paths.
type Reconciler struct {
	loop    *loop.Loop
	store   *state.Store
	api     api.Persistence
	refresh Refresher
	bus     *bus.Bus
	logger  *zap.Logger
}

// New creates a reconciler.
func New(l *loop.Loop, s *state.Store, p api.Persistence, r Refresher, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{loop: l, store: s, api: p, refresh: r, bus: b, logger: logger.Named("reconcile")}
}

// Send posts content to chatID, or to the open chat when chatID is empty.
// The message shows up as pending at once and is replaced by the server's
// copy on success. On failure it is removed again.
func (r *Reconciler) Send(ctx context.Context, chatID, content string) (model.Message, error) {
	if model.IsBlank(content) {
		return model.Message{}, model.ErrEmptyMessage
	}
	return r.send(ctx, chatID, content, model.KindText)
}

// SendMarker posts a call marker through the same path as Send.
func (r *Reconciler) SendMarker(ctx context.Context, chatID, content string) error {
	_, err := r.send(ctx, chatID, content, model.KindCallMarker)
	return err
}

type pendingResult struct {
	msg model.Message
	err error
}

func (r *Reconciler) send(ctx context.Context, chatID, content string, kind model.MessageKind) (model.Message, error) {
	res, err := loop.Call(ctx, r.loop, func() pendingResult {
		if chatID == "" {
			chatID = r.store.ActiveChatID()
		}
		if chatID == "" {
			return pendingResult{err: model.ErrNoActiveChat}
		}
		m := model.Message{
			ID:        TempPrefix + ulid.Make().String(),
			ChatID:    chatID,
			SenderID:  r.store.Me().ID,
			Content:   content,
			CreatedAt: time.Now(),
			State:     model.Pending,
			Kind:      kind,
		}
		r.store.AppendMessage(m)
		return pendingResult{msg: m}
	})
	if err != nil {
		return model.Message{}, err
	}
	if res.err != nil {
		return model.Message{}, res.err
	}
	pending := res.msg

	confirmed, err := r.api.CreateMessage(ctx, api.Draft{ChatID: pending.ChatID, Content: content, Kind: kind})
	settle := context.WithoutCancel(ctx)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("rolled_back").Inc()
		r.logger.Warn("send failed", zap.String("chat", pending.ChatID), zap.String("temp_id", pending.ID), zap.Error(err))
		_ = r.loop.Do(settle, func() {
			r.store.RemoveMessage(pending.ID)
			r.bus.Emit(bus.KindMessageRolledBack, pending)
			r.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Message not sent", ChatID: pending.ChatID, Err: err})
		})
		return model.Message{}, err
	}

	confirmed.State = model.Confirmed
	if err := r.loop.Do(settle, func() {
		r.store.ConfirmMessage(pending.ID, confirmed)
		r.store.UpdateChatSummary(confirmed)
	}); err != nil {
		return confirmed, err
	}
	metrics.MessagesSent.WithLabelValues("confirmed").Inc()
	r.refresh.RefreshAsync()
	return confirmed, nil
}

type deleteTarget struct {
	msg model.Message
	pos int
	err error
}

// Delete removes messageID from the open chat at once and restores it at
// its original position when the server rejects the delete. Deleting for
// everyone is only allowed for the sender.
func (r *Reconciler) Delete(ctx context.Context, messageID string, scope model.DeleteScope) error {
	if !scope.Valid() {
		return model.ErrInvalidScope
	}
	target, err := loop.Call(ctx, r.loop, func() deleteTarget {
		m, pos, ok := r.store.Message(messageID)
		switch {
		case !ok:
			return deleteTarget{err: model.ErrMessageNotFound}
		case m.State == model.Pending:
			return deleteTarget{err: model.ErrMessagePending}
		case scope == model.ForEveryone && m.SenderID != r.store.Me().ID:
			return deleteTarget{err: model.ErrNotSender}
		}
		r.store.RemoveMessage(messageID)
		return deleteTarget{msg: m, pos: pos}
	})
	if err != nil {
		return err
	}
	if target.err != nil {
		return target.err
	}

	if err := r.api.DeleteMessage(ctx, messageID, scope); err != nil {
		metrics.MessagesDeleted.WithLabelValues(string(scope), "rolled_back").Inc()
		r.logger.Warn("delete failed", zap.String("id", messageID), zap.String("scope", string(scope)), zap.Error(err))
		_ = r.loop.Do(context.WithoutCancel(ctx), func() {
			if r.store.ActiveChatID() == target.msg.ChatID {
				r.store.InsertMessageAt(target.pos, target.msg)
			}
			r.bus.Emit(bus.KindMessageRolledBack, target.msg)
			r.bus.Emit(bus.KindNoticeError, bus.Notice{Text: "Message not deleted", ChatID: target.msg.ChatID, Err: err})
		})
		return err
	}
	metrics.MessagesDeleted.WithLabelValues(string(scope), "ok").Inc()
	r.refresh.RefreshAsync()
	return nil
}
