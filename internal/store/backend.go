package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/model"
	"go.uber.org/zap"
)

// Backend serves the persistence contract for one user over the database
// and fans events out the way the hosted service does.
type Backend struct {
	db     *DB
	userID string
	pub    channel.Publisher
	logger *zap.Logger
	now    func() time.Time
}

var _ api.Persistence = (*Backend)(nil)

// NewBackend creates a backend acting as userID. pub may be nil, in which
// case no events are emitted.
func NewBackend(db *DB, userID string, pub channel.Publisher, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{db: db, userID: userID, pub: pub, logger: logger, now: time.Now}
}

// As returns a backend over the same database and publisher acting as
// userID.
func (b *Backend) As(userID string) *Backend {
	cp := *b
	cp.userID = userID
	return &cp
}

func fail(op string, status int, err error) error {
	return &model.PersistenceError{Op: op, Status: status, Err: err}
}

func failDB(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fail(op, http.StatusNotFound, err)
	}
	return fail(op, http.StatusInternalServerError, err)
}

func (b *Backend) CurrentUser(context.Context) (model.User, error) {
	u, err := b.db.GetUser(b.userID)
	if err != nil {
		return model.User{}, failDB("current user", err)
	}
	return u, nil
}

func (b *Backend) ListChats(context.Context) ([]model.Chat, error) {
	chats, err := b.db.ListChats(b.userID)
	if err != nil {
		return nil, failDB("list chats", err)
	}
	return chats, nil
}

// member checks that the acting user belongs to chatID and returns the
// other participant.
func (b *Backend) member(op, chatID string) (string, error) {
	ua, ub, err := b.db.Members(chatID)
	if err != nil {
		return "", failDB(op, err)
	}
	switch b.userID {
	case ua:
		return ub, nil
	case ub:
		return ua, nil
	}
	return "", fail(op, http.StatusForbidden, fmt.Errorf("not a member of chat %s", chatID))
}

func (b *Backend) ListMessages(_ context.Context, chatID string) ([]model.Message, error) {
	if _, err := b.member("list messages", chatID); err != nil {
		return nil, err
	}
	msgs, err := b.db.ListMessages(chatID, b.userID)
	if err != nil {
		return nil, failDB("list messages", err)
	}
	return msgs, nil
}

func (b *Backend) CreateMessage(ctx context.Context, d api.Draft) (model.Message, error) {
	if model.IsBlank(d.Content) {
		return model.Message{}, fail("create message", http.StatusBadRequest, model.ErrEmptyMessage)
	}
	other, err := b.member("create message", d.ChatID)
	if err != nil {
		return model.Message{}, err
	}
	m, err := b.db.InsertMessage(d.ChatID, b.userID, d.Content, d.Kind, b.now())
	if err != nil {
		return model.Message{}, failDB("create message", err)
	}
	payload := channel.NewMessagePayload{Message: m}
	b.emit(ctx, channel.ChatTopic(d.ChatID), channel.EventNewMessage, payload)
	b.emit(ctx, channel.UserTopic(other), channel.EventNewMessage, payload)
	return m, nil
}

func (b *Backend) DeleteMessage(_ context.Context, messageID string, scope model.DeleteScope) error {
	if !scope.Valid() {
		return fail("delete message", http.StatusBadRequest, model.ErrInvalidScope)
	}
	m, err := b.db.GetMessage(messageID)
	if err != nil {
		return failDB("delete message", err)
	}
	if _, err := b.member("delete message", m.ChatID); err != nil {
		return err
	}
	if scope == model.ForMe {
		if err := b.db.HideMessage(b.userID, messageID); err != nil {
			return failDB("delete message", err)
		}
		return nil
	}
	if m.SenderID != b.userID {
		return fail("delete message", http.StatusForbidden, model.ErrNotSender)
	}
	if err := b.db.DeleteMessage(messageID); err != nil {
		return failDB("delete message", err)
	}
	return nil
}

func (b *Backend) RespondFriend(ctx context.Context, requestID string, accept bool) error {
	r, err := b.db.GetFriendRequest(requestID)
	if err != nil {
		return failDB("respond friend", err)
	}
	if r.ToID != b.userID {
		return fail("respond friend", http.StatusForbidden, fmt.Errorf("request %s is not addressed to %s", requestID, b.userID))
	}
	if err := b.db.SetFriendRequestStatus(requestID, api.FriendStatus(accept)); err != nil {
		return failDB("respond friend", err)
	}
	if !accept {
		return nil
	}
	if _, _, err := b.db.EnsureChat(r.FromID, r.ToID); err != nil {
		return failDB("respond friend", err)
	}
	b.emit(ctx, channel.UserTopic(r.FromID), channel.EventRequestAccepted, channel.NoticePayload{
		Message: b.displayName() + " accepted your friend request",
		From:    b.userID,
	})
	return nil
}

// SendFriendRequest asks toID for friendship on behalf of the acting user.
func (b *Backend) SendFriendRequest(ctx context.Context, toID string) (FriendRequest, error) {
	if _, err := b.db.GetUser(toID); err != nil {
		return FriendRequest{}, failDB("send friend request", err)
	}
	r, err := b.db.CreateFriendRequest(b.userID, toID)
	if err != nil {
		return FriendRequest{}, failDB("send friend request", err)
	}
	b.emit(ctx, channel.UserTopic(toID), channel.EventFriendRequest, channel.NoticePayload{
		Message: b.displayName() + " sent you a friend request",
		From:    b.userID,
	})
	return r, nil
}

func (b *Backend) displayName() string {
	u, err := b.db.GetUser(b.userID)
	if err != nil || u.DisplayName == "" {
		return b.userID
	}
	return u.DisplayName
}

// emit publishes best effort; fan-out failures never fail the request.
func (b *Backend) emit(ctx context.Context, topic, name string, payload any) {
	if b.pub == nil {
		return
	}
	evt, err := channel.NewEvent(name, payload)
	if err == nil {
		err = b.pub.Publish(ctx, topic, evt)
	}
	if err != nil {
		b.logger.Warn("fan-out failed", zap.String("topic", topic), zap.String("event", name), zap.Error(err))
	}
}
