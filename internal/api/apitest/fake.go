// Package apitest provides an in-memory Persistence for controller tests.
package apitest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/model"
)

// Fake is a scriptable Persistence. Each hook, when set, replaces the
// default in-memory behaviour of its method.
type Fake struct {
	mu       sync.Mutex
	me       model.User
	chats    []model.Chat
	messages map[string][]model.Message
	next     int
	calls    []string

	ListChatsFn     func(ctx context.Context) ([]model.Chat, error)
	ListMessagesFn  func(ctx context.Context, chatID string) ([]model.Message, error)
	CreateMessageFn func(ctx context.Context, d api.Draft) (model.Message, error)
	DeleteMessageFn func(ctx context.Context, id string, scope model.DeleteScope) error
	RespondFriendFn func(ctx context.Context, requestID string, accept bool) error
}

var _ api.Persistence = (*Fake)(nil)

// New creates a fake serving me.
func New(me model.User) *Fake {
	return &Fake{me: me, messages: make(map[string][]model.Message)}
}

// SetChats replaces the chat list served by ListChats.
func (f *Fake) SetChats(chats ...model.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = slices.Clone(chats)
}

// SetMessages replaces the history served for chatID.
func (f *Fake) SetMessages(chatID string, msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = slices.Clone(msgs)
}

// Calls returns the method names invoked so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Count returns how often method was invoked.
func (f *Fake) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) record(method string) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
}

func (f *Fake) CurrentUser(context.Context) (model.User, error) {
	f.record("CurrentUser")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.me, nil
}

func (f *Fake) ListChats(ctx context.Context) ([]model.Chat, error) {
	f.record("ListChats")
	if f.ListChatsFn != nil {
		return f.ListChatsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chats), nil
}

func (f *Fake) ListMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	f.record("ListMessages")
	if f.ListMessagesFn != nil {
		return f.ListMessagesFn(ctx, chatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[chatID]), nil
}

func (f *Fake) CreateMessage(ctx context.Context, d api.Draft) (model.Message, error) {
	f.record("CreateMessage")
	if f.CreateMessageFn != nil {
		return f.CreateMessageFn(ctx, d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	m := model.Message{
		ID:        fmt.Sprintf("m%d", f.next),
		ChatID:    d.ChatID,
		SenderID:  f.me.ID,
		Content:   d.Content,
		CreatedAt: time.Now(),
		State:     model.Confirmed,
		Kind:      d.Kind,
	}
	f.messages[d.ChatID] = append(f.messages[d.ChatID], m)
	return m, nil
}

func (f *Fake) DeleteMessage(ctx context.Context, id string, scope model.DeleteScope) error {
	f.record("DeleteMessage")
	if f.DeleteMessageFn != nil {
		return f.DeleteMessageFn(ctx, id, scope)
	}
	return nil
}

func (f *Fake) RespondFriend(ctx context.Context, requestID string, accept bool) error {
	f.record("RespondFriend")
	if f.RespondFriendFn != nil {
		return f.RespondFriendFn(ctx, requestID, accept)
	}
	return nil
}

// History returns the stored history of chatID, including created messages.
func (f *Fake) History(chatID string) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[chatID])
}
