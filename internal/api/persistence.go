// Package api is the client side of the persistence REST surface.
package api

import (
	"context"

	"github.com/matheus3301/nova/internal/model"
)

// Draft is a message to be created.
type Draft struct {
	ChatID  string
	Content string
	Kind    model.MessageKind
}

// Persistence is the authoritative chat and message store. Every method is
// a blocking network call and must not run on the session loop.
type Persistence interface {
	CurrentUser(ctx context.Context) (model.User, error)
	ListChats(ctx context.Context) ([]model.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, d Draft) (model.Message, error)
	DeleteMessage(ctx context.Context, messageID string, scope model.DeleteScope) error
	RespondFriend(ctx context.Context, requestID string, accept bool) error
}

// FriendStatus maps an accept decision to the wire status.
func FriendStatus(accept bool) string {
	if accept {
		return "accepted"
	}
	return "rejected"
}
