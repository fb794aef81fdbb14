package model

import (
	"strings"
	"time"
)

// User is a chat participant.
type User struct {
	ID          string `json:"_id"`
	DisplayName string `json:"fullName"`
	Username    string `json:"username,omitempty"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// DeliveryState tracks a message through optimistic send.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// MessageKind distinguishes user text from synthetic entries.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindCallMarker MessageKind = "call_marker"
)

// Message is a single chat message.
type Message struct {
	ID        string        `json:"_id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	State     DeliveryState `json:"-"`
	Kind      MessageKind   `json:"kind,omitempty"`
}

// Chat is a one-to-one conversation.
type Chat struct {
	ID            string   `json:"_id"`
	Participants  []User   `json:"users"`
	LatestMessage *Message `json:"latestMessage,omitempty"`
}

// Other returns the participant that is not me. The zero User is returned
// when the chat does not include me.
func (c Chat) Other(meID string) User {
	for _, u := range c.Participants {
		if u.ID != meID {
			return u
		}
	}
	return User{}
}

// Has reports whether userID participates in the chat.
func (c Chat) Has(userID string) bool {
	for _, u := range c.Participants {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// LastActivity is the chat-list ordering key.
func (c Chat) LastActivity() time.Time {
	if c.LatestMessage == nil {
		return time.Time{}
	}
	return c.LatestMessage.CreatedAt
}

// DeleteScope selects who loses a deleted message.
type DeleteScope string

const (
	ForMe       DeleteScope = "for_me"
	ForEveryone DeleteScope = "for_everyone"
)

// Valid reports whether s is a known scope.
func (s DeleteScope) Valid() bool {
	return s == ForMe || s == ForEveryone
}

// CallState is the call signaling state.
type CallState string

const (
	CallIdle            CallState = "idle"
	CallOutgoingRinging CallState = "outgoing_ringing"
	CallIncomingRinging CallState = "incoming_ringing"
	CallConnected       CallState = "connected"
	CallEnded           CallState = "ended"
)

// CallInfo is the read-only projection of the active call exposed to views.
type CallInfo struct {
	Token       string
	ChatID      string
	PeerID      string
	Initiator   bool
	Video       bool
	State       CallState
	ConnectedAt time.Time
}

// IsBlank reports whether content has nothing but whitespace.
func IsBlank(content string) bool {
	return strings.TrimSpace(content) == ""
}
