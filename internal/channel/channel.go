// Package channel defines the push event transport the session subscribes
// to. Delivery is at-least-once with no ordering across topics, and
// subscriptions do not survive a reconnect: transports drop them on
// disconnect and callers re-subscribe when notified.
package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/nova/internal/model"
)

// Event names carried on the channel.
const (
	EventNewMessage      = "new-message"
	EventFriendRequest   = "friend-request-received"
	EventRequestAccepted = "request-accepted"
	EventCallOffer       = "call-offer"
	EventCallAnswer      = "call-answer"
	EventCallEnd         = "call-end"
)

// Event is a named payload received on a topic.
type Event struct {
	Topic string
	Name  string
	Data  json.RawMessage
}

// Handler receives events for a subscribed topic. Handlers run on transport
// goroutines and must hand work off quickly.
type Handler func(Event)

// State is the transport connection state.
type State string

const (
	Connecting   State = "connecting"
	Connected    State = "connected"
	Disconnected State = "disconnected"
)

// Channel is a topic-based push transport.
type Channel interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, evt Event) error
	// OnStateChange registers fn to be called on every connection state
	// change. It returns a function that removes the registration.
	OnStateChange(fn func(State)) func()
}

// Publisher is the publish half of a channel, used by backends that fan out.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
}

// ChatTopic is the per-chat topic.
func ChatTopic(chatID string) string { return chatID }

// UserTopic is the per-user topic for friendship and chat creation events.
func UserTopic(userID string) string { return "user-" + userID }

// SignalTopic is the per-callee signaling topic.
func SignalTopic(userID string) string { return "call-" + userID }

// NewMessagePayload is the data of new-message.
type NewMessagePayload struct {
	Message model.Message `json:"message"`
}

// NoticePayload is the data of friend-request-received and request-accepted.
type NoticePayload struct {
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

// SignalPayload is the data of call-offer, call-answer and call-end.
type SignalPayload struct {
	Token  string          `json:"token"`
	ChatID string          `json:"chatId"`
	From   model.User      `json:"from"`
	Video  bool            `json:"video,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
	Reason string          `json:"reason,omitempty"`
	SentAt time.Time       `json:"sentAt"`
}

// NewEvent encodes payload as the data of an event named name.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
