package pusher

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Protocol events.
const (
	evConnectionEstablished = "pusher:connection_established"
	evError                 = "pusher:error"
	evPing                  = "pusher:ping"
	evPong                  = "pusher:pong"
	evSubscribe             = "pusher:subscribe"
	evUnsubscribe           = "pusher:unsubscribe"
	evSubscribed            = "pusher_internal:subscription_succeeded"
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type established struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type protoError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e protoError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

type subscription struct {
	Channel string `json:"channel"`
}

// payload returns the frame data as raw JSON. The server sends event data
// as a JSON-encoded string; objects are accepted as-is.
func (f frame) payload() (json.RawMessage, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

func encode(event string, data any) ([]byte, error) {
	f := frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}
