// Package relay implements the event channel over a socket.io relay. The
// relay forwards published events to every socket that joined the topic,
// which makes it the transport for call signaling.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/model"
)

// Wire events exchanged with the relay.
const (
	wireSubscribe   = "subscribe"
	wireUnsubscribe = "unsubscribe"
	wirePublish     = "publish"
	wireEvent       = "event"
)

// Config locates the relay.
type Config struct {
	URL   string
	Path  string
	Token string
}

// Client is a socket.io relay connection. The underlying manager reconnects
// on its own; joined topics are lost on every disconnect.
type Client struct {
	cfg    Config
	logger *zap.Logger
	hooks  channel.StateHooks

	mu        sync.RWMutex
	sock      *socket.Socket
	connected bool
	handlers  map[string]channel.Handler
}

// New creates a relay client. Call Connect to open the socket.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "/socket.io"
	}
	return &Client{cfg: cfg, logger: logger.Named("relay"), handlers: make(map[string]channel.Handler)}
}

// Connect opens the socket.
func (c *Client) Connect() error {
	opts := socket.DefaultOptions()
	opts.SetPath(c.cfg.Path)
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	if c.cfg.Token != "" {
		opts.SetAuth(map[string]any{"token": c.cfg.Token})
	}

	c.hooks.Fire(channel.Connecting)
	sock, err := socket.Connect(c.cfg.URL, opts)
	if err != nil {
		return &model.TransportError{Op: "connect", Err: err}
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	sock.On(types.EventName("connect"), func(...any) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("connected", zap.String("sid", string(sock.Id())))
		c.hooks.Fire(channel.Connected)
	})
	sock.On(types.EventName("disconnect"), func(args ...any) {
		c.mu.Lock()
		c.connected = false
		clear(c.handlers)
		c.mu.Unlock()
		reason := ""
		if len(args) > 0 {
			reason, _ = args[0].(string)
		}
		c.logger.Warn("disconnected", zap.String("reason", reason))
		c.hooks.Fire(channel.Disconnected)
	})
	sock.On(types.EventName("connect_error"), func(args ...any) {
		if len(args) > 0 {
			c.logger.Warn("connect error", zap.Any("err", args[0]))
		}
	})
	sock.On(types.EventName(wireEvent), func(args ...any) {
		evt, err := decodeWire(args)
		if err != nil {
			c.logger.Warn("dropping relay event", zap.Error(err))
			return
		}
		c.mu.RLock()
		h := c.handlers[evt.Topic]
		c.mu.RUnlock()
		if h != nil {
			h(evt)
		}
	})
	return nil
}

// Close disconnects the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.connected = false
	clear(c.handlers)
	c.mu.Unlock()
	if sock != nil {
		sock.Disconnect()
	}
	return nil
}

func (c *Client) live() (*socket.Socket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sock == nil || !c.connected {
		return nil, model.ErrNotConnected
	}
	return c.sock, nil
}

// Subscribe joins topic on the relay.
func (c *Client) Subscribe(_ context.Context, topic string, h channel.Handler) error {
	sock, err := c.live()
	if err != nil {
		return &model.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()
	sock.Emit(wireSubscribe, map[string]any{"topic": topic})
	return nil
}

// Unsubscribe leaves topic.
func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()
	sock, err := c.live()
	if err != nil {
		return nil
	}
	sock.Emit(wireUnsubscribe, map[string]any{"topic": topic})
	return nil
}

// Publish relays evt to every subscriber of topic.
func (c *Client) Publish(_ context.Context, topic string, evt channel.Event) error {
	sock, err := c.live()
	if err != nil {
		return &model.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	body, err := encodeWire(topic, evt)
	if err != nil {
		return &model.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	sock.Emit(wirePublish, body)
	return nil
}

// OnStateChange registers a connection state callback.
func (c *Client) OnStateChange(fn func(channel.State)) func() {
	return c.hooks.Add(fn)
}

func encodeWire(topic string, evt channel.Event) (map[string]any, error) {
	body := map[string]any{"topic": topic, "name": evt.Name}
	if len(evt.Data) > 0 {
		var data any
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return nil, fmt.Errorf("encode %s: %w", evt.Name, err)
		}
		body["data"] = data
	}
	return body, nil
}

// decodeWire converts socket.io arguments into an event. The first argument
// carries the wire body, already decoded into generic JSON values.
func decodeWire(args []any) (channel.Event, error) {
	if len(args) == 0 {
		return channel.Event{}, errors.New("empty event")
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return channel.Event{}, err
	}
	var w struct {
		Topic string          `json:"topic"`
		Name  string          `json:"name"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return channel.Event{}, err
	}
	if w.Topic == "" || w.Name == "" {
		return channel.Event{}, fmt.Errorf("event missing topic or name: %s", raw)
	}
	return channel.Event{Topic: w.Topic, Name: w.Name, Data: w.Data}, nil
}
