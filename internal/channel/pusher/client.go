// Package pusher implements the event channel over the Pusher websocket
// protocol (version 7). Publishing is server-side only, so Publish always
// fails; pair it with a relay transport for signaling.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/model"
)

// ErrPublishUnsupported is returned by Publish.
var ErrPublishUnsupported = errors.New("pusher: client publish not supported")

const (
	protocolVersion = "7"
	clientName      = "nova-go"
	clientVersion   = "0.1.0"
	pongTimeout     = 30 * time.Second
)

// Config selects the Pusher application.
type Config struct {
	Key     string
	Cluster string
	// URL overrides the endpoint derived from Key and Cluster.
	URL string
	// InitialBackoff is the first reconnect delay. Zero uses the backoff default.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Endpoint returns the websocket URL for cfg.
func (cfg Config) Endpoint() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	return fmt.Sprintf("wss://ws-%s.pusher.com/app/%s?%s", cfg.Cluster, cfg.Key, q.Encode())
}

// Client is a reconnecting Pusher connection.
type Client struct {
	cfg    Config
	logger *zap.Logger
	hooks  channel.StateHooks

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]channel.Handler

	writeMu sync.Mutex
}

// New creates a client. Call Run to connect.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("pusher"),
		handlers: make(map[string]channel.Handler),
	}
}

// Run connects and keeps the connection alive until ctx is canceled.
// Subscriptions are dropped on every disconnect.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.hooks.Fire(channel.Connecting)
		conn, est, err := c.dial(ctx)
		if err != nil {
			c.hooks.Fire(channel.Disconnected)
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("connected", zap.String("socket_id", est.SocketID))
		c.hooks.Fire(channel.Connected)

		err = c.serve(ctx, conn, est)

		c.mu.Lock()
		c.conn = nil
		clear(c.handlers)
		c.mu.Unlock()
		_ = conn.Close()
		c.hooks.Fire(channel.Disconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost", zap.Error(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, established, error) {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	type result struct {
		conn *websocket.Conn
		est  established
	}
	op := func() (result, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Endpoint(), nil)
		if err != nil {
			return result{}, err
		}
		est, err := handshake(conn)
		if err != nil {
			_ = conn.Close()
			return result{}, err
		}
		return result{conn: conn, est: est}, nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", next))
	}
	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, established{}, &model.TransportError{Op: "connect", Err: err}
	}
	return r.conn, r.est, nil
}

func handshake(conn *websocket.Conn) (established, error) {
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	defer conn.SetReadDeadline(time.Time{})
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return established{}, err
	}
	data, err := f.payload()
	if err != nil {
		return established{}, err
	}
	switch f.Event {
	case evConnectionEstablished:
		var est established
		if err := json.Unmarshal(data, &est); err != nil {
			return established{}, err
		}
		if est.ActivityTimeout <= 0 {
			est.ActivityTimeout = 120
		}
		return est, nil
	case evError:
		var pe protoError
		_ = json.Unmarshal(data, &pe)
		// 4000-4099: do not reconnect with the same parameters.
		if pe.Code >= 4000 && pe.Code < 4100 {
			return established{}, backoff.Permanent(pe)
		}
		return established{}, pe
	default:
		return established{}, fmt.Errorf("pusher: unexpected handshake event %q", f.Event)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn, est established) error {
	activity := time.Duration(est.ActivityTimeout) * time.Second
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go c.keepalive(conn, activity, done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(activity + pongTimeout))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		c.dispatch(conn, f)
	}
}

func (c *Client) keepalive(conn *websocket.Conn, every time.Duration, done <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.write(conn, evPing, map[string]any{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(conn *websocket.Conn, f frame) {
	switch f.Event {
	case evPing:
		_ = c.write(conn, evPong, map[string]any{})
		return
	case evPong:
		return
	case evSubscribed:
		c.logger.Debug("subscribed", zap.String("topic", f.Channel))
		return
	case evError:
		data, _ := f.payload()
		var pe protoError
		_ = json.Unmarshal(data, &pe)
		c.logger.Warn("protocol error", zap.Int("code", pe.Code), zap.String("message", pe.Message))
		return
	}

	c.mu.Lock()
	h := c.handlers[f.Channel]
	c.mu.Unlock()
	if h == nil {
		return
	}
	data, err := f.payload()
	if err != nil {
		c.logger.Warn("undecodable event data", zap.String("event", f.Event), zap.Error(err))
		return
	}
	h(channel.Event{Topic: f.Channel, Name: f.Event, Data: data})
}

func (c *Client) write(conn *websocket.Conn, event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Subscribe binds h to topic on the current connection.
func (c *Client) Subscribe(_ context.Context, topic string, h channel.Handler) error {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.handlers[topic] = h
	}
	c.mu.Unlock()
	if conn == nil {
		return &model.TransportError{Op: "subscribe", Topic: topic, Err: model.ErrNotConnected}
	}
	if err := c.write(conn, evSubscribe, subscription{Channel: topic}); err != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return &model.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	return nil
}

// Unsubscribe unbinds topic.
func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	conn := c.conn
	_, had := c.handlers[topic]
	delete(c.handlers, topic)
	c.mu.Unlock()
	if conn == nil || !had {
		return nil
	}
	if err := c.write(conn, evUnsubscribe, subscription{Channel: topic}); err != nil {
		return &model.TransportError{Op: "unsubscribe", Topic: topic, Err: err}
	}
	return nil
}

// Publish is not supported by the Pusher client protocol for public topics.
func (c *Client) Publish(_ context.Context, topic string, _ channel.Event) error {
	return &model.TransportError{Op: "publish", Topic: topic, Err: ErrPublishUnsupported}
}

// OnStateChange registers a connection state callback.
func (c *Client) OnStateChange(fn func(channel.State)) func() {
	return c.hooks.Add(fn)
}
