package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/matheus3301/nova/internal/model"
)

// Config configures the REST client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements Persistence over HTTP.
type Client struct {
	http   *resty.Client
	token  string
	logger *zap.Logger
}

var _ Persistence = (*Client)(nil)

// NewClient creates a REST client for cfg.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		h.SetAuthToken(cfg.Token)
	}
	return &Client{http: h, token: cfg.Token, logger: logger.Named("api")}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// envelope covers the response shapes the server uses: bare values or
// objects keyed by data, user, message or messages.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	User     json.RawMessage `json:"user"`
	Message  json.RawMessage `json:"message"`
	Messages json.RawMessage `json:"messages"`
}

// unwrap returns the first populated payload among keys, descending one
// level into data when needed. A body that is not an object is returned
// as-is.
func unwrap(body []byte, keys ...string) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return body
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	pick := map[string]json.RawMessage{
		"data":     env.Data,
		"user":     env.User,
		"message":  env.Message,
		"messages": env.Messages,
	}
	for _, k := range keys {
		if v := pick[k]; len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		return unwrap(env.Data, keys...)
	}
	return body
}

func (c *Client) fail(op string, res *resty.Response, err error) error {
	if err != nil {
		return &model.PersistenceError{Op: op, Err: err}
	}
	msg := http.StatusText(res.StatusCode())
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(res.String()), &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &model.PersistenceError{Op: op, Status: res.StatusCode(), Err: errors.New(msg)}
}

func (c *Client) get(ctx context.Context, op string, req *resty.Request, path string) ([]byte, error) {
	res, err := req.SetContext(ctx).Get(path)
	if err != nil || res.IsError() {
		return nil, c.fail(op, res, err)
	}
	return []byte(res.String()), nil
}

// CurrentUser returns the authenticated user. When the endpoint is
// unreachable the identity is read from the access token instead.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	const op = "current user"
	body, err := c.get(ctx, op, c.http.R(), "/user/current-user")
	if err == nil {
		var u model.User
		if err = json.Unmarshal(unwrap(body, "user", "data"), &u); err == nil && u.ID != "" {
			return u, nil
		}
		if err == nil {
			err = &model.PersistenceError{Op: op, Err: errors.New("response carries no user")}
		} else {
			err = &model.PersistenceError{Op: op, Err: err}
		}
	}
	if c.token == "" {
		return model.User{}, err
	}
	u, terr := UserFromToken(c.token)
	if terr != nil {
		return model.User{}, err
	}
	c.logger.Warn("current user from token claims", zap.Error(err), zap.String("user", u.ID))
	return u, nil
}

// ListChats fetches the chat summaries of the current user.
func (c *Client) ListChats(ctx context.Context) ([]model.Chat, error) {
	const op = "list chats"
	body, err := c.get(ctx, op, c.http.R(), "/chats")
	if err != nil {
		return nil, err
	}
	var chats []model.Chat
	if err := json.Unmarshal(unwrap(body, "data"), &chats); err != nil {
		return nil, &model.PersistenceError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	for i := range chats {
		if lm := chats[i].LatestMessage; lm != nil {
			lm.State = model.Confirmed
			if lm.ChatID == "" {
				lm.ChatID = chats[i].ID
			}
		}
	}
	return chats, nil
}

// ListMessages fetches the history of chatID.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	const op = "list messages"
	body, err := c.get(ctx, op, c.http.R().SetPathParam("chatId", chatID), "/messages/{chatId}")
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := json.Unmarshal(unwrap(body, "messages"), &msgs); err != nil {
		return nil, &model.PersistenceError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	for i := range msgs {
		msgs[i].State = model.Confirmed
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = chatID
		}
	}
	return msgs, nil
}

// CreateMessage posts d and returns the confirmed message.
func (c *Client) CreateMessage(ctx context.Context, d Draft) (model.Message, error) {
	const op = "create message"
	req := map[string]any{"chatId": d.ChatID, "content": d.Content}
	if d.Kind != "" && d.Kind != model.KindText {
		req["kind"] = d.Kind
	}
	res, err := c.http.R().SetContext(ctx).SetBody(req).Post("/messages")
	if err != nil || res.IsError() {
		return model.Message{}, c.fail(op, res, err)
	}
	var m model.Message
	if err := json.Unmarshal(unwrap([]byte(res.String()), "message", "data"), &m); err != nil {
		return model.Message{}, &model.PersistenceError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	if m.ID == "" {
		return model.Message{}, &model.PersistenceError{Op: op, Err: errors.New("response carries no message id")}
	}
	if m.ChatID == "" {
		m.ChatID = d.ChatID
	}
	if m.Kind == "" {
		m.Kind = d.Kind
	}
	m.State = model.Confirmed
	return m, nil
}

// DeleteMessage removes messageID within scope.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, scope model.DeleteScope) error {
	const op = "delete message"
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", messageID).
		SetQueryParam("scope", string(scope)).
		Delete("/messages/{id}")
	if err != nil || res.IsError() {
		return c.fail(op, res, err)
	}
	return nil
}

// RespondFriend accepts or rejects a friend request.
func (c *Client) RespondFriend(ctx context.Context, requestID string, accept bool) error {
	const op = "respond friend request"
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"requestId": requestID, "status": FriendStatus(accept)}).
		Post("/friend/respond")
	if err != nil || res.IsError() {
		return c.fail(op, res, err)
	}
	return nil
}
