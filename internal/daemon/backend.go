package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/channel/loopback"
	"github.com/matheus3301/nova/internal/channel/pusher"
	"github.com/matheus3301/nova/internal/channel/relay"
	"github.com/matheus3301/nova/internal/config"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/profile"
	"github.com/matheus3301/nova/internal/store"
)

// Backend modes.
const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

// Backend is the persistence service and the channels a session talks to.
type Backend struct {
	Mode      string
	API       api.Persistence
	Events    channel.Channel
	Signaling channel.Channel

	start []func(ctx context.Context) error
	close []func() error
}

// Start connects the transports. Long-running transports keep going until
// ctx is canceled.
func (b *Backend) Start(ctx context.Context) error {
	for _, fn := range b.start {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the transports and the persistence client.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.close) - 1; i >= 0; i-- {
		errs = append(errs, b.close[i]())
	}
	return errors.Join(errs...)
}

// NewRemoteBackend talks to the hosted service: REST persistence, Pusher for
// chat and user events, and the socket.io relay for call signaling. With
// only one of the two push endpoints configured it carries both roles.
func NewRemoteBackend(cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if !cfg.HasPusher() && cfg.Relay.URL == "" {
		return nil, errors.New("remote backend needs a pusher or relay endpoint")
	}
	client := api.NewClient(api.Config{BaseURL: cfg.API.BaseURL, Token: cfg.API.Token, Timeout: cfg.API.Timeout}, logger)
	b := &Backend{Mode: ModeRemote, API: client}
	b.close = append(b.close, client.Close)

	if cfg.Relay.URL != "" {
		rc := relay.New(relay.Config{URL: cfg.Relay.URL, Path: cfg.Relay.Path, Token: cfg.API.Token}, logger)
		b.Events, b.Signaling = rc, rc
		b.start = append(b.start, func(context.Context) error { return rc.Connect() })
		b.close = append(b.close, rc.Close)
	}
	if cfg.HasPusher() {
		pc := pusher.New(pusher.Config{Key: cfg.Pusher.Key, Cluster: cfg.Pusher.Cluster, URL: cfg.Pusher.URL}, logger)
		b.Events = pc
		if b.Signaling == nil {
			b.Signaling = pc
			logger.Warn("no relay configured; calls cannot be placed over pusher")
		}
		b.start = append(b.start, func(ctx context.Context) error {
			go func() {
				if err := pc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("pusher stopped", zap.Error(err))
				}
			}()
			return nil
		})
	}
	return b, nil
}

// NewLocalBackend serves the profile's SQLite database through the
// in-process hub, acting as cfg.Dev.User.
func NewLocalBackend(cfg *config.Config, profileName string, logger *zap.Logger) (*Backend, error) {
	db, err := openDevDB(profile.DevDBPath(profileName), logger)
	if err != nil {
		return nil, err
	}
	me := model.User{ID: cfg.Dev.User, DisplayName: cfg.Dev.User, Username: cfg.Dev.User}
	if cfg.Dev.Seed {
		err = db.Seed(me)
	} else {
		_, err = db.GetUser(me.ID)
		if errors.Is(err, store.ErrNotFound) {
			err = db.UpsertUser(me)
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare dev user: %w", err)
	}
	return newLocalBackend(db, me.ID, logger), nil
}

func newLocalBackend(db *store.DB, userID string, logger *zap.Logger) *Backend {
	hub := loopback.NewHub(bus.New())
	ep := hub.Connect()
	return &Backend{
		Mode:      ModeLocal,
		API:       store.NewBackend(db, userID, hub, logger),
		Events:    ep,
		Signaling: ep,
		close:     []func() error{db.Close, ep.Close},
	}
}

func openDevDB(path string, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("dev schema upgraded", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Debug("dev schema current", zap.Uint("version", result.Version))
	}
	logger.Info("dev database ready", zap.String("path", path))
	return db, nil
}
