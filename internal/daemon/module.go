// Package daemon assembles a profile's session, transports and control
// plane into an fx application.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/config"
	"github.com/matheus3301/nova/internal/lock"
	"github.com/matheus3301/nova/internal/logging"
	"github.com/matheus3301/nova/internal/media/headless"
	"github.com/matheus3301/nova/internal/profile"
	"github.com/matheus3301/nova/internal/session"
	"github.com/matheus3301/nova/internal/status"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = read config.toml, .env and NOVA_*
	Logger      *zap.Logger    // optional; nil = log to the profile's log file
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideBackend,
			provideSession,
			provideOps,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Effective(profile.ConfigPath(), profile.EnvPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.LockPath(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideBackend takes the lock so the dev database is never opened by two
// daemons.
func provideBackend(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*Backend, error) {
	if cfg.Remote() {
		logger.Info("using remote backend", zap.String("api", cfg.API.BaseURL))
		return NewRemoteBackend(cfg, logger)
	}
	logger.Info("no api configured, using local backend", zap.String("user", cfg.Dev.User))
	return NewLocalBackend(cfg, p.ProfileName, logger)
}

func provideSession(backend *Backend, b *bus.Bus, logger *zap.Logger) *session.Session {
	return session.New(session.Deps{
		API:       backend.API,
		Events:    backend.Events,
		Signaling: backend.Signaling,
		Media:     &headless.Acquirer{},
		Peers:     &headless.Factory{},
		Bus:       b,
		Logger:    logger,
	})
}

// provideOps returns nil when no ops address is configured.
func provideOps(p Params, cfg *config.Config, backend *Backend, sess *session.Session, machine *status.Machine, logger *zap.Logger) *OpsServer {
	if cfg.Ops.Addr == "" {
		return nil
	}
	return NewOpsServer(cfg.Ops.Addr, NewRouter(p.ProfileName, backend.Mode, sess.Reader(), machine), logger)
}

// watchConnectivity mirrors the connectivity machine into the channel
// health service until the returned function is called.
func watchConnectivity(b *bus.Bus, machine *status.Machine, srv *Server) func() {
	events, unsub := b.Subscribe(bus.KindConnectivity, 16)
	done := make(chan struct{})
	srv.SetServing(ServiceChannel, machine.Current() == status.Online)
	go func() {
		for {
			select {
			case evt := <-events:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					srv.SetServing(ServiceChannel, change.To == status.Online)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsub()
		close(done)
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	srv *Server,
	ops *OpsServer,
	lk *lock.Lock,
	backend *Backend,
	sess *session.Session,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	var unfollow, unwatch func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			unwatch = watchConnectivity(b, machine, srv)
			unfollow = machine.Follow(backend.Events)

			if err := backend.Start(runCtx); err != nil {
				return err
			}
			if backend.Mode == ModeLocal {
				// The in-process hub never drops.
				_ = machine.Transition(status.Online)
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if ops != nil {
				if err := ops.Start(); err != nil {
					return err
				}
			}

			go func() {
				if err := sess.Start(runCtx); err != nil {
					logger.Error("session start failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				srv.SetServing(ServiceSession, true)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			sess.Stop()
			if unfollow != nil {
				unfollow()
			}
			if unwatch != nil {
				unwatch()
			}
			if err := backend.Close(); err != nil {
				logger.Warn("error closing backend", zap.Error(err))
			}
			if ops != nil {
				ops.Stop(ctx)
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
