// Package daemon composes the chat core with fx and owns startup and
// shutdown ordering.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/bus"
	"github.com/lumachat/chatsync/internal/clock"
	"github.com/lumachat/chatsync/internal/config"
	"github.com/lumachat/chatsync/internal/gateway"
	"github.com/lumachat/chatsync/internal/lock"
	"github.com/lumachat/chatsync/internal/logging"
	"github.com/lumachat/chatsync/internal/paths"
	"github.com/lumachat/chatsync/internal/router"
	"github.com/lumachat/chatsync/internal/session"
	"github.com/lumachat/chatsync/internal/store"
	intsync "github.com/lumachat/chatsync/internal/sync"
	"github.com/lumachat/chatsync/internal/transport"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module composing all providers and lifecycle
// hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideTokens,
			provideGateway,
			provideTransport,
			provideRouter,
			provideCoordinator,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := paths.ConfigPath()
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		cfg = config.Default()
		if saveErr := config.Save(path, cfg); saveErr != nil {
			return nil, saveErr
		}
		logger.Info("default config written", zap.String("path", path))
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock")
	l, err := lock.Acquire(paths.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.CachePath(p.Profile)
	db, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(cfg *config.Config) gateway.TokenProvider {
	return gateway.StaticTokens{AccessToken: cfg.API.Token, User: cfg.API.UserID}
}

func provideGateway(cfg *config.Config, tokens gateway.TokenProvider, logger *zap.Logger) (*gateway.Client, error) {
	return gateway.New(cfg.API, cfg.Upload, tokens, logger)
}

func provideTransport(cfg *config.Config, tokens gateway.TokenProvider, b *bus.Bus, logger *zap.Logger) *transport.Conn {
	return transport.New(cfg.API.SocketURL, tokens, b, logger)
}

func provideRouter(db *store.DB, logger *zap.Logger) *router.Router {
	return router.New(db, logger)
}

func provideCoordinator(gw *gateway.Client, db *store.DB, logger *zap.Logger) *intsync.Coordinator {
	return intsync.New(gw, db, logger)
}

func provideManager(gw *gateway.Client, db *store.DB, coord *intsync.Coordinator, conn *transport.Conn, rt *router.Router, logger *zap.Logger) *session.Manager {
	return session.NewManager(gw, db, coord, conn, rt, clock.System(), logger)
}

func registerLifecycle(lc fx.Lifecycle, mgr *session.Manager, rt *router.Router, conn *transport.Conn, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			rt.Start(context.Background(), conn.Messages())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			mgr.CloseRoom()
			conn.Disconnect()
			rt.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
