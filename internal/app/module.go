// Package app composes the synchronization core into a runnable fx
// application: config, logging, cache, transport, and the client itself.
package app

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/cache"
	"github.com/pigeonchat/pigeon/internal/chat"
	"github.com/pigeonchat/pigeon/internal/client"
	"github.com/pigeonchat/pigeon/internal/config"
	"github.com/pigeonchat/pigeon/internal/gateway"
	"github.com/pigeonchat/pigeon/internal/lock"
	"github.com/pigeonchat/pigeon/internal/logging"
	"github.com/pigeonchat/pigeon/internal/profile"
	"github.com/pigeonchat/pigeon/internal/status"
	"github.com/pigeonchat/pigeon/internal/transport"
)

// Params holds the resolved invocation parameters passed to the fx module.
type Params struct {
	ProfileName string
	UserID      int64
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("pigeon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideSession,
			provideGateway,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.NewBus()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := cache.Open(dbPath)
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

func provideSession(cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Session {
	return transport.NewSession(transport.Options{URL: cfg.SocketURL}, m, b, logger)
}

func provideGateway(cfg *config.Config, logger *zap.Logger) *gateway.Client {
	return gateway.NewClient(cfg.ServerURL, cfg.AuthToken, logger)
}

func provideClient(p Params, cfg *config.Config, session *transport.Session, gw *gateway.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *client.Client {
	return client.New(client.Options{
		Self:       p.UserID,
		Session:    session,
		Gateway:    gw,
		Cache:      db,
		Bus:        b,
		Logger:     logger,
		Debounce:   chat.NewDebouncer(cfg.SearchDebounce()),
		Reconciler: chat.NewReconciler(gw, p.UserID, cfg.ReconcileInterval(), logger),
		PageSize:   cfg.HistoryPageSize,
	})
}

func registerLifecycle(lc fx.Lifecycle, c *client.Client, db *cache.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Connect in the background so a dead server does not block
			// startup; the cached directory renders meanwhile.
			go func() {
				if err := c.Start(context.Background()); err != nil {
					logger.Error("client start failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			c.Stop()
			_ = db.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("stopped")
			return nil
		},
	})
}
