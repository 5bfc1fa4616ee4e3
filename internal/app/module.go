// Package app is the composition root: it wires the sync engine's
// components together with fx and owns their lifecycle.
package app

import (
	"context"

	"github.com/mvbatista/tether/internal/bus"
	"github.com/mvbatista/tether/internal/clock"
	"github.com/mvbatista/tether/internal/config"
	"github.com/mvbatista/tether/internal/engine"
	"github.com/mvbatista/tether/internal/history"
	"github.com/mvbatista/tether/internal/lock"
	"github.com/mvbatista/tether/internal/logging"
	"github.com/mvbatista/tether/internal/outbox"
	"github.com/mvbatista/tether/internal/profile"
	"github.com/mvbatista/tether/internal/remote"
	"github.com/mvbatista/tether/internal/retry"
	"github.com/mvbatista/tether/internal/status"
	"github.com/mvbatista/tether/internal/store"
	intsync "github.com/mvbatista/tether/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and the external collaborators the
// engine consumes but does not implement: the remote store, the
// network-state provider and the auth session.
type Params struct {
	ProfileName string
	UserID      string
	Remote      remote.Store
	Monitor     remote.NetworkMonitor // optional; nil assumes always-online
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMerger,
			provideListeners,
			provideRetryManager,
			providePipeline,
			provideHistoryLoader,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() *clock.Clock {
	return clock.New()
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMerger(p Params, db *store.DB, b *bus.Bus, clk *clock.Clock, logger *zap.Logger) *intsync.Merger {
	return intsync.NewMerger(db, b, clk, p.UserID, logger)
}

func provideListeners(p Params, merger *intsync.Merger, db *store.DB, logger *zap.Logger) *intsync.ListenerManager {
	return intsync.NewListenerManager(p.Remote, merger, db, logger)
}

func provideRetryManager(p Params, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *retry.Manager {
	return retry.NewManager(db, p.Remote, b, retry.Options{
		MaxAttempts:  cfg.Sync.MaxAttempts,
		BackoffBase:  cfg.BackoffBase(),
		BackoffMax:   cfg.BackoffMax(),
		WriteTimeout: cfg.WriteTimeout(),
	}, logger)
}

func providePipeline(db *store.DB, clk *clock.Clock, b *bus.Bus, retries *retry.Manager, cfg *config.Config, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(db, clk, b, retries, cfg.Limits.MaxBodyBytes, logger)
}

func provideHistoryLoader(p Params, db *store.DB, merger *intsync.Merger, cfg *config.Config, logger *zap.Logger) *history.Loader {
	return history.NewLoader(db, p.Remote, merger, cfg.Sync.PageSize, logger)
}

func provideEngine(p Params, db *store.DB, b *bus.Bus, pipeline *outbox.Pipeline, retries *retry.Manager,
	listeners *intsync.ListenerManager, loader *history.Loader, logger *zap.Logger) *engine.Engine {
	return engine.New(db, b, pipeline, retries, listeners, loader, engine.StaticSession(p.UserID), logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, db *store.DB, lk *lock.Lock,
	listeners *intsync.ListenerManager, retries *retry.Manager,
	machine *status.Machine, logger *zap.Logger) {
	var netCancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			listeners.Start(context.Background())
			retries.Start(context.Background())

			if p.Monitor != nil {
				var ctx context.Context
				ctx, netCancel = context.WithCancel(context.Background())
				go watchNetwork(ctx, p.Monitor, machine)
			} else {
				_ = machine.Transition(status.Connecting)
				_ = machine.Transition(status.Syncing)
				_ = machine.Transition(status.Online)
			}
			logger.Info("sync engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if netCancel != nil {
				netCancel()
			}
			retries.Stop()
			listeners.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync engine stopped")
			return nil
		},
	})
}

// watchNetwork maps the network-state provider's transitions onto the
// connectivity machine; the retry manager keys its reconnect sweep off the
// resulting bus events.
func watchNetwork(ctx context.Context, monitor remote.NetworkMonitor, machine *status.Machine) {
	ch := monitor.Watch(ctx)
	for {
		select {
		case online, ok := <-ch:
			if !ok {
				return
			}
			if online {
				_ = machine.Transition(status.Connecting)
				_ = machine.Transition(status.Syncing)
				_ = machine.Transition(status.Online)
			} else {
				_ = machine.Transition(status.Offline)
			}
		case <-ctx.Done():
			return
		}
	}
}
