// Package daemon composes the RPC core into a runnable process.
package daemon

import (
	"context"
	"io"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/cache"
	"github.com/imsglab/imsg/internal/config"
	"github.com/imsglab/imsg/internal/imessage"
	"github.com/imsglab/imsg/internal/logging"
	"github.com/imsglab/imsg/internal/status"
	"github.com/imsglab/imsg/internal/store"
	"github.com/imsglab/imsg/internal/watch"
)

// Params holds the command-line inputs passed to the fx module. In and Out
// default to stdio; tests override them with pipes.
type Params struct {
	DBPath string
	In     io.Reader
	Out    io.Writer
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMachine,
			provideStore,
			provideCache,
			provideWatcher,
			provideSender,
			provideContacts,
			provideObserver,
			NewServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(config.Path())
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.ResolveLogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideStore(p Params, cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	path := cfg.ResolveDBPath(p.DBPath)
	db, err := store.Open(context.Background(), path)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("path", path))
	return db, nil
}

func provideCache(db *store.DB) *cache.Chats {
	return cache.New(db)
}

func provideWatcher(db *store.DB, cfg *config.Config, logger *zap.Logger) *watch.Watcher {
	return watch.New(db, cfg.WatchConfig(), logger)
}

func provideSender(logger *zap.Logger) imessage.Sender {
	return imessage.NewScript(logger)
}

func provideContacts(logger *zap.Logger) imessage.Contacts {
	return imessage.NewAddressBook(logger)
}

func provideObserver(b *bus.Bus, logger *zap.Logger) *Observer {
	return NewObserver(b, logger)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, srv *Server, obs *Observer, machine *status.Machine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			obs.Start()
			if err := machine.Transition(status.Serving); err != nil {
				return err
			}
			go func() {
				code := 0
				if err := srv.Run(); err != nil {
					logger.Error("rpc session failed", zap.Error(err))
					code = 1
				}
				_ = machine.Transition(status.Draining)
				_ = shutdowner.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			srv.Stop()
			// Signal-triggered shutdown skips the EOF path, so the
			// Draining hop may still be pending here.
			_ = machine.Transition(status.Draining)
			_ = machine.Transition(status.Stopped)
			obs.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
