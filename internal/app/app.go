// Package app assembles the aggregator process: settings, catalog store,
// watcher, mount engine, notification coordinator, kit loader, auth and
// the outward server, plus the run loop that ties their lifecycles
// together.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"magg/internal/aggregator"
	"magg/internal/auth"
	"magg/internal/backend"
	"magg/internal/config"
	"magg/internal/kit"
	"magg/internal/mount"
	"magg/internal/notify"
	"magg/internal/watcher"
	"magg/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// ErrInterrupted marks a shutdown triggered by the user; the CLI maps it
// to exit code 130.
var ErrInterrupted = errors.New("interrupted")

// Config are the process-level arguments from the CLI.
type Config struct {
	ConfigDir  string
	Transport  aggregator.Transport
	Port       int
	Debug      bool
	InheritEnv bool
}

// Application owns the assembled components.
type Application struct {
	settings    *config.Settings
	store       *config.Store
	coordinator *notify.Coordinator
	engine      *mount.Engine
	kits        *kit.Loader
	watch       *watcher.Watcher
	server      *aggregator.Server

	errCh chan error
}

// NewApplication builds the component graph. Nothing is started yet.
func NewApplication(cfg Config) (*Application, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		var err error
		configDir, err = config.DefaultConfigDir()
		if err != nil {
			return nil, err
		}
	}

	settings, err := config.LoadSettings(configDir)
	if err != nil {
		return nil, err
	}
	if cfg.Port > 0 {
		settings.Port = cfg.Port
	}
	if cfg.Debug {
		settings.LogLevel = "debug"
	}
	// Settings may raise or lower the level the CLI started with; stderr
	// keeps stdout clean for the stdio transport.
	logging.Init(logging.ParseLevel(settings.LogLevel), os.Stderr)

	store := config.NewStore(settings.CatalogPath(), settings.Separator, settings.ReadOnly)

	key, err := auth.LoadKey(settings.PrivateKey, settings.PrivateKeyPath())
	if err != nil {
		return nil, err
	}
	authn := auth.NewAuthenticator(key, settings.SelfPrefix, settings.SelfPrefix)

	coordinator := notify.NewCoordinator(notify.Options{
		LogRate:  settings.NotifyLogRate,
		LogBurst: settings.NotifyLogBurst,
	})

	engine := mount.NewEngine(settings.Separator, backend.Options{
		Factory: backend.FactoryOptions{
			InheritEnv:  cfg.InheritEnv,
			ShowStderr:  settings.StderrShow,
			BearerToken: settings.JWT,
		},
	}, coordinator)

	kits := kit.NewLoader(settings.KitDir(), settings.Separator)

	var watch *watcher.Watcher
	if settings.AutoReload {
		watch = watcher.New(watcher.Options{
			Path:         settings.CatalogPath(),
			PollInterval: settings.ReloadPollInterval,
			Watchdog:     watcher.Mode(settings.ReloadUseWatchdog),
		})
	}

	app := &Application{
		settings:    settings,
		store:       store,
		coordinator: coordinator,
		engine:      engine,
		kits:        kits,
		watch:       watch,
		errCh:       make(chan error, 1),
	}

	app.server = aggregator.NewServer(aggregator.Options{
		Settings:    settings,
		Store:       store,
		Engine:      engine,
		Coordinator: coordinator,
		Kits:        kits,
		Auth:        authn,
		Watcher:     watch,
		Transport:   cfg.Transport,
		ErrorCallback: func(err error) {
			select {
			case app.errCh <- err:
			default:
			}
		},
	})

	return app, nil
}

// Settings exposes the resolved settings, mainly for the CLI.
func (a *Application) Settings() *config.Settings {
	return a.settings
}

// Run starts everything and blocks until the context ends, a fatal serve
// error occurs, or the user interrupts.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A catalog that cannot be read at startup is fatal.
	catalog, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	// Mount the initial catalog as a diff from empty.
	diff := config.Compute(config.NewCatalog(), catalog)
	if err := a.engine.Apply(ctx, catalog, diff); err != nil {
		return fmt.Errorf("failed to mount initial catalog: %w", err)
	}

	if err := a.server.Start(ctx); err != nil {
		a.engine.Shutdown()
		return fmt.Errorf("failed to start aggregator server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if a.watch != nil {
		if err := a.watch.Start(groupCtx); err != nil {
			logging.Warn("App", "Config watcher failed to start: %v", err)
		} else {
			group.Go(func() error {
				for {
					select {
					case <-groupCtx.Done():
						return nil
					case <-a.watch.Events():
						if err := a.server.ReloadFromDisk(groupCtx); err != nil {
							logging.Warn("App", "Reload failed, previous catalog stays in force: %v", err)
						}
					}
				}
			})
		}
	}

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case err := <-a.errCh:
			return err
		}
	})

	logging.Info("App", "magg is serving on %s", a.server.GetEndpoint())

	runErr := group.Wait()
	interrupted := ctx.Err() != nil

	a.shutdown()

	if runErr != nil {
		return runErr
	}
	if interrupted {
		return ErrInterrupted
	}
	return nil
}

// shutdown stops components in reverse start order.
func (a *Application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.watch != nil {
		a.watch.Stop()
	}
	if err := a.server.Stop(shutdownCtx); err != nil {
		logging.Warn("App", "Error stopping aggregator server: %v", err)
	}
	a.engine.Shutdown()
	logging.Info("App", "Shutdown complete")
}
