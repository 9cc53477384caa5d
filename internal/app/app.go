// Package app wires configuration, model bindings, and the Server into a
// running application, and owns the process-level lifecycle: New builds
// every subsystem from a loaded [config.Config], Run serves until its
// context is cancelled, and Shutdown tears everything down in order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxstream/streamasr/internal/config"
	"github.com/voxstream/streamasr/internal/resilience"
	"github.com/voxstream/streamasr/internal/server"
	"github.com/voxstream/streamasr/pkg/asr/model"
)

// App owns the Server's lifetime and, optionally, a config file watcher that
// hot-reloads the subset of fields safe to change at runtime.
type App struct {
	srv *server.Server

	watcher *config.Watcher

	closers  []func() error
	stopOnce sync.Once
}

// Option configures an App during construction.
type Option func(*options)

type options struct {
	breaker       *resilience.CircuitBreaker
	watchPath     string
	watchInterval time.Duration
}

// WithCircuitBreaker guards the Server's scheduler encoder Forward calls with
// cb. See [server.WithCircuitBreaker].
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithConfigWatch enables hot-reload: path is polled every interval (default
// 5s, see [config.WithInterval]) and the safe-to-reload subset of fields
// (max_wait_ms, max_batch_size, max_active_connections) is applied to the
// running Server without a restart. A log_level change is only logged: the
// process logger keeps the level it was built with at startup.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(o *options) {
		o.watchPath = path
		o.watchInterval = interval
	}
}

// New builds an App from cfg, wiring a [config.Registry], a [server.Server],
// and — if [WithConfigWatch] is given — a hot-reload watcher. set supplies
// the encoder/predictor/joiner/tokenizer/feature-extractor bindings; New
// does not load them itself (see config.ModelConfig — they are an opaque
// artifact the caller is responsible for loading).
func New(ctx context.Context, cfg *config.Config, set *model.Set, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	reg := config.NewRegistry()

	var srvOpts []server.Option
	if o.breaker != nil {
		srvOpts = append(srvOpts, server.WithCircuitBreaker(o.breaker))
	}

	srv, err := server.New(cfg, set, reg, srvOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create server: %w", err)
	}

	a := &App{srv: srv}

	if o.watchPath != "" {
		var watcherOpts []config.WatcherOption
		if o.watchInterval > 0 {
			watcherOpts = append(watcherOpts, config.WithInterval(o.watchInterval))
		}
		w, err := config.NewWatcher(o.watchPath, a.applyHotReload, watcherOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: start config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// applyHotReload applies whichever hot-reloadable fields the watcher's diff
// reports as changed to the running Server and its scheduler. The watcher
// only calls this when diff.Changed() is true.
func (a *App) applyHotReload(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		slog.Info("config: log level changed", "new", diff.NewLogLevel)
	}
	if diff.MaxWaitMsChanged {
		a.srv.Scheduler().SetMaxWait(time.Duration(diff.NewMaxWaitMs) * time.Millisecond)
		slog.Info("config: max_wait_ms changed", "new", diff.NewMaxWaitMs)
	}
	if diff.MaxBatchSizeChanged {
		a.srv.Scheduler().SetMaxBatchSize(diff.NewMaxBatchSize)
		slog.Info("config: max_batch_size changed", "new", diff.NewMaxBatchSize)
	}
	if diff.MaxActiveConnectionsChanged {
		a.srv.SetMaxActiveConnections(diff.NewMaxActiveConnections)
		slog.Info("config: max_active_connections changed", "new", diff.NewMaxActiveConnections)
	}
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.srv.Run(ctx)
}

// Shutdown stops the config watcher (if any) and tears down the Server.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		for _, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "err", err)
			}
		}
		shutdownErr = a.srv.Shutdown(ctx)
	})
	return shutdownErr
}
