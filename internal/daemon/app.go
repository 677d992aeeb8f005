// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime lifecycle: the config
// watcher, SIGHUP reload wiring, and the operator HTTP server. The
// coordinator itself is started by the caller; the app only holds the
// pieces that live and die with the process.
package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/proofcast/proofcast/internal/config"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/ops"
)

// ErrMissingServer is returned when Run is called without an operator
// server.
var ErrMissingServer = errors.New("daemon: operator server is required")

// App orchestrates the daemon's background subsystems.
type App struct {
	logger       zerolog.Logger
	holder       *config.Holder
	opsServer    *ops.Server
	reloadSignal os.Signal
}

// NewApp creates the orchestrator. holder may be nil when hot reload is
// not wanted.
func NewApp(holder *config.Holder, opsServer *ops.Server) *App {
	return &App{
		logger:       log.WithComponent("daemon"),
		holder:       holder,
		opsServer:    opsServer,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts all owned subsystems and blocks until ctx is canceled or a
// fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.opsServer == nil {
		return ErrMissingServer
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: startup does not fail if the
	// watcher cannot be started.
	if a.holder != nil {
		if err := a.holder.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
		}

		// Reloaded configs re-apply the log level at runtime.
		logCh := make(chan config.Config, 1)
		a.holder.Subscribe(logCh)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-logCh:
					log.SetLevel(cfg.Log.Level)
					a.logger.Info().Str("level", cfg.Log.Level).Msg("log level reapplied")
				}
			}
		})

		// SIGHUP trigger for manual reload.
		if a.reloadSignal != nil {
			g.Go(func() error {
				hupChan := make(chan os.Signal, 1)
				signal.Notify(hupChan, a.reloadSignal)
				defer signal.Stop(hupChan)

				for {
					select {
					case <-ctx.Done():
						return nil
					case <-hupChan:
						a.logger.Info().
							Str("event", "config.reload_signal").
							Str("signal", a.reloadSignal.String()).
							Msg("received reload signal, reloading config")

						if err := a.holder.Reload(context.Background()); err != nil {
							a.logger.Warn().
								Err(err).
								Str("event", "config.reload_failed").
								Msg("config reload failed")
						}
					}
				}
			})
		}
	}

	// Operator server lifecycle.
	g.Go(func() error {
		return a.opsServer.Run(ctx)
	})

	return g.Wait()
}
