package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/rubybox/auth"
	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/depenv"
	"github.com/isdmx/rubybox/dispatcher"
	"github.com/isdmx/rubybox/logger"
	"github.com/isdmx/rubybox/mcpserver"
	"github.com/isdmx/rubybox/sandbox"
	"github.com/isdmx/rubybox/transport"
)

// stopTimeout leaves room for the configured drain plus process reaping
const stopTimeout = 10 * time.Minute

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Shared secret
			auth.NewFromConfig,

			// Execution pipeline
			depenv.NewFromConfig,
			sandbox.NewFromConfig,
			dispatcher.NewFromConfig,

			// MCP Server
			mcpserver.New,

			// Transports
			transport.NewEngineFromServer,
			transport.NewFromConfig,
		),

		fx.Invoke(run),

		fx.StopTimeout(stopTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

type runParams struct {
	fx.In

	Lifecycle     fx.Lifecycle
	Shutdowner    fx.Shutdowner
	Config        *config.Config
	Logger        *zap.Logger
	Authenticator *auth.Authenticator
	Dispatcher    *dispatcher.Dispatcher
	Transports    *transport.Set
}

func run(p runParams) {
	serveCtx, stopServing := context.WithCancel(context.Background())
	served := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(served)

				err := p.Transports.Serve(serveCtx)
				if serveCtx.Err() != nil {
					// stopping already
					return
				}
				if err != nil {
					p.Logger.Error("transport failed", zap.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				p.Logger.Info("all transports closed")
				_ = p.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			drainCtx, cancel := context.WithTimeout(ctx, p.Config.GetShutdownTimeout())
			defer cancel()

			p.Logger.Info("shutting down", zap.Duration("drain_timeout", p.Config.GetShutdownTimeout()))
			p.Transports.Announce()
			stopServing()

			dispatched := make(chan error, 1)
			go func() {
				dispatched <- p.Dispatcher.Shutdown(drainCtx)
			}()

			transportErr := p.Transports.Shutdown(ctx)
			if err := <-dispatched; err != nil {
				p.Logger.Warn("in-flight requests were cancelled at shutdown", zap.Error(err))
			}

			select {
			case <-served:
			case <-ctx.Done():
			}

			p.Authenticator.Destroy()
			_ = p.Logger.Sync()

			if transportErr != nil && !errors.Is(transportErr, context.Canceled) {
				return transportErr
			}
			return nil
		},
	})
}
