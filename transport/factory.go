package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/rubybox/auth"
	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/dispatcher"
	"github.com/isdmx/rubybox/mcpserver"
	"github.com/isdmx/rubybox/toolcall"
)

// ShutdownReason is broadcast to open sessions when the server stops
const ShutdownReason = "server shutting down"

// NewEngineFromServer creates the Engine routing to the MCP server and dispatcher
func NewEngineFromServer(logger *zap.Logger, srv *mcpserver.MCPServer, d *dispatcher.Dispatcher) *Engine {
	return NewEngine(logger, srv, d)
}

// NewNetworkAdapter creates the network adapter selected by name
func NewNetworkAdapter(logger *zap.Logger, engine *Engine, authenticator Authenticator, name, basePath string) (NetworkAdapter, error) {
	switch name {
	case config.TransportSSE:
		return NewSSE(logger, engine, authenticator, basePath), nil
	case config.TransportStreamableHTTP:
		return NewStreamable(logger, engine, authenticator, basePath), nil
	default:
		return nil, fmt.Errorf("unsupported remote transport: %s", name)
	}
}

// Set is the group of adapters running in one process
type Set struct {
	logger   *zap.Logger
	engine   *Engine
	adapters []Adapter
}

// NewSet creates a Set of adapters
func NewSet(logger *zap.Logger, engine *Engine, adapters ...Adapter) *Set {
	return &Set{logger: logger, engine: engine, adapters: adapters}
}

// NewFromConfig builds the adapters enabled by the configuration: stdio on
// the process's standard streams and at most one network adapter
func NewFromConfig(cfg *config.Config, logger *zap.Logger, engine *Engine, authenticator *auth.Authenticator, d *dispatcher.Dispatcher) (*Set, error) {
	return newFromConfig(cfg, logger, engine, authenticator, d.Stats, os.Stdin, os.Stdout)
}

func newFromConfig(cfg *config.Config, logger *zap.Logger, engine *Engine, authenticator Authenticator, stats StatsFunc, in io.Reader, out io.Writer) (*Set, error) {
	var adapters []Adapter

	if cfg.StdioEnabled() {
		adapters = append(adapters, NewStdio(logger, engine, authenticator, cfg.Server.StdioCredential, in, out))
	}

	if cfg.NetworkEnabled() {
		network, err := NewNetworkAdapter(logger, engine, authenticator, cfg.Server.RemoteTransport, cfg.Server.BasePath)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, NewHTTPServer(logger, cfg.Server.HTTPAddr, engine, network, stats))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no transport enabled")
	}

	return NewSet(logger, engine, adapters...), nil
}

// Adapters returns the adapters of the set
func (s *Set) Adapters() []Adapter {
	return s.adapters
}

// Serve runs every adapter until all of them return. It returns the first error.
func (s *Set) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range s.adapters {
		g.Go(func() error {
			if err := adapter.Serve(ctx); err != nil {
				return fmt.Errorf("%s transport: %w", adapter.Kind(), err)
			}
			s.logger.Info("transport stopped", zap.String("transport", string(adapter.Kind())))
			return nil
		})
	}
	return g.Wait()
}

// Announce tells every open session that the server is going away
func (s *Set) Announce() {
	s.engine.Broadcast(toolcall.NewShutdown(ShutdownReason))
}

// Shutdown stops every adapter, waiting up to ctx for accepted requests to be delivered
func (s *Set) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range s.adapters {
		g.Go(func() error {
			return adapter.Shutdown(ctx)
		})
	}
	return g.Wait()
}
