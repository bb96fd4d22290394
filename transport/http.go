package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/isdmx/rubybox/dispatcher"
	"github.com/isdmx/rubybox/session"
)

// ReadHeaderTimeout bounds how long a client may take to send request headers
const ReadHeaderTimeout = 10 * time.Second

// StatsFunc reports the dispatcher load shown by the health endpoint
type StatsFunc func() dispatcher.Stats

// HTTPServer is the HTTP listener hosting one network adapter
type HTTPServer struct {
	logger  *zap.Logger
	engine  *Engine
	adapter NetworkAdapter
	stats   StatsFunc
	server  *http.Server
	router  *httprouter.Router

	mu   sync.Mutex
	addr net.Addr
}

// NewHTTPServer creates an HTTPServer listening on addr
func NewHTTPServer(logger *zap.Logger, addr string, engine *Engine, adapter NetworkAdapter, stats StatsFunc) *HTTPServer {
	s := &HTTPServer{
		logger:  logger,
		engine:  engine,
		adapter: adapter,
		stats:   stats,
		router:  httprouter.New(),
	}

	s.router.GET("/healthz", s.handleHealth)
	adapter.Register(s.router)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger),
	}

	return s
}

// Kind returns the kind of the hosted adapter
func (s *HTTPServer) Kind() session.Kind {
	return s.adapter.Kind()
}

// Handler returns the routes of the server
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Serve is listening
func (s *HTTPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens and serves until Shutdown is called
func (s *HTTPServer) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("starting MCP server on HTTP",
		zap.String("transport", string(s.adapter.Kind())),
		zap.String("addr", ln.Addr().String()))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains the adapter and waits for open streams to finish. Streams
// still open when ctx expires are closed forcibly.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.adapter.Drain()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("forcing HTTP server close", zap.Error(err))
		_ = s.server.Close()
		return err
	}
	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Sessions  int    `json:"sessions"`
	Queued    int64  `json:"queued"`
	Running   int64  `json:"running"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := healthResponse{
		Status:    "ok",
		Transport: string(s.adapter.Kind()),
		Sessions:  s.engine.Live(),
	}
	if s.stats != nil {
		stats := s.stats()
		resp.Queued = stats.Queued
		resp.Running = stats.Running
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write health response", zap.Error(err))
	}
}
