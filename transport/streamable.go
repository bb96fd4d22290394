package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// streamConn is the response side of one streamable-http connection
type streamConn struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

func (c *streamConn) write(frame json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	return writeFlush(c.w, c.rc, line)
}

// close makes later writes fail; the ResponseWriter is invalid once the handler returns
func (c *streamConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// StreamableAdapter serves MCP over a single full-duplex HTTP exchange per
// session: newline-delimited requests in the request body and responses in
// the response body, each written as soon as it is ready.
type StreamableAdapter struct {
	logger   *zap.Logger
	engine   *Engine
	auth     Authenticator
	basePath string

	mu        sync.Mutex
	conns     map[*streamConn]struct{}
	draining  chan struct{}
	drainOnce sync.Once
}

// NewStreamable creates a StreamableAdapter serving under basePath
func NewStreamable(logger *zap.Logger, engine *Engine, auth Authenticator, basePath string) *StreamableAdapter {
	return &StreamableAdapter{
		logger:   logger.With(zap.String("transport", string(session.KindStreamableHTTP))),
		engine:   engine,
		auth:     auth,
		basePath: strings.TrimSuffix(basePath, "/"),
		conns:    make(map[*streamConn]struct{}),
		draining: make(chan struct{}),
	}
}

// Kind returns session.KindStreamableHTTP
func (*StreamableAdapter) Kind() session.Kind {
	return session.KindStreamableHTTP
}

// Register adds the stream route
func (a *StreamableAdapter) Register(router *httprouter.Router) {
	router.POST(a.basePath+"/mcp", a.handleStream)
}

// Drain stops accepting sessions and stops reading requests from open
// streams. Responses to accepted requests are still written.
func (a *StreamableAdapter) Drain() {
	a.drainOnce.Do(func() {
		close(a.draining)

		a.mu.Lock()
		defer a.mu.Unlock()
		for conn := range a.conns {
			// unblocks the pending body read
			_ = conn.rc.SetReadDeadline(time.Now())
		}
	})
}

func (a *StreamableAdapter) isDraining() bool {
	select {
	case <-a.draining:
		return true
	default:
		return false
	}
}

func (a *StreamableAdapter) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if a.isDraining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, err := a.auth.Authenticate(session.KindStreamableHTTP, credentialFromRequest(r))
	if err != nil {
		a.logger.Warn("rejected stream", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		writeUnauthorized(w)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		a.logger.Debug("full duplex not supported", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	conn := &streamConn{w: w, rc: rc}
	sess.SetNotifier(func(n toolcall.Notification) {
		frame, encErr := EncodeNotification(n)
		if encErr != nil {
			a.logger.Error("failed to encode notification", zap.Error(encErr))
			return
		}
		_ = conn.write(frame)
	})

	a.mu.Lock()
	a.conns[conn] = struct{}{}
	if a.isDraining() {
		_ = rc.SetReadDeadline(time.Now())
	}
	a.mu.Unlock()
	a.engine.Attach(sess)

	var detachOnce sync.Once
	detach := func() { detachOnce.Do(func() { a.engine.Detach(sess) }) }
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		detach()
		conn.close()
	}()

	var pending sync.WaitGroup
	ctx := context.WithoutCancel(r.Context())

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, decErr := Decode(line)
		if decErr != nil {
			_ = conn.write(DecodeErrorResponse(&msg, decErr))
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			if resp := a.engine.Handle(ctx, sess, &msg); resp != nil {
				if writeErr := conn.write(resp); writeErr != nil {
					a.logger.Debug("stream write failed", zap.String("session_id", sess.ID()), zap.Error(writeErr))
				}
			}
		}()
	}

	if readErr := scanner.Err(); readErr != nil && !a.isDraining() {
		// the request body broke before it ended: the client is gone
		a.logger.Info("connection lost", zap.String("session_id", sess.ID()), zap.Error(readErr))
		detach()
	}

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-r.Context().Done():
		a.logger.Info("connection lost with requests pending", zap.String("session_id", sess.ID()))
		detach()
		<-done
	}
}
