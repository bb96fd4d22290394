package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// KeepAliveInterval is how often an idle SSE stream receives a comment line
const KeepAliveInterval = 15 * time.Second

// NetworkAdapter is a transport served on the HTTP listener
type NetworkAdapter interface {
	Kind() session.Kind
	Register(router *httprouter.Router)
	// Drain stops accepting sessions and messages. Open streams end once
	// every accepted request has been delivered.
	Drain()
}

// SSEOption defines a functional option for SSEAdapter
type SSEOption func(*SSEAdapter)

// WithKeepAlive sets the keep-alive interval of SSE streams
func WithKeepAlive(d time.Duration) SSEOption {
	return func(a *SSEAdapter) {
		a.keepAlive = d
	}
}

type sseStream struct {
	sess *session.Session
	out  *outbox
}

// SSEAdapter serves MCP over a server-sent event stream plus a POST endpoint.
// Responses on a stream are written strictly in the order their requests
// were accepted.
type SSEAdapter struct {
	logger    *zap.Logger
	engine    *Engine
	auth      Authenticator
	basePath  string
	keepAlive time.Duration

	mu        sync.Mutex
	streams   map[string]*sseStream
	draining  chan struct{}
	drainOnce sync.Once
}

// NewSSE creates an SSEAdapter serving under basePath
func NewSSE(logger *zap.Logger, engine *Engine, auth Authenticator, basePath string, opts ...SSEOption) *SSEAdapter {
	a := &SSEAdapter{
		logger:    logger.With(zap.String("transport", string(session.KindSSE))),
		engine:    engine,
		auth:      auth,
		basePath:  strings.TrimSuffix(basePath, "/"),
		keepAlive: KeepAliveInterval,
		streams:   make(map[string]*sseStream),
		draining:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Kind returns session.KindSSE
func (*SSEAdapter) Kind() session.Kind {
	return session.KindSSE
}

// Register adds the stream and message routes
func (a *SSEAdapter) Register(router *httprouter.Router) {
	router.GET(a.basePath+"/sse", a.handleStream)
	router.POST(a.basePath+"/message", a.handleMessage)
}

// Drain stops accepting streams and messages
func (a *SSEAdapter) Drain() {
	a.drainOnce.Do(func() { close(a.draining) })
}

func (a *SSEAdapter) isDraining() bool {
	select {
	case <-a.draining:
		return true
	default:
		return false
	}
}

func (a *SSEAdapter) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if a.isDraining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, err := a.auth.Authenticate(session.KindSSE, credentialFromRequest(r))
	if err != nil {
		a.logger.Warn("rejected stream", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		writeUnauthorized(w)
		return
	}

	stream := &sseStream{sess: sess, out: newOutbox()}
	sess.SetNotifier(func(n toolcall.Notification) {
		frame, encErr := EncodeNotification(n)
		if encErr != nil {
			a.logger.Error("failed to encode notification", zap.Error(encErr))
			return
		}
		stream.out.push(sseFrame("message", frame))
	})

	a.mu.Lock()
	a.streams[sess.ID()] = stream
	a.mu.Unlock()
	a.engine.Attach(sess)

	defer func() {
		a.mu.Lock()
		delete(a.streams, sess.ID())
		a.mu.Unlock()
		a.engine.Detach(sess)
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	endpoint := fmt.Sprintf("%s/message?sessionId=%s", a.basePath, sess.ID())
	if err := writeFlush(w, rc, sseFrame("endpoint", []byte(endpoint))); err != nil {
		return
	}

	a.pump(r.Context(), w, rc, stream)
}

// pump writes ready frames until the client goes away, or until the adapter
// drains and nothing accepted is left undelivered
func (a *SSEAdapter) pump(ctx context.Context, w io.Writer, rc *http.ResponseController, stream *sseStream) {
	ticker := time.NewTicker(a.keepAlive)
	defer ticker.Stop()

	draining := a.draining
	stopping := false

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("stream closed by client", zap.String("session_id", stream.sess.ID()))
			return
		case <-stream.out.ready:
			for _, frame := range stream.out.drain() {
				if err := writeFlush(w, rc, frame); err != nil {
					a.logger.Debug("stream write failed", zap.String("session_id", stream.sess.ID()), zap.Error(err))
					return
				}
			}
		case <-ticker.C:
			if err := writeFlush(w, rc, []byte(": keep-alive\n\n")); err != nil {
				return
			}
		case <-draining:
			draining = nil
			stopping = true
		}

		if stopping && stream.out.idle() {
			return
		}
	}
}

func (a *SSEAdapter) handleMessage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if a.isDraining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	a.mu.Lock()
	stream, ok := a.streams[r.URL.Query().Get("sessionId")]
	a.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if credential := credentialFromRequest(r); credential != "" {
		if err := a.auth.Verify(stream.sess, credential); err != nil {
			a.logger.Warn("rejected message with mismatched credential", zap.String("session_id", stream.sess.ID()))
			writeUnauthorized(w)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read message", http.StatusBadRequest)
		return
	}

	msg, err := Decode(body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(DecodeErrorResponse(&msg, err))
		return
	}

	seq := stream.out.reserve()
	ctx := context.WithoutCancel(r.Context())
	go func() {
		var frame []byte
		if resp := a.engine.Handle(ctx, stream.sess, &msg); resp != nil {
			frame = sseFrame("message", resp)
		}
		stream.out.complete(seq, frame)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func sseFrame(event string, data []byte) []byte {
	frame := make([]byte, 0, len(event)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, event...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

func writeFlush(w io.Writer, rc *http.ResponseController, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// credentialFromRequest returns the API key presented as a bearer token or
// in the X-API-Key header
func credentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="rubybox"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
