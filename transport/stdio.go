package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// StdioAdapter serves one session over line-delimited JSON-RPC on a pair of
// streams, normally the process's stdin and stdout
type StdioAdapter struct {
	logger     *zap.Logger
	engine     *Engine
	auth       Authenticator
	credential string
	in         io.Reader
	out        io.Writer

	writeMu  sync.Mutex
	handlers sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewStdio creates a StdioAdapter. credential is presented to the
// authenticator once, when Serve starts.
func NewStdio(logger *zap.Logger, engine *Engine, auth Authenticator, credential string, in io.Reader, out io.Writer) *StdioAdapter {
	return &StdioAdapter{
		logger:     logger.With(zap.String("transport", string(session.KindStdio))),
		engine:     engine,
		auth:       auth,
		credential: credential,
		in:         in,
		out:        out,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Kind returns session.KindStdio
func (*StdioAdapter) Kind() session.Kind {
	return session.KindStdio
}

// Serve reads messages until the input ends, ctx is cancelled or Shutdown is
// called. End of input is a disconnect: the session is destroyed and its
// in-flight requests are cancelled. On ctx cancellation or Shutdown the
// adapter stops reading but still delivers results of accepted requests.
func (a *StdioAdapter) Serve(ctx context.Context) error {
	defer close(a.done)
	defer a.stopOnce.Do(func() { close(a.stop) })

	sess, err := a.auth.Authenticate(session.KindStdio, a.credential)
	if err != nil {
		a.logger.Warn("stdio authentication failed, all requests will be rejected", zap.Error(err))
		sess = nil
	} else {
		sess.SetNotifier(a.notify)
		a.engine.Attach(sess)
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go a.read(lines, readErr)

	handlerCtx := context.WithoutCancel(ctx)
	var serveErr error

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				serveErr = <-readErr
				if sess != nil {
					a.logger.Info("stdin closed, closing session", zap.String("session_id", sess.ID()))
					a.engine.Detach(sess)
					sess = nil
				}
				break loop
			}
			a.dispatch(handlerCtx, sess, line)
		case <-ctx.Done():
			break loop
		case <-a.stop:
			break loop
		}
	}

	a.handlers.Wait()
	if sess != nil {
		a.engine.Detach(sess)
	}
	return serveErr
}

// Shutdown stops reading input and waits for Serve to deliver the results of
// accepted requests
func (a *StdioAdapter) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *StdioAdapter) read(lines chan<- []byte, readErr chan<- error) {
	defer close(lines)

	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case lines <- line:
		case <-a.stop:
			readErr <- nil
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		readErr <- fmt.Errorf("failed to read stdin: %w", err)
		return
	}
	readErr <- nil
}

func (a *StdioAdapter) dispatch(ctx context.Context, sess *session.Session, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	msg, err := Decode(line)
	if err != nil {
		a.logger.Debug("rejecting undecodable message", zap.Error(err))
		a.write(DecodeErrorResponse(&msg, err))
		return
	}

	if sess == nil {
		if resp := UnauthorizedResponse(&msg); resp != nil {
			a.write(resp)
		}
		return
	}

	a.handlers.Add(1)
	go func() {
		defer a.handlers.Done()
		if resp := a.engine.Handle(ctx, sess, &msg); resp != nil {
			a.write(resp)
		}
	}()
}

func (a *StdioAdapter) notify(n toolcall.Notification) {
	frame, err := EncodeNotification(n)
	if err != nil {
		a.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	a.write(frame)
}

func (a *StdioAdapter) write(frame json.RawMessage) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := a.out.Write(buf); err != nil {
		a.logger.Debug("failed to write to stdout", zap.Error(err))
	}
}
