package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/rubybox/auth"
	"github.com/isdmx/rubybox/session"
)

const testAPIKey = "test-api-key"

// MockHandler implements Handler for testing. It answers every request with
// {"key": <request id>} after an optional delay taken from params.ms, and
// blocks on test/block until the session is closed.
type MockHandler struct {
	sessions *MockSessions

	mu    sync.Mutex
	calls []string
}

func (m *MockHandler) HandleMessage(ctx context.Context, sess *session.Session, id string, raw json.RawMessage) (json.RawMessage, error) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			MS int `json:"ms"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, env.Method)
	m.mu.Unlock()

	switch env.Method {
	case "test/fail":
		return nil, fmt.Errorf("handler failure")
	case "test/block":
		select {
		case <-m.sessions.closedCh(sess):
		case <-ctx.Done():
		}
	default:
		if env.Params.MS > 0 {
			time.Sleep(time.Duration(env.Params.MS) * time.Millisecond)
		}
	}

	if len(env.ID) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      env.ID,
		"result":  map[string]string{"key": id},
	})
}

func (m *MockHandler) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockSessions implements Sessions for testing
type MockSessions struct {
	mu        sync.Mutex
	cancelled []string
	closed    []string
	closedChs map[string]chan struct{}
}

func NewMockSessions() *MockSessions {
	return &MockSessions{closedChs: make(map[string]chan struct{})}
}

func (m *MockSessions) Cancel(_ *session.Session, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, requestID)
	return true
}

func (m *MockSessions) CloseSession(sess *session.Session) {
	sess.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, sess.ID())
	ch := m.chanLocked(sess)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (m *MockSessions) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *MockSessions) Closed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

func (m *MockSessions) closedCh(sess *session.Session) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chanLocked(sess)
}

func (m *MockSessions) chanLocked(sess *session.Session) chan struct{} {
	ch, ok := m.closedChs[sess.ID()]
	if !ok {
		ch = make(chan struct{})
		m.closedChs[sess.ID()] = ch
	}
	return ch
}

type testHarness struct {
	engine   *Engine
	handler  *MockHandler
	sessions *MockSessions
	auth     *auth.Authenticator
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	authenticator, err := auth.New(testAPIKey, logger)
	require.NoError(t, err)
	t.Cleanup(authenticator.Destroy)

	sessions := NewMockSessions()
	handler := &MockHandler{sessions: sessions}
	return &testHarness{
		engine:   NewEngine(logger, handler, sessions),
		handler:  handler,
		sessions: sessions,
		auth:     authenticator,
	}
}

// rpcMessage is a decoded outbound message
type rpcMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result struct {
		Key string `json:"key"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params struct {
		Data struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		} `json:"data"`
	} `json:"params"`
}

func decodeMessage(t *testing.T, data []byte) rpcMessage {
	t.Helper()
	var msg rpcMessage
	require.NoError(t, json.Unmarshal(data, &msg), string(data))
	return msg
}

func request(id any, method string, ms int) string {
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  map[string]int{"ms": ms},
	})
	return string(raw)
}
