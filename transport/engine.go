package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
	CodeUnauthorized   = -32001
)

// MaxMessageBytes bounds a single inbound JSON-RPC message
const MaxMessageBytes = 16 << 20

const (
	methodCancelled = "notifications/cancelled"
	methodMessage   = "notifications/message"
	jsonrpcVersion  = "2.0"
)

var (
	// ErrParse is returned for input that is not a JSON-RPC message
	ErrParse = errors.New("parse error")
	// ErrInvalidRequest is returned for JSON that is not a valid JSON-RPC message
	ErrInvalidRequest = errors.New("invalid request")
)

// Handler processes a decoded message on behalf of a session
type Handler interface {
	HandleMessage(ctx context.Context, sess *session.Session, id string, raw json.RawMessage) (json.RawMessage, error)
}

// Sessions cancels requests and tears down sessions
type Sessions interface {
	Cancel(sess *session.Session, requestID string) bool
	CloseSession(sess *session.Session)
}

// Authenticator establishes sessions for new connections
type Authenticator interface {
	Authenticate(kind session.Kind, credential string) (*session.Session, error)
	Verify(sess *session.Session, credential string) error
}

// Adapter is one transport serving clients
type Adapter interface {
	Kind() session.Kind
	Serve(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Message is one inbound JSON-RPC message
type Message struct {
	Raw    json.RawMessage
	ID     json.RawMessage
	Key    string
	Method string
	Params json.RawMessage
}

// IsRequest reports whether the message expects a response
func (m *Message) IsRequest() bool {
	return m.Method != "" && hasID(m.ID)
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

type notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Level  string                `json:"level"`
	Logger string                `json:"logger"`
	Data   toolcall.Notification `json:"data"`
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// Decode parses one JSON-RPC message
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if env.JSONRPC != jsonrpcVersion {
		return Message{ID: env.ID}, fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidRequest, jsonrpcVersion)
	}

	msg := Message{
		Raw:    append(json.RawMessage(nil), data...),
		ID:     env.ID,
		Method: env.Method,
		Params: env.Params,
	}
	if hasID(env.ID) {
		key, err := NormalizeID(env.ID)
		if err != nil {
			return Message{}, err
		}
		msg.Key = key
	}
	return msg, nil
}

// NormalizeID turns a JSON-RPC id into the request id used for bookkeeping:
// its canonical JSON text. String ids keep their quotes, so the string "1"
// and the number 1 stay distinct.
func NormalizeID(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: bad id: %w", ErrInvalidRequest, err)
	}
	switch id := v.(type) {
	case string:
		canonical, err := json.Marshal(id)
		if err != nil {
			return "", fmt.Errorf("%w: bad id: %w", ErrInvalidRequest, err)
		}
		return string(canonical), nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("%w: id must be a string or a number", ErrInvalidRequest)
	}
}

func hasID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ErrorResponse encodes a JSON-RPC error for id. A missing id is encoded as null.
func ErrorResponse(id json.RawMessage, code int, message string) json.RawMessage {
	if !hasID(id) {
		id = json.RawMessage("null")
	}
	out, err := json.Marshal(errorResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   rpcError{Code: code, Message: message},
	})
	if err != nil {
		// the id came from a decoded message and always re-encodes
		return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, code, message))
	}
	return out
}

// DecodeErrorResponse returns the error response for a message that failed to decode
func DecodeErrorResponse(msg *Message, err error) json.RawMessage {
	if errors.Is(err, ErrInvalidRequest) {
		return ErrorResponse(msg.ID, CodeInvalidRequest, err.Error())
	}
	return ErrorResponse(nil, CodeParseError, "parse error")
}

// UnauthorizedResponse returns the rejection for a message on a connection
// that failed authentication, or nil for notifications.
func UnauthorizedResponse(msg *Message) json.RawMessage {
	if !msg.IsRequest() {
		return nil
	}
	return ErrorResponse(msg.ID, CodeUnauthorized, "unauthorized")
}

// EncodeNotification wraps a server notification in an MCP notifications/message
func EncodeNotification(n toolcall.Notification) (json.RawMessage, error) {
	out, err := json.Marshal(notification{
		JSONRPC: jsonrpcVersion,
		Method:  methodMessage,
		Params: notificationParams{
			Level:  "info",
			Logger: "rubybox",
			Data:   n,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}
	return out, nil
}

// Engine routes decoded messages and tracks the sessions of live connections
type Engine struct {
	logger   *zap.Logger
	handler  Handler
	sessions Sessions

	mu   sync.Mutex
	live map[string]*session.Session
}

// NewEngine creates an Engine
func NewEngine(logger *zap.Logger, handler Handler, sessions Sessions) *Engine {
	return &Engine{
		logger:   logger,
		handler:  handler,
		sessions: sessions,
		live:     make(map[string]*session.Session),
	}
}

// Attach registers the session of a new connection
func (e *Engine) Attach(sess *session.Session) {
	e.mu.Lock()
	e.live[sess.ID()] = sess
	e.mu.Unlock()

	e.logger.Info("session opened",
		zap.String("session_id", sess.ID()),
		zap.String("transport", string(sess.Kind())))
}

// Detach destroys the session of a finished connection, cancelling its
// in-flight requests
func (e *Engine) Detach(sess *session.Session) {
	e.mu.Lock()
	delete(e.live, sess.ID())
	e.mu.Unlock()

	e.sessions.CloseSession(sess)
}

// Lookup returns a live session by id
func (e *Engine) Lookup(id string) (*session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.live[id]
	return sess, ok
}

// Live returns the number of attached sessions
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Broadcast sends n to every live session
func (e *Engine) Broadcast(n toolcall.Notification) {
	e.mu.Lock()
	targets := make([]*session.Session, 0, len(e.live))
	for _, sess := range e.live {
		targets = append(targets, sess)
	}
	e.mu.Unlock()

	for _, sess := range targets {
		sess.Notify(n)
	}
}

// Handle processes one message and returns the response to send, or nil
func (e *Engine) Handle(ctx context.Context, sess *session.Session, msg *Message) json.RawMessage {
	if msg.Method == methodCancelled {
		e.cancel(sess, msg)
		return nil
	}
	if msg.Method == "" {
		// responses to server requests are not expected
		e.logger.Debug("ignoring message without method", zap.String("session_id", sess.ID()))
		return nil
	}

	resp, err := e.handler.HandleMessage(ctx, sess, msg.Key, msg.Raw)
	if err != nil {
		e.logger.Error("failed to handle message",
			zap.String("session_id", sess.ID()),
			zap.String("method", msg.Method),
			zap.Error(err))
		if msg.IsRequest() {
			return ErrorResponse(msg.ID, CodeInternalError, "internal error")
		}
		return nil
	}
	if !msg.IsRequest() {
		return nil
	}
	return resp
}

func (e *Engine) cancel(sess *session.Session, msg *Message) {
	var params cancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || !hasID(params.RequestID) {
		e.logger.Debug("ignoring malformed cancellation", zap.String("session_id", sess.ID()))
		return
	}
	id, err := NormalizeID(params.RequestID)
	if err != nil {
		return
	}
	if !e.sessions.Cancel(sess, id) {
		e.logger.Debug("cancellation for a request not in flight",
			zap.String("session_id", sess.ID()),
			zap.String("request_id", id),
			zap.String("reason", params.Reason))
	}
}
