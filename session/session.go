package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/isdmx/rubybox/toolcall"
)

// Kind identifies the transport a session belongs to
type Kind string

// Transport kinds
const (
	KindStdio          Kind = "stdio"
	KindSSE            Kind = "sse"
	KindStreamableHTTP Kind = "streamable-http"
)

// Notifier delivers a server-initiated notification to the session's client
type Notifier func(toolcall.Notification)

// Session is the authenticated state and in-flight bookkeeping of one
// connection. It is safe for concurrent use.
type Session struct {
	id   string
	kind Kind

	mu            sync.Mutex
	authenticated bool
	closed        bool
	inflight      map[string]context.CancelFunc
	notifier      Notifier
}

// New creates an unauthenticated session
func New(kind Kind) *Session {
	return &Session{
		id:       uuid.NewString(),
		kind:     kind,
		inflight: make(map[string]context.CancelFunc),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Kind returns the transport kind
func (s *Session) Kind() Kind {
	return s.kind
}

// MarkAuthenticated flags the session as having passed authentication
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

// Authenticated reports whether the session passed authentication
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Closed reports whether the session has been destroyed
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Track registers an in-flight request. cancel is invoked if the request is
// cancelled or the session is closed before Untrack.
func (s *Session) Track(requestID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authenticated {
		return toolcall.ErrUnauthorized
	}
	if s.closed {
		return toolcall.ErrSessionClosed
	}
	if _, exists := s.inflight[requestID]; exists {
		return fmt.Errorf("%w: id %s already in flight", toolcall.ErrDuplicateRequest, requestID)
	}
	s.inflight[requestID] = cancel
	return nil
}

// Untrack removes a completed request from the in-flight set
func (s *Session) Untrack(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, requestID)
}

// Cancel aborts one in-flight request. It returns false if the id is unknown.
// The entry stays tracked until the request itself completes.
func (s *Session) Cancel(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[requestID]
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the sorted ids of requests currently in flight
func (s *Session) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close destroys the session and cancels every in-flight request. It returns
// the ids that were cancelled. Calling Close more than once is a no-op.
func (s *Session) Close() []string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.notifier = nil

	ids := make([]string, 0, len(s.inflight))
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for id, cancel := range s.inflight {
		ids = append(ids, id)
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	sort.Strings(ids)
	return ids
}

// SetNotifier installs the function used to push notifications to the client
func (s *Session) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Notify pushes a notification to the client. Notifications on a closed
// session, or one without a notifier, are dropped.
func (s *Session) Notify(n toolcall.Notification) {
	s.mu.Lock()
	notifier := s.notifier
	closed := s.closed
	s.mu.Unlock()

	if closed || notifier == nil {
		return
	}
	notifier(n)
}
