package toolcall

import (
	"errors"
	"time"
)

// Status is the terminal outcome of a tool call
type Status string

// Outcome kinds
const (
	StatusSuccess         Status = "success"
	StatusRuntimeError    Status = "runtime-error"
	StatusTimeout         Status = "timeout"
	StatusDependencyError Status = "dependency-error"
	StatusInternalError   Status = "internal-error"
	StatusCancelled       Status = "cancelled"
)

// Sentinel errors for error classification.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrDependency       = errors.New("dependency error")
	ErrTimeout          = errors.New("execution timed out")
	ErrRuntime          = errors.New("runtime error")
	ErrCancelled        = errors.New("cancelled")
	ErrInternal         = errors.New("internal error")
	ErrSessionClosed    = errors.New("session closed")
	ErrShuttingDown     = errors.New("server is shutting down")
)

// Request is one accepted code submission. It is not modified after the
// dispatcher accepts it.
type Request struct {
	ID           string
	Code         string
	Dependencies []string
	// Timeout overrides the configured execution timeout when positive.
	Timeout time.Duration
}

// Result is the terminal outcome of exactly one Request
type Result struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// NewResult creates a result for the given request id and status
func NewResult(id string, status Status) Result {
	return Result{ID: id, Status: status}
}

// WithExitCode sets the exit code of a normally terminated subprocess
func (r Result) WithExitCode(code int) Result {
	r.ExitCode = &code
	return r
}

// WithDuration records the execution duration in milliseconds
func (r Result) WithDuration(d time.Duration) Result {
	r.DurationMs = d.Milliseconds()
	return r
}

// Succeeded reports whether the call completed with status success
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Err maps the result status onto the sentinel error of the taxonomy.
// A successful result returns nil.
func (r Result) Err() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusRuntimeError:
		return ErrRuntime
	case StatusTimeout:
		return ErrTimeout
	case StatusDependencyError:
		return ErrDependency
	case StatusCancelled:
		return ErrCancelled
	default:
		return ErrInternal
	}
}

// NotificationType identifies a protocol-level notification
type NotificationType string

// Notification types
const (
	NotificationProgress NotificationType = "progress"
	NotificationShutdown NotificationType = "shutdown"
)

// Stage of an in-flight request reported by progress notifications
type Stage string

// Progress stages
const (
	StageQueued     Stage = "queued"
	StageInstalling Stage = "installing"
	StageRunning    Stage = "running"
)

// Notification is a server-initiated message without a response
type Notification struct {
	Type    NotificationType `json:"type"`
	Payload any              `json:"payload,omitempty"`
}

// Progress is the payload of a progress notification
type Progress struct {
	ID    string `json:"id"`
	Stage Stage  `json:"stage"`
}

// NewProgress builds a progress notification for a request
func NewProgress(id string, stage Stage) Notification {
	return Notification{Type: NotificationProgress, Payload: Progress{ID: id, Stage: stage}}
}

// NewShutdown builds the notification broadcast before the server stops
func NewShutdown(reason string) Notification {
	return Notification{Type: NotificationShutdown, Payload: map[string]string{"reason": reason}}
}
