package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/depenv"
	"github.com/isdmx/rubybox/procgroup"
	"github.com/isdmx/rubybox/toolcall"
)

// Messages appended to stderr or returned to clients
const (
	TimeoutMessage   = "Execution timed out"
	CancelledMessage = "Execution cancelled"
	InternalMessage  = "internal error: the interpreter could not be started"
	TruncatedMarker  = "\n[output truncated]"
)

// Config holds configuration for the Executor
type Config struct {
	Interpreter     string
	InterpreterArgs []string
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	MaxOutputBytes  int
	// WaitDelay bounds how long output pipes are drained after the process is killed
	WaitDelay time.Duration
}

// Executor runs one code submission in a guest interpreter subprocess
type Executor struct {
	logger  *zap.Logger
	config  Config
	baseEnv func() []string
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithBaseEnv sets the environment the interpreter inherits before the gem
// environment is applied
func WithBaseEnv(baseEnv func() []string) ExecutorOption {
	return func(e *Executor) {
		e.baseEnv = baseEnv
	}
}

// NewExecutor creates a new Executor
func NewExecutor(logger *zap.Logger, config Config, opts ...ExecutorOption) *Executor {
	if config.WaitDelay <= 0 {
		config.WaitDelay = 2 * time.Second
	}
	e := &Executor{
		logger:  logger,
		config:  config,
		baseEnv: depenv.HostEnviron,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// NewFromConfig creates an Executor running Ruby with the script read from stdin
func NewFromConfig(cfg *config.Config, logger *zap.Logger) *Executor {
	return NewExecutor(logger, Config{
		Interpreter:     cfg.Sandbox.RubyPath,
		InterpreterArgs: []string{"-"},
		DefaultTimeout:  cfg.GetTimeout(),
		MaxTimeout:      cfg.GetMaxTimeout(),
		MaxOutputBytes:  cfg.Sandbox.MaxOutputBytes,
	})
}

// TimeoutFor returns the effective timeout of a request: its override when
// positive, otherwise the default, never above the configured maximum.
func (e *Executor) TimeoutFor(req toolcall.Request) time.Duration {
	timeout := e.config.DefaultTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if e.config.MaxTimeout > 0 && timeout > e.config.MaxTimeout {
		timeout = e.config.MaxTimeout
	}
	return timeout
}

// Run executes the request's code inside env and always returns a terminal
// result. The code is written to the interpreter's stdin. The subprocess and
// everything it spawned are killed on timeout or when ctx is cancelled, and
// the process is reaped before Run returns.
//
//nolint:gocritic // request is passed by value on purpose, it is immutable
func (e *Executor) Run(ctx context.Context, req toolcall.Request, env *depenv.Environment) toolcall.Result {
	timeout := e.TimeoutFor(req)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newLimitedBuffer(e.config.MaxOutputBytes)
	stderr := newLimitedBuffer(e.config.MaxOutputBytes)

	cmd := exec.CommandContext(runCtx, e.config.Interpreter, slices.Clone(e.config.InterpreterArgs)...) //nolint:gosec // interpreter comes from configuration
	cmd.Dir = env.WorkDir
	cmd.Env = env.Environ(e.baseEnv())
	cmd.Stdin = strings.NewReader(req.Code)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	procgroup.Configure(cmd)
	cmd.WaitDelay = e.config.WaitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Error("failed to start interpreter",
			zap.String("request_id", req.ID),
			zap.String("interpreter", e.config.Interpreter),
			zap.Error(err))
		res := toolcall.NewResult(req.ID, toolcall.StatusInternalError).WithDuration(time.Since(start))
		res.Stderr = InternalMessage
		return res
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	// children that outlived the interpreter are not left behind
	if killErr := procgroup.Kill(cmd.Process); killErr != nil && !errors.Is(killErr, procgroup.ErrGone) {
		e.logger.Warn("failed to kill process group", zap.String("request_id", req.ID), zap.Error(killErr))
	}

	res := e.classify(ctx, runCtx, cmd, waitErr)
	res.ID = req.ID
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res = res.WithDuration(elapsed)

	switch res.Status {
	case toolcall.StatusTimeout:
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("%s after %s", TimeoutMessage, timeout))
	case toolcall.StatusCancelled:
		res.Stderr = appendLine(res.Stderr, CancelledMessage)
	case toolcall.StatusInternalError:
		e.logger.Error("interpreter wait failed", zap.String("request_id", req.ID), zap.Error(waitErr))
		res.Stderr = appendLine(res.Stderr, "internal error")
	}

	e.logger.Info("code execution completed",
		zap.String("request_id", req.ID),
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", elapsed),
		zap.Int("stdout_len", len(res.Stdout)),
		zap.Int("stderr_len", len(res.Stderr)))

	return res
}

func (*Executor) classify(parent, runCtx context.Context, cmd *exec.Cmd, waitErr error) toolcall.Result {
	if parent.Err() != nil {
		return toolcall.Result{Status: toolcall.StatusCancelled}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return toolcall.Result{Status: toolcall.StatusTimeout}
	}

	state := cmd.ProcessState
	if state == nil {
		return toolcall.Result{Status: toolcall.StatusInternalError}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return toolcall.Result{Status: toolcall.StatusInternalError}
	}

	code := state.ExitCode()
	switch {
	case code == 0:
		return toolcall.Result{Status: toolcall.StatusSuccess}.WithExitCode(0)
	case code > 0:
		return toolcall.Result{Status: toolcall.StatusRuntimeError}.WithExitCode(code)
	default:
		// terminated by a signal it did not handle
		return toolcall.Result{Status: toolcall.StatusRuntimeError}
	}
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

// limitedBuffer keeps at most limit bytes and records whether more arrived
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + TruncatedMarker
	}
	return b.buf.String()
}
