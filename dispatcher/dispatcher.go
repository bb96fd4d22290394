package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/depenv"
	"github.com/isdmx/rubybox/sandbox"
	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// Preparer prepares the dependency environment of one invocation
type Preparer interface {
	Prepare(ctx context.Context, gems []string) (*depenv.Environment, func(), error)
}

// Runner executes one request inside a prepared environment
type Runner interface {
	Run(ctx context.Context, req toolcall.Request, env *depenv.Environment) toolcall.Result
}

// Config holds configuration for the Dispatcher
type Config struct {
	MaxConcurrent int
}

// Stats is a snapshot of the dispatcher's load
type Stats struct {
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
}

type job struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sess     *session.Session
	req      toolcall.Request
	handle   *Handle
	accepted time.Time
}

// Dispatcher schedules accepted tool calls onto the sandbox
type Dispatcher struct {
	logger   *zap.Logger
	preparer Preparer
	runner   Runner
	sem      *semaphore.Weighted

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	queue    []*job
	draining bool
	wake     chan struct{}
	wg       sync.WaitGroup

	queued  atomic.Int64
	running atomic.Int64
}

// New creates a Dispatcher and starts its scheduler
func New(logger *zap.Logger, preparer Preparer, runner Runner, config Config) *Dispatcher {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:    logger,
		preparer:  preparer,
		runner:    runner,
		sem:       semaphore.NewWeighted(int64(config.MaxConcurrent)),
		baseCtx:   ctx,
		cancelAll: cancel,
		wake:      make(chan struct{}, 1),
	}
	go d.schedule()
	return d
}

// NewFromConfig creates a Dispatcher wired to the environment manager and executor
func NewFromConfig(cfg *config.Config, logger *zap.Logger, manager *depenv.Manager, executor *sandbox.Executor) *Dispatcher {
	return New(logger, manager, executor, Config{MaxConcurrent: cfg.Sandbox.MaxConcurrent})
}

// Submit accepts a request on an authenticated session. The request id must
// not already be in flight on that session. The returned Handle completes
// with exactly one terminal result.
//
//nolint:gocritic // request is copied on purpose, the caller cannot mutate it afterwards
func (d *Dispatcher) Submit(sess *session.Session, req toolcall.Request) (*Handle, error) {
	if sess == nil || !sess.Authenticated() {
		return nil, toolcall.ErrUnauthorized
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	if err := sess.Track(req.ID, cancel); err != nil {
		cancel()
		return nil, fmt.Errorf("submit %s: %w", req.ID, err)
	}

	req.Dependencies = slices.Clone(req.Dependencies)
	j := &job{
		ctx:      ctx,
		cancel:   cancel,
		sess:     sess,
		req:      req,
		handle:   newHandle(req.ID),
		accepted: time.Now(),
	}

	// the draining check, the wait group and the queue change together so
	// that Shutdown never misses an accepted job
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		sess.Untrack(req.ID)
		cancel()
		return nil, toolcall.ErrShuttingDown
	}
	d.wg.Add(1)
	d.queue = append(d.queue, j)
	d.queued.Add(1)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	d.logger.Debug("request accepted",
		zap.String("session_id", sess.ID()),
		zap.String("request_id", req.ID),
		zap.Int("dependencies", len(req.Dependencies)))
	sess.Notify(toolcall.NewProgress(req.ID, toolcall.StageQueued))

	return j.handle, nil
}

// Cancel aborts an in-flight request. The request still completes its handle
// with status cancelled. It returns false if the id is not in flight.
func (d *Dispatcher) Cancel(sess *session.Session, requestID string) bool {
	if sess == nil {
		return false
	}
	ok := sess.Cancel(requestID)
	if ok {
		d.logger.Info("request cancelled",
			zap.String("session_id", sess.ID()),
			zap.String("request_id", requestID))
	}
	return ok
}

// CloseSession destroys a session, cancelling everything in flight on it
func (d *Dispatcher) CloseSession(sess *session.Session) {
	if sess == nil {
		return
	}
	ids := sess.Close()
	d.logger.Info("session closed",
		zap.String("session_id", sess.ID()),
		zap.String("transport", string(sess.Kind())),
		zap.Strings("cancelled", ids))
}

// Stats returns the number of queued and running requests
func (d *Dispatcher) Stats() Stats {
	return Stats{Queued: d.queued.Load(), Running: d.running.Load()}
}

// Shutdown stops accepting requests and waits for in-flight ones to finish.
// When ctx expires first the remaining requests are cancelled, and Shutdown
// still waits for their subprocesses to be reaped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelAll()
		return nil
	case <-ctx.Done():
		stats := d.Stats()
		d.logger.Warn("shutdown deadline reached, cancelling in-flight requests",
			zap.Int64("queued", stats.Queued),
			zap.Int64("running", stats.Running))
		d.cancelAll()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) schedule() {
	for {
		j, ok := d.next()
		if !ok {
			return
		}

		if err := d.sem.Acquire(j.ctx, 1); err != nil {
			d.queued.Add(-1)
			d.finish(j, toolcall.NewResult(j.req.ID, toolcall.StatusCancelled))
			continue
		}

		d.queued.Add(-1)
		d.running.Add(1)
		go func() {
			defer d.sem.Release(1)
			defer d.running.Add(-1)
			d.finish(j, d.execute(j))
		}()
	}
}

// next pops the oldest queued job, blocking until one arrives. It returns
// false once the dispatcher is stopped and the queue is empty.
func (d *Dispatcher) next() (*job, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			j := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return j, true
		}
		stopped := d.baseCtx.Err() != nil
		d.mu.Unlock()

		if stopped {
			return nil, false
		}

		select {
		case <-d.wake:
		case <-d.baseCtx.Done():
		}
	}
}

func (d *Dispatcher) execute(j *job) (res toolcall.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request execution panicked",
				zap.String("session_id", j.sess.ID()),
				zap.String("request_id", j.req.ID),
				zap.Any("panic", r))
			res = toolcall.NewResult(j.req.ID, toolcall.StatusInternalError)
			res.Stderr = "internal error"
		}
	}()

	if j.ctx.Err() != nil {
		return toolcall.NewResult(j.req.ID, toolcall.StatusCancelled)
	}

	if len(j.req.Dependencies) > 0 {
		j.sess.Notify(toolcall.NewProgress(j.req.ID, toolcall.StageInstalling))
	}

	start := time.Now()
	env, release, err := d.preparer.Prepare(j.ctx, j.req.Dependencies)
	if err != nil {
		return d.prepareFailure(j, err, time.Since(start))
	}
	defer release()

	j.sess.Notify(toolcall.NewProgress(j.req.ID, toolcall.StageRunning))
	return d.runner.Run(j.ctx, j.req, env)
}

func (d *Dispatcher) prepareFailure(j *job, err error, elapsed time.Duration) toolcall.Result {
	if j.ctx.Err() != nil {
		return toolcall.NewResult(j.req.ID, toolcall.StatusCancelled).WithDuration(elapsed)
	}

	var installErr *depenv.InstallError
	if errors.As(err, &installErr) {
		res := toolcall.NewResult(j.req.ID, toolcall.StatusDependencyError).WithDuration(elapsed)
		res.Stdout = installErr.Stdout
		res.Stderr = installErr.Report()
		return res
	}

	d.logger.Error("failed to prepare environment",
		zap.String("session_id", j.sess.ID()),
		zap.String("request_id", j.req.ID),
		zap.Error(err))
	res := toolcall.NewResult(j.req.ID, toolcall.StatusInternalError).WithDuration(elapsed)
	res.Stderr = "internal error"
	return res
}

//nolint:gocritic // result is small and passed once
func (d *Dispatcher) finish(j *job, res toolcall.Result) {
	res.ID = j.req.ID
	j.sess.Untrack(j.req.ID)
	j.cancel()
	j.handle.complete(res)
	d.wg.Done()

	d.logger.Info("request completed",
		zap.String("session_id", j.sess.ID()),
		zap.String("request_id", j.req.ID),
		zap.String("status", string(res.Status)),
		zap.Duration("total", time.Since(j.accepted)))
}
