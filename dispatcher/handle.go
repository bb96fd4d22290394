package dispatcher

import (
	"context"

	"github.com/isdmx/rubybox/toolcall"
)

// Handle is the asynchronous outcome of one submitted request
type Handle struct {
	id     string
	done   chan struct{}
	result toolcall.Result
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the request id
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the result is available
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the request completes and returns its result
func (h *Handle) Result() toolcall.Result {
	<-h.done
	return h.result
}

// Wait returns the result, or ctx's error if ctx ends first. The request
// keeps running when Wait gives up.
func (h *Handle) Wait(ctx context.Context) (toolcall.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return toolcall.Result{}, ctx.Err()
	}
}

//nolint:gocritic // called once per handle
func (h *Handle) complete(res toolcall.Result) {
	h.result = res
	close(h.done)
}
