// Package dispatcher owns request bookkeeping and result routing.
//
// The dispatcher accepts tool calls from any transport, registers them in
// their session's in-flight set, queues them in acceptance order behind a
// bounded number of concurrent executions, and hands each one to the
// dependency environment manager and the execution sandbox. It never runs
// code itself. Every accepted request completes its Handle exactly once.
//
// Usage:
//
//	d := dispatcher.NewFromConfig(cfg, logger, manager, executor)
//	handle, err := d.Submit(sess, toolcall.Request{ID: "1", Code: "puts 1+1"})
//	if err != nil {
//	    return err
//	}
//	result, err := handle.Wait(ctx)
package dispatcher
