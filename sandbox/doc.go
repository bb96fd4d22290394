// Package sandbox runs one code submission in a guest interpreter subprocess.
//
// The code is written to the interpreter's stdin and never passes through a
// shell. The subprocess runs in the prepared working directory with the gem
// environment applied, in its own process group, so that a timeout or a
// cancellation kills everything it spawned. stdout and stderr are captured
// separately up to a configured size, and partial output survives a kill.
//
// Usage:
//
//	executor := sandbox.NewFromConfig(cfg, logger)
//	result := executor.Run(ctx, toolcall.Request{
//	    ID:   "1",
//	    Code: "puts 1+1",
//	}, env)
package sandbox
