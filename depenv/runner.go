package depenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/isdmx/rubybox/procgroup"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, env, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct {
	// WaitDelay bounds how long output pipes are drained after the context ends
	WaitDelay time.Duration
}

// RunCommand executes the given command with arguments and environment. The
// command runs in its own process group, and cancellation kills the group.
func (r RealCommandRunner) RunCommand(ctx context.Context, env, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Env = env
	cmd.WaitDelay = r.WaitDelay
	procgroup.Configure(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	// build helpers left running by a failed or cancelled install
	_ = procgroup.Kill(cmd.Process)

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return stdoutBuf.String(), stderrBuf.String(), 0, err
		}
		exitCode = exitError.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdoutBuf.String(), stderrBuf.String(), exitCode, ctxErr
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
