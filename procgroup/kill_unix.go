//go:build unix

package procgroup

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrGone is returned by Kill when nothing is left to kill
var ErrGone = os.ErrProcessDone

// Kill sends SIGKILL to the process group led by p
func Kill(p *os.Process) error {
	if p == nil || p.Pid <= 0 {
		return ErrGone
	}
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrGone
		}
		return err
	}
	return nil
}
