//go:build !unix

package procgroup

import (
	"errors"
	"os"
	"syscall"
)

// ErrGone is returned by Kill when nothing is left to kill
var ErrGone = os.ErrProcessDone

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Kill kills only p; process groups are unix-only.
func Kill(p *os.Process) error {
	if p == nil {
		return ErrGone
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrGone
		}
		return err
	}
	return nil
}
