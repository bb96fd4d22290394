//go:build linux

package procgroup

import "syscall"

// sysProcAttr also has the kernel kill the leader if the server dies first
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
