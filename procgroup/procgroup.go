package procgroup

import "os/exec"

// Configure starts cmd in its own process group and makes context
// cancellation kill the group instead of the leader only. It must be called
// before cmd is started.
func Configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		return Kill(cmd.Process)
	}
}
