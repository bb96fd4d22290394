// Package procgroup starts subprocesses in their own process group and
// kills the whole group, so that children a command spawns (a compiler run by
// gem install, a thread pool forked by guest code) die with it.
//
// Usage:
//
//	cmd := exec.CommandContext(ctx, "gem", "install", "rake")
//	procgroup.Configure(cmd)
//	err := cmd.Run()
//	_ = procgroup.Kill(cmd.Process)
package procgroup
