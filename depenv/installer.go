package depenv

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/isdmx/rubybox/toolcall"
)

// gem name with an optional exact or requirement version, e.g. "rake" or "rake:13.0.6"
var gemSpecPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(:[0-9A-Za-z.]+)?$`)

// InstallError reports a failed dependency installation
type InstallError struct {
	Gems     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Error returns a summary of the failure
func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dependency install failed: %v", e.Err)
	}
	return fmt.Sprintf("dependency install failed with exit code %d", e.ExitCode)
}

// Unwrap returns the underlying error, if any
func (e *InstallError) Unwrap() error {
	return e.Err
}

// Is matches toolcall.ErrDependency
func (*InstallError) Is(target error) bool {
	return target == toolcall.ErrDependency
}

// Report formats the failure the way it is shown to clients on stderr
func (e *InstallError) Report() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return "Dependency install failed:\n" + detail
}

// ValidateGemSpecs rejects specs that could be mistaken for gem options or
// that are not plain gem names.
func ValidateGemSpecs(gems []string) error {
	for _, spec := range gems {
		if !gemSpecPattern.MatchString(spec) {
			return &InstallError{
				Gems:     gems,
				ExitCode: -1,
				Stderr:   fmt.Sprintf("invalid gem specification %q", spec),
				Err:      fmt.Errorf("invalid gem specification %q", spec),
			}
		}
	}
	return nil
}

// Installer installs gems into an environment
type Installer interface {
	Install(ctx context.Context, env *Environment, gems []string) error
}

// GemInstaller runs `gem install` against the environment's gem root
type GemInstaller struct {
	gemPath string
	runner  CommandRunner
	baseEnv func() []string
}

// NewGemInstaller creates a GemInstaller. baseEnv supplies the environment the
// gem command inherits before the gem root is applied.
func NewGemInstaller(gemPath string, runner CommandRunner, baseEnv func() []string) *GemInstaller {
	return &GemInstaller{
		gemPath: gemPath,
		runner:  runner,
		baseEnv: baseEnv,
	}
}

// Install installs the requested gems. Gems already satisfying the request
// are left alone, so repeated installs into a shared root are additive.
func (g *GemInstaller) Install(ctx context.Context, env *Environment, gems []string) error {
	if len(gems) == 0 {
		return nil
	}

	args := []string{
		g.gemPath, "install",
		"--no-document",
		"--conservative",
		"--install-dir", env.GemHome,
		"--bindir", env.BinDir(),
	}
	args = append(args, gems...)

	stdout, stderr, exitCode, err := g.runner.RunCommand(ctx, env.Environ(g.baseEnv()), args)
	if err != nil {
		return &InstallError{Gems: gems, ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Err: err}
	}
	if exitCode != 0 {
		return &InstallError{Gems: gems, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	}
	return nil
}
