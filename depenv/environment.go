package depenv

import (
	"os"
	"path/filepath"
	"strings"
)

// Environment is the working directory and gem root of one invocation
type Environment struct {
	// Root is the disposable directory owning WorkDir and GemHome. Empty in shared mode.
	Root     string
	WorkDir  string
	GemHome  string
	Isolated bool
}

// BinDir returns the directory gem executables are installed into
func (e *Environment) BinDir() string {
	return filepath.Join(e.GemHome, "bin")
}

// Environ derives the subprocess environment from base, pointing GEM_HOME and
// GEM_PATH at the environment's gem root and prepending its bin directory to PATH.
func (e *Environment) Environ(base []string) []string {
	path := ""
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "GEM_HOME", "GEM_PATH":
			continue
		case "PATH":
			path = value
			continue
		}
		env = append(env, kv)
	}

	if path != "" {
		path = e.BinDir() + string(filepath.ListSeparator) + path
	} else {
		path = e.BinDir()
	}

	return append(env,
		"GEM_HOME="+e.GemHome,
		"GEM_PATH="+e.GemHome,
		"PATH="+path,
	)
}

// variables holding server credentials, never passed to guest processes
var secretEnvVars = map[string]bool{
	"API_KEY":       true,
	"STDIO_API_KEY": true,
}

// HostEnviron returns the server's environment without credential variables
func HostEnviron() []string {
	return scrub(os.Environ())
}

func scrub(base []string) []string {
	env := make([]string, 0, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if secretEnvVars[key] {
			continue
		}
		env = append(env, kv)
	}
	return env
}
