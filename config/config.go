package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Remote transport module names
const (
	TransportSSE            = "sse_server"
	TransportStreamableHTTP = "streamable_http_server"
)

// ConfigFileEnv names an explicit configuration file
const ConfigFileEnv = "RUBYBOX_CONFIG"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds authentication and transport configuration
type ServerConfig struct {
	APIKey             string `mapstructure:"api_key"`
	StdioCredential    string `mapstructure:"stdio_credential"`
	WebConcurrency     int    `mapstructure:"web_concurrency"`
	StdioModeOnly      bool   `mapstructure:"stdio_mode_only"`
	StdioEnabled       bool   `mapstructure:"stdio_enabled"`
	RemoteTransport    string `mapstructure:"remote_transport"`
	HTTPAddr           string `mapstructure:"http_addr"`
	BasePath           string `mapstructure:"base_path"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
}

// SandboxConfig holds execution and dependency environment configuration
type SandboxConfig struct {
	UseTempDir        bool   `mapstructure:"use_temp_dir"`
	RubyPath          string `mapstructure:"ruby_path"`
	GemPath           string `mapstructure:"gem_path"`
	TimeoutSec        int    `mapstructure:"timeout_sec"`
	MaxTimeoutSec     int    `mapstructure:"max_timeout_sec"`
	InstallTimeoutSec int    `mapstructure:"install_timeout_sec"`
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
	MaxOutputBytes    int    `mapstructure:"max_output_bytes"`
	SharedGemHome     string `mapstructure:"shared_gem_home"`
	SharedWorkDir     string `mapstructure:"shared_work_dir"`
	TempRoot          string `mapstructure:"temp_root"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// environment variable names recognised for each key
var envBindings = map[string]string{
	"server.api_key":              "API_KEY",
	"server.stdio_credential":     "STDIO_API_KEY",
	"server.web_concurrency":      "WEB_CONCURRENCY",
	"server.stdio_mode_only":      "STDIO_MODE_ONLY",
	"server.stdio_enabled":        "STDIO_ENABLED",
	"server.remote_transport":     "REMOTE_SERVER_TRANSPORT_MODULE",
	"server.http_addr":            "HTTP_ADDR",
	"server.base_path":            "HTTP_BASE_PATH",
	"server.shutdown_timeout_sec": "SHUTDOWN_TIMEOUT_SEC",
	"sandbox.use_temp_dir":        "USE_TEMP_DIR",
	"sandbox.ruby_path":           "RUBY_PATH",
	"sandbox.gem_path":            "GEM_BIN",
	"sandbox.timeout_sec":         "EXEC_TIMEOUT_SEC",
	"sandbox.max_timeout_sec":     "MAX_EXEC_TIMEOUT_SEC",
	"sandbox.install_timeout_sec": "INSTALL_TIMEOUT_SEC",
	"sandbox.max_concurrent":      "MAX_CONCURRENT_EXECUTIONS",
	"sandbox.max_output_bytes":    "MAX_OUTPUT_BYTES",
	"sandbox.shared_gem_home":     "SHARED_GEM_HOME",
	"sandbox.shared_work_dir":     "SHARED_WORK_DIR",
	"sandbox.temp_root":           "TEMP_ROOT",
	"logging.mode":                "LOG_MODE",
	"logging.level":               "LOG_LEVEL",
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
	}

	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Server.StdioCredential == "" {
		config.Server.StdioCredential = config.Server.APIKey
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.web_concurrency", 1)
	v.SetDefault("server.stdio_mode_only", false)
	v.SetDefault("server.stdio_enabled", false)
	v.SetDefault("server.remote_transport", TransportStreamableHTTP)
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.shutdown_timeout_sec", 10)

	v.SetDefault("sandbox.use_temp_dir", false)
	v.SetDefault("sandbox.ruby_path", "ruby")
	v.SetDefault("sandbox.gem_path", "gem")
	v.SetDefault("sandbox.timeout_sec", 60)
	v.SetDefault("sandbox.max_timeout_sec", 600)
	v.SetDefault("sandbox.install_timeout_sec", 300)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required (set API_KEY)")
	}

	if c.Server.WebConcurrency < 1 {
		return fmt.Errorf("server.web_concurrency must be positive, got: %d", c.Server.WebConcurrency)
	}

	if c.NetworkEnabled() {
		if c.Server.RemoteTransport != TransportSSE && c.Server.RemoteTransport != TransportStreamableHTTP {
			return fmt.Errorf("invalid server.remote_transport: %s, must be '%s' or '%s'",
				c.Server.RemoteTransport, TransportSSE, TransportStreamableHTTP)
		}
		if c.Server.WebConcurrency != 1 {
			return fmt.Errorf("server.web_concurrency must be 1 when a network transport is active, got: %d",
				c.Server.WebConcurrency)
		}
	}

	if c.Server.ShutdownTimeoutSec <= 0 {
		return fmt.Errorf("server.shutdown_timeout_sec must be positive, got: %d", c.Server.ShutdownTimeoutSec)
	}

	if c.Sandbox.RubyPath == "" {
		return fmt.Errorf("sandbox.ruby_path must not be empty")
	}

	if c.Sandbox.GemPath == "" {
		return fmt.Errorf("sandbox.gem_path must not be empty")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec must be at least sandbox.timeout_sec, got: %d", c.Sandbox.MaxTimeoutSec)
	}

	if c.Sandbox.InstallTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.install_timeout_sec must be positive, got: %d", c.Sandbox.InstallTimeoutSec)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// NetworkEnabled reports whether a network transport listener is configured
func (c *Config) NetworkEnabled() bool {
	return !c.Server.StdioModeOnly && c.Server.HTTPAddr != ""
}

// StdioEnabled reports whether the stdio transport runs. It always runs when
// no network listener is configured.
func (c *Config) StdioEnabled() bool {
	return c.Server.StdioModeOnly || !c.NetworkEnabled() || c.Server.StdioEnabled
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetMaxTimeout returns the upper bound for per-request timeout overrides
func (c *Config) GetMaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeoutSec) * time.Second
}

// GetInstallTimeout returns the gem installation timeout as a duration
func (c *Config) GetInstallTimeout() time.Duration {
	return time.Duration(c.Sandbox.InstallTimeoutSec) * time.Second
}

// GetShutdownTimeout returns how long in-flight requests are drained on shutdown
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
