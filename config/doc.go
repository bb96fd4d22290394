// Package config provides application configuration management.
//
// The config package loads the server configuration once at startup from
// defaults, an optional YAML file and the process environment (API_KEY,
// WEB_CONCURRENCY, STDIO_MODE_ONLY, REMOTE_SERVER_TRANSPORT_MODULE,
// USE_TEMP_DIR and friends), then validates it. The resulting Config is
// treated as immutable and passed explicitly to the components that need it.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Remote transport: %s\n", cfg.Server.RemoteTransport)
package config
