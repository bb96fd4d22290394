// Package main is the entry point for the rubybox MCP server.
//
// The rubybox server exposes a single MCP tool, execute_ruby, that runs Ruby
// code in a subprocess after installing any requested gems. Clients connect
// over stdio, SSE or streamable HTTP and must present the configured API key
// before any message is accepted.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
// On SIGINT or SIGTERM the server announces the shutdown to open sessions,
// stops accepting requests and drains in-flight ones for up to
// server.shutdown_timeout_sec before cancelling the rest.
package main
