// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger used throughout the server and
// by the fx container. Entries are written to stderr so they never interleave
// with protocol frames on the stdio transport.
package logger
