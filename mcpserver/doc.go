// Package mcpserver provides the Model Context Protocol (MCP) layer.
//
// The mcpserver package registers the execute_ruby tool on a
// mark3labs/mcp-go server and processes JSON-RPC messages handed to it by
// the transport adapters. The session and request id of each message travel
// in the context, so tool calls are submitted to the dispatcher under the
// connection that sent them.
//
// The tool result text is the JSON encoding of toolcall.Result, and isError
// is set for every status other than success.
//
// Usage:
//
//	srv := mcpserver.New(cfg, logger, dispatcher)
//	resp, err := srv.HandleMessage(ctx, sess, id, raw)
package mcpserver
