// Package transport carries JSON-RPC messages between clients and the MCP
// layer over stdio, SSE and streamable HTTP.
//
// Every adapter authenticates a connection exactly once, before any message
// is accepted, and binds it to a session. Messages are decoded by a shared
// Engine which routes cancellation notifications to the dispatcher and
// everything else to the MCP server. Request ids are kept as their canonical
// JSON text.
package transport
