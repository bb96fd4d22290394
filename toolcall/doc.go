// Package toolcall provides the types shared by every layer of the server.
//
// The toolcall package defines the transport-independent request, result and
// notification types exchanged by the dispatcher, the sandbox and the
// transport adapters, together with the error taxonomy of the server.
// Result.Err maps a terminal status to its sentinel error.
package toolcall
