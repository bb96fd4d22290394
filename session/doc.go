// Package session tracks one client connection: its transport kind, whether
// it passed authentication, and the set of requests currently in flight on it.
package session
