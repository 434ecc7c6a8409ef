// Package server is the daemon's control surface: a unix socket speaking
// newline-delimited JSON frames.
//
// Every connection authenticates with its first frame (only auth and ping
// run before that) and is then served from a closed dispatch table, one
// handler per message type. Handlers receive their subsystems through a
// capability struct and never reach back into the server; a panicking
// handler costs the client one internal-error reply, not the connection.
// Event subscriptions share the connection with request replies under a
// per-connection write mutex.
package server
