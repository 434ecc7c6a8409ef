/*
Package log provides structured logging for the hub daemon built on zerolog.

Init configures the global logger once at process start; components take
child loggers via WithComponent and the field helpers (WithAccount,
WithTaskID, WithRunID, WithConn) so every line carries its context. Console
output is the default; the daemon switches to JSON when not attached to a
terminal or when configured explicitly.
*/
package log
