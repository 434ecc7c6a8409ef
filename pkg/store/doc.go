// Package store is the persistence layer: six stores over five SQLite files
// in the hub directory. Each database is opened with a single connection so
// the daemon is the lone writer and readers never see SQLITE_BUSY. Schemas
// are created idempotently on open; there is no separate migration step.
package store
