/*
Package types defines the shared domain types for the agentctl hub daemon.

Every record that crosses a package boundary lives here: accounts, messages,
tasks and their append-only events, structured handoffs, progress reports,
workflow runs and step runs, retro sessions, council records, and trust
records. Stores persist these types, the event bus carries them, and the
socket protocol serializes them with the JSON tags declared here.

Task lifecycle transitions are encoded once, in CanTransition:

	todo             -> in_progress
	in_progress      -> ready_for_review | todo
	ready_for_review -> accepted | rejected | in_progress
	accepted         -> (terminal)
	rejected         -> (terminal)

All persisted timestamps are RFC 3339 UTC strings produced by Timestamp.
Primary keys are opaque UUIDs assigned by the stores.
*/
package types
