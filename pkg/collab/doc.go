// Package collab pairs two agents in a shared working session: an initiator
// invites one participant, both post updates to a common feed, and each
// member reads the feed through their own cursor. Sessions end explicitly or
// when every member has gone silent past the staleness window; ended
// sessions are purged after a retention period.
package collab
