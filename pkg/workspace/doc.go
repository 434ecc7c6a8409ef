// Package workspace prepares isolated git worktrees so a delegated task runs
// on its own branch without disturbing the delegator's checkout.
package workspace
