// Package workflow runs declarative multi-step workflows. Definitions are
// YAML files under $HUB_DIR/workflows; the engine executes steps in order
// through a pluggable StepExecutor, persists every transition, and mirrors
// it onto the event bus. Cancellation is polled at every loop head and
// surfaces as a typed abort error, never a panic.
package workflow
