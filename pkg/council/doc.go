// Package council orchestrates multi-account deliberation: every member
// analyses a topic in parallel, discusses round-robin, and a judge verifies
// acceptance criteria. The model behind each member is reached through the
// LLMCaller capability; the core never spawns agent processes itself.
package council
