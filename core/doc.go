// Package core provides the foundational domain types, interfaces and execution
// contexts used by AgentRun. It defines the core abstractions for:
//
//   - Sessions (append-only event logs plus scoped key/value state)
//   - Events (immutable, sequence-numbered records of turns, confirmation
//     exchanges and compaction summaries)
//   - Invocations (one processing run of a user turn, possibly spanning a
//     suspend/resume pair)
//   - RunContext / ToolContext (scoped execution & tool sandboxing)
//   - Pluggable stores for session persistence and memory recall
//
// The package intentionally keeps implementation concerns (persistence
// backends, the runner orchestration loop, model providers) out of scope,
// exposing small interfaces so custom backends can be plugged in at wiring
// time.
package core
