// Package runner drives invocations: it appends the user turn, loops the
// model against the registered tools, persists every produced event and
// streams them to the caller. An invocation either completes with a final
// text response, fails with a typed error, or suspends on a pending
// confirmation request until Resume delivers the decision.
package runner
