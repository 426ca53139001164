// Package memory provides long-term memory services that consolidate closed
// sessions into a searchable index shared across sessions of the same app and
// user. Consolidation is always explicit; nothing reaches memory as a side
// effect of running an invocation.
package memory
