package core

// MemoryRecord is a derived, read-only snippet extracted from a closed
// session. Records are created only by explicit consolidation and are
// superseded, never updated, by re-ingesting the same session.
type MemoryRecord struct {
	ID        string
	SessionID string
	Author    string
	Content   string
	Score     float64
}

// MemoryService consolidates closed sessions into a searchable index shared
// across sessions of a user. Consolidation is explicit: a later invocation
// only sees memory the caller chose to consolidate.
type MemoryService interface {
	// AddSessionToMemory derives records from the session's conversational
	// events and indexes them under the session's (app, user). Re-ingesting
	// the same session is idempotent.
	AddSessionToMemory(sess *Session) error

	// Search returns records for the user ranked by keyword overlap with
	// the query, best first, at most limit entries.
	Search(app, user, query string, limit int) ([]MemoryRecord, error)
}
