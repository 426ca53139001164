package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentrun/core"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	app        TEXT NOT NULL,
	user       TEXT NOT NULL,
	id         TEXT NOT NULL,
	next_seq   INTEGER NOT NULL,
	created    TEXT NOT NULL,
	updated    TEXT NOT NULL,
	PRIMARY KEY (app, user, id)
);

CREATE TABLE IF NOT EXISTS events (
	app           TEXT NOT NULL,
	user          TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	position      INTEGER NOT NULL,
	event_id      TEXT NOT NULL,
	invocation_id TEXT,
	author        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	content       TEXT,
	state_delta   TEXT,
	compact_start INTEGER,
	compact_end   INTEGER,
	PRIMARY KEY (app, user, session_id, seq)
);

CREATE INDEX IF NOT EXISTS events_by_position
	ON events (app, user, session_id, position);

CREATE TABLE IF NOT EXISTS state (
	app        TEXT NOT NULL,
	user       TEXT NOT NULL,
	session_id TEXT NOT NULL,
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (app, user, session_id, scope, key)
);
`

// SQLiteStore is a durable core.SessionStore backed by an embedded SQLite
// database. Events and state survive process restarts, so a suspended
// invocation can be resumed after a crash by replaying its turn. Writes are
// serialized through a store-level mutex on top of SQLite's single-writer
// model; every append runs in one transaction covering the event insert and
// the state delta application.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

var _ core.SessionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and ensures
// the schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The modernc driver is not safe for concurrent writes on one
	// connection; the store mutex serializes access anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create allocates a new empty session row.
func (s *SQLiteStore) Create(key core.SessionKey) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO sessions (app, user, id, next_seq, created, updated) VALUES (?, ?, ?, 1, ?, ?)`,
		key.App, key.User, key.ID, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionExists, key)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.composeLocked(key)
}

// Get returns a clone of an existing session with the scoped state tiers
// merged.
func (s *SQLiteStore) Get(key core.SessionKey) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composeLocked(key)
}

// AppendEvent persists the event and applies its state delta in a single
// transaction.
func (s *SQLiteStore) AppendEvent(key core.SessionKey, expectedSeq int64, ev core.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := core.ValidateDelta(ev.Actions.StateDelta); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	nextSeq, err := nextSeqLocked(tx, key)
	if err != nil {
		return 0, err
	}
	if nextSeq-1 != expectedSeq {
		return 0, fmt.Errorf("%w: expected %d, log is at %d", core.ErrStaleAppend, expectedSeq, nextSeq-1)
	}

	ev.SequenceNo = nextSeq
	ev.Actions.StateDelta = durableDelta(ev.Actions.StateDelta)
	if err := insertEvent(tx, key, ev, ev.SequenceNo); err != nil {
		return 0, err
	}
	if err := applyDeltaTx(tx, key, ev.Actions.StateDelta); err != nil {
		return 0, err
	}
	if err := bumpSession(tx, key, nextSeq+1); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return ev.SequenceNo, nil
}

// ListEvents returns events in log order with sequence numbers in [from, to].
func (s *SQLiteStore) ListEvents(key core.SessionKey, from, to int64) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.sessionRow(key); err != nil {
		return nil, err
	}
	query := `SELECT seq, event_id, invocation_id, author, kind, timestamp, content, state_delta, compact_start, compact_end
		FROM events WHERE app = ? AND user = ? AND session_id = ?`
	args := []any{key.App, key.User, key.ID}
	if from > 0 {
		query += " AND seq >= ?"
		args = append(args, from)
	}
	if to > 0 {
		query += " AND seq <= ?"
		args = append(args, to)
	}
	query += " ORDER BY position"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var events []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Compact replaces the log prefix ordered at or before throughSeq with the
// summary event, all in one transaction.
func (s *SQLiteStore) Compact(key core.SessionKey, throughSeq int64, summary core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := core.ValidateDelta(summary.Actions.StateDelta); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	var cutPos int64
	err = tx.QueryRow(
		`SELECT position FROM events WHERE app = ? AND user = ? AND session_id = ? AND seq = ?`,
		key.App, key.User, key.ID, throughSeq,
	).Scan(&cutPos)
	if err == sql.ErrNoRows {
		return fmt.Errorf("compaction boundary seq %d not in log for %s", throughSeq, key)
	}
	if err != nil {
		return fmt.Errorf("locate compaction boundary: %w", err)
	}

	var headPos int64
	if err := tx.QueryRow(
		`SELECT MIN(position) FROM events WHERE app = ? AND user = ? AND session_id = ? AND position <= ?`,
		key.App, key.User, key.ID, cutPos,
	).Scan(&headPos); err != nil {
		return fmt.Errorf("locate compaction head: %w", err)
	}

	nextSeq, err := nextSeqLocked(tx, key)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM events WHERE app = ? AND user = ? AND session_id = ? AND position <= ?`,
		key.App, key.User, key.ID, cutPos,
	); err != nil {
		return fmt.Errorf("drop compacted span: %w", err)
	}

	summary.SequenceNo = nextSeq
	summary.Actions.StateDelta = durableDelta(summary.Actions.StateDelta)
	// State rows already reflect the removed events; the summary delta is
	// persisted on the event only so folding the new log reproduces the
	// same state.
	if err := insertEvent(tx, key, summary, headPos); err != nil {
		return err
	}
	if err := bumpSession(tx, key, nextSeq+1); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) sessionRow(key core.SessionKey) (nextSeq int64, err error) {
	err = s.db.QueryRow(
		`SELECT next_seq FROM sessions WHERE app = ? AND user = ? AND id = ?`,
		key.App, key.User, key.ID,
	).Scan(&nextSeq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	return nextSeq, err
}

func (s *SQLiteStore) composeLocked(key core.SessionKey) (*core.Session, error) {
	var created, updated string
	err := s.db.QueryRow(
		`SELECT created, updated FROM sessions WHERE app = ? AND user = ? AND id = ?`,
		key.App, key.User, key.ID,
	).Scan(&created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess := core.NewSession(key)
	sess.Created, _ = time.Parse(time.RFC3339Nano, created)
	sess.Updated, _ = time.Parse(time.RFC3339Nano, updated)

	rows, err := s.db.Query(
		`SELECT seq, event_id, invocation_id, author, kind, timestamp, content, state_delta, compact_start, compact_end
		 FROM events WHERE app = ? AND user = ? AND session_id = ? ORDER BY position`,
		key.App, key.User, key.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		sess.Events = append(sess.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stateRows, err := s.db.Query(
		`SELECT scope, key, value FROM state
		 WHERE (app = ? AND user = ? AND session_id = ? AND scope = 'session')
		    OR (app = ? AND user = ? AND session_id = '' AND scope = 'user')
		    OR (app = ? AND user = '' AND session_id = '' AND scope = 'app')`,
		key.App, key.User, key.ID, key.App, key.User, key.App,
	)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	defer stateRows.Close()
	for stateRows.Next() {
		var scope, k, raw string
		if err := stateRows.Scan(&scope, &k, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode state value %q: %w", k, err)
		}
		sess.State[core.ScopedKey(core.Scope(scope), k)] = v
	}
	return sess, stateRows.Err()
}

func nextSeqLocked(tx *sql.Tx, key core.SessionKey) (int64, error) {
	var nextSeq int64
	err := tx.QueryRow(
		`SELECT next_seq FROM sessions WHERE app = ? AND user = ? AND id = ?`,
		key.App, key.User, key.ID,
	).Scan(&nextSeq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	if err != nil {
		return 0, fmt.Errorf("load session counter: %w", err)
	}
	return nextSeq, nil
}

func bumpSession(tx *sql.Tx, key core.SessionKey, nextSeq int64) error {
	_, err := tx.Exec(
		`UPDATE sessions SET next_seq = ?, updated = ? WHERE app = ? AND user = ? AND id = ?`,
		nextSeq, time.Now().UTC().Format(time.RFC3339Nano), key.App, key.User, key.ID,
	)
	if err != nil {
		return fmt.Errorf("bump session counter: %w", err)
	}
	return nil
}

func insertEvent(tx *sql.Tx, key core.SessionKey, ev core.Event, position int64) error {
	var content any
	if ev.Content != nil {
		raw, err := json.Marshal(ev.Content)
		if err != nil {
			return fmt.Errorf("encode event content: %w", err)
		}
		content = string(raw)
	}
	var delta any
	if len(ev.Actions.StateDelta) > 0 {
		raw, err := json.Marshal(ev.Actions.StateDelta)
		if err != nil {
			return fmt.Errorf("encode state delta: %w", err)
		}
		delta = string(raw)
	}
	var compactStart, compactEnd any
	if ev.Actions.Compaction != nil {
		compactStart = ev.Actions.Compaction.StartSeq
		compactEnd = ev.Actions.Compaction.EndSeq
	}
	_, err := tx.Exec(
		`INSERT INTO events (app, user, session_id, seq, position, event_id, invocation_id, author, kind, timestamp, content, state_delta, compact_start, compact_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.App, key.User, key.ID, ev.SequenceNo, position, ev.ID, ev.InvocationID, ev.Author,
		string(ev.Kind), ev.Timestamp.UTC().Format(time.RFC3339Nano), content, delta, compactStart, compactEnd,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func applyDeltaTx(tx *sql.Tx, key core.SessionKey, delta map[string]any) error {
	for k, v := range delta {
		scope, bare := core.SplitScopedKey(k)
		raw, err := json.Marshal(v)
		if err != nil {
			return &core.StateError{Key: k, Err: err}
		}
		app, user, sessionID := key.App, key.User, key.ID
		switch scope {
		case core.ScopeTemp:
			continue
		case core.ScopeUser:
			sessionID = ""
		case core.ScopeApp:
			user, sessionID = "", ""
		}
		if _, err := tx.Exec(
			`INSERT INTO state (app, user, session_id, scope, key, value) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (app, user, session_id, scope, key) DO UPDATE SET value = excluded.value`,
			app, user, sessionID, string(scope), bare, string(raw),
		); err != nil {
			return fmt.Errorf("apply state delta %q: %w", k, err)
		}
	}
	return nil
}

func scanEvent(rows *sql.Rows) (core.Event, error) {
	var (
		ev                       core.Event
		kind, timestamp          string
		invocationID             sql.NullString
		content, delta           sql.NullString
		compactStart, compactEnd sql.NullInt64
	)
	if err := rows.Scan(&ev.SequenceNo, &ev.ID, &invocationID, &ev.Author, &kind, &timestamp, &content, &delta, &compactStart, &compactEnd); err != nil {
		return core.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = core.EventKind(kind)
	ev.InvocationID = invocationID.String
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	if content.Valid {
		var c core.Content
		if err := json.Unmarshal([]byte(content.String), &c); err != nil {
			return core.Event{}, fmt.Errorf("decode event content: %w", err)
		}
		ev.Content = &c
	}
	if delta.Valid {
		if err := json.Unmarshal([]byte(delta.String), &ev.Actions.StateDelta); err != nil {
			return core.Event{}, fmt.Errorf("decode state delta: %w", err)
		}
	}
	if compactStart.Valid {
		ev.Actions.Compaction = &core.CompactionSpan{StartSeq: compactStart.Int64, EndSeq: compactEnd.Int64}
	}
	return ev, nil
}

// isUniqueViolation matches the SQLite primary-key conflict without binding
// to driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint violation")
}
