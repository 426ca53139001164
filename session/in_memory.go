package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrun/core"
)

// userStateKey addresses the user-scoped state tier shared across all
// sessions of one (app, user).
type userStateKey struct {
	App  string
	User string
}

// sessionRecord is the internal mutable representation of one session.
type sessionRecord struct {
	events  []core.Event // log order; after compaction the summary leads
	state   core.State   // session-scoped entries, bare keys
	nextSeq int64
	created time.Time
	updated time.Time
}

func (r *sessionRecord) lastSeq() int64 { return r.nextSeq - 1 }

// InMemoryStore is a volatile core.SessionStore keeping sessions in process
// local maps. The single mutex doubles as the per-session serialization of
// appends and compaction. Returned sessions are clones; external mutation
// never leaks back into the store.
type InMemoryStore struct {
	mu        sync.Mutex
	sessions  map[core.SessionKey]*sessionRecord
	userState map[userStateKey]core.State
	appState  map[string]core.State
}

var _ core.SessionStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[core.SessionKey]*sessionRecord),
		userState: make(map[userStateKey]core.State),
		appState:  make(map[string]core.State),
	}
}

// Create allocates a new empty session for the key.
func (s *InMemoryStore) Create(key core.SessionKey) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionExists, key)
	}
	now := time.Now().UTC()
	s.sessions[key] = &sessionRecord{state: core.State{}, nextSeq: 1, created: now, updated: now}
	return s.composeLocked(key, s.sessions[key]), nil
}

// Get returns a clone of an existing session with the user and app state
// tiers merged into its visible state.
func (s *InMemoryStore) Get(key core.SessionKey) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	return s.composeLocked(key, rec), nil
}

// AppendEvent assigns the next sequence number, persists the event and
// applies its state delta in one critical section.
func (s *InMemoryStore) AppendEvent(key core.SessionKey, expectedSeq int64, ev core.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	if rec.lastSeq() != expectedSeq {
		return 0, fmt.Errorf("%w: expected %d, log is at %d", core.ErrStaleAppend, expectedSeq, rec.lastSeq())
	}
	if err := core.ValidateDelta(ev.Actions.StateDelta); err != nil {
		return 0, err
	}

	ev.SequenceNo = rec.nextSeq
	rec.nextSeq++
	ev.Actions.StateDelta = durableDelta(ev.Actions.StateDelta)
	rec.events = append(rec.events, ev)
	s.applyDeltaLocked(key, rec, ev.Actions.StateDelta)
	rec.updated = time.Now().UTC()

	return ev.SequenceNo, nil
}

// ListEvents returns events in log order with sequence numbers in [from, to].
func (s *InMemoryStore) ListEvents(key core.SessionKey, from, to int64) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	events := make([]core.Event, 0, len(rec.events))
	for _, ev := range rec.events {
		if from > 0 && ev.SequenceNo < from {
			continue
		}
		if to > 0 && ev.SequenceNo > to {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Compact replaces the log prefix up to and including throughSeq with the
// summary event. The summary receives the next sequence number but is ordered
// at the head so a replay folds it before the retained overlap window.
func (s *InMemoryStore) Compact(key core.SessionKey, throughSeq int64, summary core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	cut := -1
	for i, ev := range rec.events {
		if ev.SequenceNo == throughSeq {
			cut = i
			break
		}
	}
	if cut < 0 {
		return fmt.Errorf("compaction boundary seq %d not in log for %s", throughSeq, key)
	}
	if err := core.ValidateDelta(summary.Actions.StateDelta); err != nil {
		return err
	}

	summary.SequenceNo = rec.nextSeq
	rec.nextSeq++
	summary.Actions.StateDelta = durableDelta(summary.Actions.StateDelta)

	remaining := make([]core.Event, 0, len(rec.events)-cut)
	remaining = append(remaining, summary)
	remaining = append(remaining, rec.events[cut+1:]...)
	rec.events = remaining

	// The materialized state already reflects every removed event. The
	// summary delta is stored on the event only so folding the new log
	// reproduces the same state; applying it here would regress keys the
	// retained tail overwrote.
	rec.updated = time.Now().UTC()

	return nil
}

// composeLocked builds a Session clone merging the scoped state tiers.
func (s *InMemoryStore) composeLocked(key core.SessionKey, rec *sessionRecord) *core.Session {
	sess := core.NewSession(key)
	sess.Created = rec.created
	sess.Updated = rec.updated
	sess.Events = make([]core.Event, len(rec.events))
	copy(sess.Events, rec.events)
	for k, v := range rec.state {
		sess.State[k] = v
	}
	for k, v := range s.userState[userStateKey{key.App, key.User}] {
		sess.State[core.ScopedKey(core.ScopeUser, k)] = v
	}
	for k, v := range s.appState[key.App] {
		sess.State[core.ScopedKey(core.ScopeApp, k)] = v
	}
	return sess
}

// applyDeltaLocked routes delta entries into their scope tier.
func (s *InMemoryStore) applyDeltaLocked(key core.SessionKey, rec *sessionRecord, delta map[string]any) {
	for k, v := range delta {
		scope, bare := core.SplitScopedKey(k)
		switch scope {
		case core.ScopeTemp:
			// invocation-local, nothing to persist
		case core.ScopeSession:
			rec.state[bare] = v
		case core.ScopeUser:
			uk := userStateKey{key.App, key.User}
			if s.userState[uk] == nil {
				s.userState[uk] = core.State{}
			}
			s.userState[uk][bare] = v
		case core.ScopeApp:
			if s.appState[key.App] == nil {
				s.appState[key.App] = core.State{}
			}
			s.appState[key.App][bare] = v
		}
	}
}

// durableDelta strips temp scoped keys so the persisted log folds exactly to
// the durable state.
func durableDelta(delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return nil
	}
	out := make(map[string]any, len(delta))
	for k, v := range delta {
		if scope, _ := core.SplitScopedKey(k); scope == core.ScopeTemp {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
