package core

import (
	"sync"
	"time"
)

// SessionKey is the identity of a session: app, user and session id.
type SessionKey struct {
	App  string
	User string
	ID   string
}

func (k SessionKey) String() string { return k.App + "/" + k.User + "/" + k.ID }

// Session is a snapshot of a conversational container: the ordered event log
// plus the scoped state visible to it (session entries merged with the user
// and app tiers). Stores hand out clones; mutating a snapshot never affects
// persisted data. It is safe for concurrent access.
type Session struct {
	Key     SessionKey
	Events  []Event
	State   State
	Created time.Time
	Updated time.Time
	mu      sync.RWMutex
}

// NewSession creates an empty session snapshot for the given key.
func NewSession(key SessionKey) *Session {
	now := time.Now().UTC()
	return &Session{Key: key, State: State{}, Events: []Event{}, Created: now, Updated: now}
}

// GetState returns the value and existence flag for a state key.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// AddEvent appends an event to the snapshot updating the Updated timestamp.
func (s *Session) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	s.Updated = time.Now().UTC()
}

// GetEvents returns a defensive copy of the full event slice.
func (s *Session) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	return events
}

// ConversationHistory returns the events suitable as model context: turn
// events plus compaction summaries, in log order.
func (s *Session) ConversationHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.Content == nil {
			continue
		}
		if ev.Kind == EventKindTurn || ev.Kind == EventKindCompactionSummary {
			res = append(res, ev)
		}
	}
	return res
}

// LastSequence returns the highest sequence number assigned to this session,
// or zero for an empty log. After compaction the summary event carries the
// highest number even though it is ordered first.
func (s *Session) LastSequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, ev := range s.Events {
		if ev.SequenceNo > max {
			max = ev.SequenceNo
		}
	}
	return max
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		Key:     s.Key,
		State:   s.State.Clone(),
		Events:  make([]Event, len(s.Events)),
		Created: s.Created,
		Updated: s.Updated,
	}
	copy(clone.Events, s.Events)
	return clone
}

// SessionStore persists sessions, their append-only event logs and scoped
// state. Implementations must apply an event's state delta in the same
// transaction / critical section as the append, must serialize compaction
// with appends per session, and must assign strictly increasing gapless
// sequence numbers.
type SessionStore interface {
	// Create allocates a new empty session. Fails with ErrSessionExists if
	// the key is taken.
	Create(key SessionKey) (*Session, error)

	// Get returns a clone of an existing session. Fails with
	// ErrSessionNotFound otherwise.
	Get(key SessionKey) (*Session, error)

	// AppendEvent assigns the next sequence number, persists the event and
	// applies its state delta atomically, returning the assigned number.
	// expectedSeq is the last sequence number the caller observed; a stale
	// value fails with ErrStaleAppend.
	AppendEvent(key SessionKey, expectedSeq int64, ev Event) (int64, error)

	// ListEvents returns events in log order with sequence numbers in
	// [from, to]. Zero bounds mean unbounded.
	ListEvents(key SessionKey, from, to int64) ([]Event, error)

	// Compact atomically appends the summary event at the head of the log
	// and drops every event ordered at or before the event whose sequence
	// number is throughSeq.
	Compact(key SessionKey, throughSeq int64, summary Event) error
}
