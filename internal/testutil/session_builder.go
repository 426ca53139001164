package testutil

import (
	"github.com/hupe1980/agentrun/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder(core.SessionKey{App: "a", User: "u", ID: "s"}).
//		State("k", "v").Events(ev1, ev2).Build()
type SessionBuilder struct {
	key    core.SessionKey
	state  map[string]any
	events []core.Event
}

// NewSessionBuilder creates a new builder for a session with the given key.
// Use chainable methods (State, Event, Events) then call Build.
func NewSessionBuilder(key core.SessionKey) *SessionBuilder {
	return &SessionBuilder{key: key, state: map[string]any{}}
}

// State sets or overwrites a state key/value pair on the resulting session (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// Event appends a single event to the session history (chainable).
func (b *SessionBuilder) Event(ev core.Event) *SessionBuilder {
	b.events = append(b.events, ev)
	return b
}

// Events appends multiple events to the session history (chainable).
func (b *SessionBuilder) Events(evs ...core.Event) *SessionBuilder {
	b.events = append(b.events, evs...)
	return b
}

// Build returns a *core.Session with pre-populated state and events. Events
// without a sequence number are assigned one in append order.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.key)
	for k, v := range b.state {
		s.State[k] = v
	}
	for i, ev := range b.events {
		if ev.SequenceNo == 0 {
			ev.SequenceNo = int64(i + 1)
		}
		s.Events = append(s.Events, ev)
	}
	return s
}
