package core

import (
	"encoding/json"
	"strings"
)

// Scope is the visibility / durability tier of a state key.
type Scope string

const (
	// ScopeTemp state exists only for the current invocation and is never
	// persisted.
	ScopeTemp Scope = "temp"
	// ScopeSession state persists across turns of one session. Bare keys
	// without a scope prefix resolve here.
	ScopeSession Scope = "session"
	// ScopeUser state persists across all sessions of one (app, user).
	ScopeUser Scope = "user"
	// ScopeApp state persists globally per app.
	ScopeApp Scope = "app"
)

// SplitScopedKey splits a state key into its scope and bare key. Keys use the
// prefix syntax "temp:k", "user:k", "app:k"; anything else is session scoped.
func SplitScopedKey(key string) (Scope, string) {
	if i := strings.IndexByte(key, ':'); i > 0 {
		switch Scope(key[:i]) {
		case ScopeTemp:
			return ScopeTemp, key[i+1:]
		case ScopeUser:
			return ScopeUser, key[i+1:]
		case ScopeApp:
			return ScopeApp, key[i+1:]
		}
	}
	return ScopeSession, key
}

// ScopedKey joins a scope and bare key back into prefix syntax. Session
// scoped keys stay bare.
func ScopedKey(scope Scope, key string) string {
	if scope == ScopeSession {
		return key
	}
	return string(scope) + ":" + key
}

// State is a snapshot of scoped key/value state. Keys keep their scope
// prefix; values are opaque serializable payloads. A State value is derived
// by folding event deltas in order and is never mutated directly.
type State map[string]any

// Get returns the value for a (possibly scope-prefixed) key.
func (s State) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// Resolve returns the value for a bare key within an explicit scope.
func (s State) Resolve(scope Scope, key string) (any, bool) {
	v, ok := s[ScopedKey(scope, key)]
	return v, ok
}

// Clone returns a shallow copy safe for independent mutation of the map.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FoldStateDeltas folds the state deltas of the given events in order into a
// single delta. Temp scoped keys are excluded: they are never part of durable
// state. The fold is deterministic: the same events always yield the same
// result.
func FoldStateDeltas(events []Event) map[string]any {
	out := map[string]any{}
	for _, ev := range events {
		for k, v := range ev.Actions.StateDelta {
			if scope, _ := SplitScopedKey(k); scope == ScopeTemp {
				continue
			}
			out[k] = v
		}
	}
	return out
}

// ValidateDelta checks that every value in the delta is JSON serializable.
// Stores call this before committing an append so a bad value rejects the
// transaction as a whole.
func ValidateDelta(delta map[string]any) error {
	for k, v := range delta {
		if _, err := json.Marshal(v); err != nil {
			return &StateError{Key: k, Err: err}
		}
	}
	return nil
}
