package core

import (
	"errors"
	"testing"
)

func TestSplitScopedKey(t *testing.T) {
	tests := []struct {
		key   string
		scope Scope
		bare  string
	}{
		{"counter", ScopeSession, "counter"},
		{"temp:scratch", ScopeTemp, "scratch"},
		{"user:plan", ScopeUser, "plan"},
		{"app:motd", ScopeApp, "motd"},
		{"other:thing", ScopeSession, "other:thing"},
		{":weird", ScopeSession, ":weird"},
		{"user:", ScopeUser, ""},
		{"temp:a:b", ScopeTemp, "a:b"},
	}
	for _, tt := range tests {
		scope, bare := SplitScopedKey(tt.key)
		if scope != tt.scope || bare != tt.bare {
			t.Errorf("SplitScopedKey(%q) = %s, %q; want %s, %q", tt.key, scope, bare, tt.scope, tt.bare)
		}
	}
}

func TestScopedKeyRoundTrip(t *testing.T) {
	for _, key := range []string{"counter", "temp:scratch", "user:plan", "app:motd"} {
		scope, bare := SplitScopedKey(key)
		if got := ScopedKey(scope, bare); got != key {
			t.Errorf("round trip of %q = %q", key, got)
		}
	}
}

func TestFoldStateDeltas(t *testing.T) {
	mk := func(delta map[string]any) Event {
		ev := NewEvent("inv-1", "agent", EventKindTurn)
		ev.Actions.StateDelta = delta
		return ev
	}
	events := []Event{
		mk(map[string]any{"a": 1, "user:plan": "basic"}),
		mk(nil),
		mk(map[string]any{"a": 2, "temp:scratch": "x"}),
		mk(map[string]any{"b": true}),
	}
	got := FoldStateDeltas(events)
	if len(got) != 3 {
		t.Fatalf("folded delta = %v, want 3 keys", got)
	}
	if got["a"] != 2 {
		t.Errorf("later write must win: a = %v", got["a"])
	}
	if got["user:plan"] != "basic" || got["b"] != true {
		t.Errorf("folded delta = %v", got)
	}
	if _, ok := got["temp:scratch"]; ok {
		t.Error("temp key included in fold")
	}
}

func TestValidateDelta(t *testing.T) {
	if err := ValidateDelta(map[string]any{"a": 1, "b": []string{"x"}}); err != nil {
		t.Fatalf("serializable delta rejected: %v", err)
	}
	err := ValidateDelta(map[string]any{"bad": make(chan int)})
	if err == nil {
		t.Fatal("unserializable delta accepted")
	}
	var stateErr *StateError
	if !errors.As(err, &stateErr) || stateErr.Key != "bad" {
		t.Errorf("error = %v, want StateError for key bad", err)
	}
}

func TestStateResolveAndClone(t *testing.T) {
	st := State{"counter": 1, "user:plan": "premium"}
	if v, ok := st.Resolve(ScopeSession, "counter"); !ok || v != 1 {
		t.Errorf("session resolve = %v, %v", v, ok)
	}
	if v, ok := st.Resolve(ScopeUser, "plan"); !ok || v != "premium" {
		t.Errorf("user resolve = %v, %v", v, ok)
	}
	if _, ok := st.Resolve(ScopeApp, "counter"); ok {
		t.Error("app resolve found session key")
	}

	clone := st.Clone()
	clone["counter"] = 99
	if v, _ := st.Get("counter"); v != 1 {
		t.Error("mutating clone changed original")
	}
}
