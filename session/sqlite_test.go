package session

import (
	"path/filepath"
	"testing"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/internal/testutil"
)

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	key := core.SessionKey{App: "app", User: "u1", ID: "s1"}
	if _, err := store.Create(key); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := testutil.NewEventBuilder().
		Invocation("inv-1").
		Author("agent").
		AddPart(core.TextPart{Text: "checking the manifest"}).
		FunctionCall("call-1", "lookup_cargo", `{"vessel": "MV Aurora"}`).
		StateDelta("user:last_vessel", "MV Aurora").
		Build()
	if _, err := store.AppendEvent(key, 0, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	respEv := core.NewFunctionResponseEvent("inv-1", "agent", "call-1", "lookup_cargo",
		map[string]any{"containers": 12}, nil)
	if _, err := store.AppendEvent(key, 1, respEv); err != nil {
		t.Fatalf("append response: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	sess, err := reopened.Get(key)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	evs := sess.GetEvents()
	if len(evs) != 2 {
		t.Fatalf("event count after reopen = %d, want 2", len(evs))
	}

	if got := evs[0].Text(); got != "checking the manifest" {
		t.Errorf("text part = %q", got)
	}
	calls := evs[0].GetFunctionCalls()
	if len(calls) != 1 || calls[0].Name != "lookup_cargo" || calls[0].ID != "call-1" {
		t.Fatalf("function call round trip = %+v", calls)
	}
	if calls[0].Arguments != `{"vessel": "MV Aurora"}` {
		t.Errorf("arguments = %q", calls[0].Arguments)
	}

	responses := evs[1].GetFunctionResponses()
	if len(responses) != 1 || responses[0].Name != "lookup_cargo" {
		t.Fatalf("function response round trip = %+v", responses)
	}
	result, ok := responses[0].Response.(map[string]any)
	if !ok {
		t.Fatalf("response payload type = %T", responses[0].Response)
	}
	if result["containers"].(float64) != 12 {
		t.Errorf("response payload = %v", result)
	}

	if v, ok := sess.GetState("user:last_vessel"); !ok || v != "MV Aurora" {
		t.Errorf("user state after reopen = %v, %v", v, ok)
	}
	if sess.LastSequence() != 2 {
		t.Errorf("LastSequence after reopen = %d, want 2", sess.LastSequence())
	}
}
