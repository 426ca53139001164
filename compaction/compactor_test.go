package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/session"
)

func appendTurn(t *testing.T, store core.SessionStore, key core.SessionKey, lastSeq int64, invocationID, userText, agentText string, delta map[string]any) int64 {
	t.Helper()
	ev := core.NewUserTurnEvent(invocationID, userText)
	seq, err := store.AppendEvent(key, lastSeq, ev)
	if err != nil {
		t.Fatalf("append user turn: %v", err)
	}
	reply := core.NewAssistantTurnEvent(invocationID, "agent", agentText)
	reply.Actions.StateDelta = delta
	seq, err = store.AppendEvent(key, seq, reply)
	if err != nil {
		t.Fatalf("append assistant turn: %v", err)
	}
	return seq
}

func TestCompactor_FoldsAfterInterval(t *testing.T) {
	store := session.NewInMemoryStore()
	key := core.SessionKey{App: "app", User: "u1", ID: "s1"}
	if _, err := store.Create(key); err != nil {
		t.Fatalf("create session: %v", err)
	}

	c := NewCompactor(store, nil, Config{Interval: 3, OverlapSize: 1})
	ctx := context.Background()

	var lastSeq int64
	for i := 1; i <= 3; i++ {
		lastSeq = appendTurn(t, store, key, lastSeq, fmt.Sprintf("inv-%d", i),
			fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i),
			map[string]any{"turn": i})
		if err := c.Observe(ctx, key); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}

	events, err := store.ListEvents(key, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// summary + the two events of inv-3
	if len(events) != 3 {
		t.Fatalf("expected 3 events after compaction, got %d", len(events))
	}
	head := events[0]
	if head.Kind != core.EventKindCompactionSummary {
		t.Fatalf("expected summary at log head, got %s", head.Kind)
	}
	if head.Actions.Compaction == nil {
		t.Fatalf("summary lacks compaction span")
	}
	if head.Actions.Compaction.StartSeq != 1 || head.Actions.Compaction.EndSeq != 4 {
		t.Fatalf("unexpected span %+v", head.Actions.Compaction)
	}
	// summary takes the next sequence number, gapless
	if head.SequenceNo != 7 {
		t.Fatalf("expected summary seq 7, got %d", head.SequenceNo)
	}
	if head.Text() == "" {
		t.Fatalf("expected non-empty summary text")
	}

	// state folded from compacted events survives
	sess, err := store.Get(key)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if v, _ := sess.GetState("turn"); v != 3 {
		t.Fatalf("expected folded state turn=3, got %v", v)
	}
}

func TestCompactor_NoCompactionBelowInterval(t *testing.T) {
	store := session.NewInMemoryStore()
	key := core.SessionKey{App: "app", User: "u1", ID: "s2"}
	if _, err := store.Create(key); err != nil {
		t.Fatalf("create session: %v", err)
	}

	c := NewCompactor(store, nil, Config{Interval: 3, OverlapSize: 1})
	ctx := context.Background()

	lastSeq := appendTurn(t, store, key, 0, "inv-1", "hello", "hi", nil)
	_ = lastSeq
	for i := 0; i < 2; i++ {
		if err := c.Observe(ctx, key); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	events, _ := store.ListEvents(key, 0, 0)
	if len(events) != 2 {
		t.Fatalf("expected untouched log, got %d events", len(events))
	}
}

func TestCompactor_RepeatedCompactionExtendsSpan(t *testing.T) {
	store := session.NewInMemoryStore()
	key := core.SessionKey{App: "app", User: "u1", ID: "s3"}
	if _, err := store.Create(key); err != nil {
		t.Fatalf("create session: %v", err)
	}

	c := NewCompactor(store, nil, Config{Interval: 3, OverlapSize: 1})
	ctx := context.Background()

	var lastSeq int64
	for i := 1; i <= 6; i++ {
		lastSeq = appendTurn(t, store, key, lastSeq, fmt.Sprintf("inv-%d", i),
			fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i), nil)
		if err := c.Observe(ctx, key); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		if i == 3 {
			// first compaction consumed the counter; fetch the new tail seq
			sess, err := store.Get(key)
			if err != nil {
				t.Fatalf("get session: %v", err)
			}
			lastSeq = sess.LastSequence()
		}
	}

	events, _ := store.ListEvents(key, 0, 0)
	head := events[0]
	if head.Kind != core.EventKindCompactionSummary {
		t.Fatalf("expected summary at head, got %s", head.Kind)
	}
	// second summary covers everything from the very first event
	if head.Actions.Compaction.StartSeq != 1 {
		t.Fatalf("expected span start 1, got %d", head.Actions.Compaction.StartSeq)
	}
	// exactly one summary remains
	for _, ev := range events[1:] {
		if ev.Kind == core.EventKindCompactionSummary {
			t.Fatalf("found stale summary in log tail")
		}
	}
}

type failingSummarizer struct{ calls int }

func (f *failingSummarizer) Summarize(context.Context, []core.Event) (string, error) {
	f.calls++
	return "", errors.New("summarizer unavailable")
}

func TestCompactor_FailureLeavesLogAndRetries(t *testing.T) {
	store := session.NewInMemoryStore()
	key := core.SessionKey{App: "app", User: "u1", ID: "s4"}
	if _, err := store.Create(key); err != nil {
		t.Fatalf("create session: %v", err)
	}

	fs := &failingSummarizer{}
	c := NewCompactor(store, fs, Config{Interval: 2, OverlapSize: 1})
	ctx := context.Background()

	var lastSeq int64
	lastSeq = appendTurn(t, store, key, lastSeq, "inv-1", "a", "b", nil)
	_ = c.Observe(ctx, key)
	lastSeq = appendTurn(t, store, key, lastSeq, "inv-2", "c", "d", nil)
	if err := c.Observe(ctx, key); err == nil {
		t.Fatalf("expected compaction error")
	}

	events, _ := store.ListEvents(key, 0, 0)
	if len(events) != 4 {
		t.Fatalf("failed compaction must leave log intact, got %d events", len(events))
	}

	// counter not reset: next observation retries immediately
	lastSeq = appendTurn(t, store, key, lastSeq, "inv-3", "e", "f", nil)
	if err := c.Observe(ctx, key); err == nil {
		t.Fatalf("expected retried compaction error")
	}
	if fs.calls != 2 {
		t.Fatalf("expected 2 summarize attempts, got %d", fs.calls)
	}
}

func TestTextSummarizer(t *testing.T) {
	s := NewTextSummarizer()
	ev1 := core.NewUserTurnEvent("inv-1", "How many containers fit on the vessel?")
	ev2 := core.NewAssistantTurnEvent("inv-1", "agent", "About eighteen thousand.")
	out, err := s.Summarize(context.Background(), []core.Event{ev1, ev2})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if out == "" {
		t.Fatalf("expected summary text")
	}
	for _, want := range []string{"user:", "agent:", "eighteen thousand"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q: %s", want, out)
		}
	}

	empty, err := s.Summarize(context.Background(), nil)
	if err != nil || empty == "" {
		t.Fatalf("expected placeholder summary, got %q err %v", empty, err)
	}
}
