package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/internal/testutil"
)

func buildSession(id string, texts ...string) *core.Session {
	b := testutil.NewSessionBuilder(core.SessionKey{App: "app", User: "u1", ID: id})
	for _, text := range texts {
		b.Event(core.NewUserTurnEvent("inv-1", text))
	}
	return b.Build()
}

func TestInMemoryService_ConsolidateAndSearch(t *testing.T) {
	svc := NewInMemoryService()
	sess := buildSession("s1",
		"My favourite colors are blue and green.",
		"Remind me to book the ferry tickets.",
	)

	// nothing is recalled before explicit consolidation
	if res, err := svc.Search("app", "u1", "favourite colors", 5); err != nil || len(res) != 0 {
		t.Fatalf("search before consolidation = %v, %v", res, err)
	}

	if err := svc.AddSessionToMemory(sess); err != nil {
		t.Fatalf("consolidation failed: %v", err)
	}

	res, err := svc.Search("app", "u1", "what are my favourite colors", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(res) == 0 {
		t.Fatalf("expected at least one result")
	}
	if res[0].SessionID != "s1" {
		t.Fatalf("unexpected session id %q", res[0].SessionID)
	}
	if res[0].Content != "My favourite colors are blue and green." {
		t.Fatalf("unexpected top hit: %#v", res[0])
	}

	// non-overlapping query yields nothing
	none, _ := svc.Search("app", "u1", "weather forecast tomorrow", 5)
	if len(none) != 0 {
		t.Fatalf("expected no results, got %#v", none)
	}
}

func TestInMemoryService_IdempotentConsolidation(t *testing.T) {
	svc := NewInMemoryService()
	sess := buildSession("s2", "The shipment leaves from Hamburg.")

	for i := 0; i < 3; i++ {
		if err := svc.AddSessionToMemory(sess); err != nil {
			t.Fatalf("consolidation %d failed: %v", i, err)
		}
	}
	res, _ := svc.Search("app", "u1", "Hamburg shipment", 10)
	if len(res) != 1 {
		t.Fatalf("expected 1 deduplicated record, got %d", len(res))
	}
}

func TestInMemoryService_UserIsolation(t *testing.T) {
	svc := NewInMemoryService()
	sess := buildSession("s3", "Order threshold discussion notes.")
	if err := svc.AddSessionToMemory(sess); err != nil {
		t.Fatalf("consolidation failed: %v", err)
	}

	// same app, different user sees nothing
	res, _ := svc.Search("app", "u2", "order threshold", 5)
	if len(res) != 0 {
		t.Fatalf("expected cross-user isolation, got %#v", res)
	}
	// different app, same user sees nothing
	res, _ = svc.Search("other", "u1", "order threshold", 5)
	if len(res) != 0 {
		t.Fatalf("expected cross-app isolation, got %#v", res)
	}
}

func TestInMemoryService_RankingAndLimit(t *testing.T) {
	svc := NewInMemoryService()
	sess := buildSession("s4",
		"blue",
		"blue green",
		"blue green harbor",
	)
	if err := svc.AddSessionToMemory(sess); err != nil {
		t.Fatalf("consolidation failed: %v", err)
	}

	res, _ := svc.Search("app", "u1", "blue green harbor", 2)
	if len(res) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(res))
	}
	if res[0].Content != "blue green harbor" {
		t.Fatalf("expected highest overlap first, got %q", res[0].Content)
	}
	if res[0].Score <= res[1].Score {
		t.Fatalf("expected descending scores: %v vs %v", res[0].Score, res[1].Score)
	}
}

func TestInMemoryService_ConcurrentAccess(t *testing.T) {
	svc := NewInMemoryService()
	wg := sync.WaitGroup{}
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := buildSession(fmt.Sprintf("s-%d", i), fmt.Sprintf("note number %d about cargo", i))
			if err := svc.AddSessionToMemory(sess); err != nil {
				t.Errorf("consolidation error: %v", err)
			}
			if _, err := svc.Search("app", "u1", "cargo", 5); err != nil {
				t.Errorf("search error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	res, _ := svc.Search("app", "u1", "cargo", 100)
	if len(res) != 25 {
		t.Fatalf("expected 25 records after concurrent consolidation, got %d", len(res))
	}
}
