package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEventConstructors(t *testing.T) {
	user := NewUserTurnEvent("inv-1", "hello")
	if user.Kind != EventKindTurn || user.Author != "user" || user.Text() != "hello" {
		t.Errorf("user turn = %+v", user)
	}

	assistant := NewAssistantTurnEvent("inv-1", "agent", "hi")
	if assistant.Author != "agent" || !assistant.IsFinalResponse() {
		t.Errorf("text-only assistant turn should be final: %+v", assistant)
	}

	call := NewFunctionCallEvent("inv-1", "agent", FunctionCall{ID: "c1", Name: "f", Arguments: "{}"})
	if call.IsFinalResponse() {
		t.Error("turn with pending calls must not be final")
	}
	if got := call.GetFunctionCalls(); len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("function calls = %+v", got)
	}

	resp := NewFunctionResponseEvent("inv-1", "agent", "c1", "f", map[string]any{"ok": true}, nil)
	frs := resp.GetFunctionResponses()
	if len(frs) != 1 || frs[0].ID != "c1" || frs[0].Error != "" {
		t.Errorf("function responses = %+v", frs)
	}

	failed := NewFunctionResponseEvent("inv-1", "agent", "c1", "f", nil, errors.New("boom"))
	if frs := failed.GetFunctionResponses(); frs[0].Error != "boom" {
		t.Errorf("error response = %+v", frs)
	}
}

func TestConfirmationEvents(t *testing.T) {
	req := NewConfirmationRequestEvent("inv-1", "agent", "conf-1", "call-1", "Approve?", map[string]any{"n": 7})
	if req.Kind != EventKindConfirmationRequest {
		t.Fatalf("kind = %s", req.Kind)
	}
	calls := req.GetFunctionCalls()
	if len(calls) != 1 || calls[0].ID != "conf-1" || calls[0].Name != ConfirmationFunctionName {
		t.Fatalf("request calls = %+v", calls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("decode arguments: %v", err)
	}
	if args["hint"] != "Approve?" {
		t.Errorf("hint = %v", args["hint"])
	}
	if args["function_call_id"] != "call-1" {
		t.Errorf("function_call_id = %v", args["function_call_id"])
	}

	resp := NewConfirmationResponseEvent("inv-1", "conf-1", false, "too expensive")
	if resp.Kind != EventKindConfirmationResponse || resp.Author != "user" {
		t.Fatalf("response event = %+v", resp)
	}
	frs := resp.GetFunctionResponses()
	payload := frs[0].Response.(map[string]any)
	if payload["confirmed"] != false || payload["reason"] != "too expensive" {
		t.Errorf("decision payload = %v", payload)
	}
}

func TestContentJSONRoundTrip(t *testing.T) {
	c := Content{Role: "assistant", Parts: []Part{
		TextPart{Text: "loading"},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "f", Arguments: `{"x":1}`}},
		FunctionResponsePart{FunctionResponse: FunctionResponse{ID: "c1", Name: "f", Response: map[string]any{"ok": true}}},
		DataPart{Data: map[string]any{"k": "v"}},
	}}
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Content
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Parts) != 4 {
		t.Fatalf("part count = %d", len(back.Parts))
	}
	if _, ok := back.Parts[0].(TextPart); !ok {
		t.Errorf("part 0 type = %T", back.Parts[0])
	}
	if fc, ok := back.Parts[1].(FunctionCallPart); !ok || fc.FunctionCall.Arguments != `{"x":1}` {
		t.Errorf("part 1 = %+v", back.Parts[1])
	}
	if fr, ok := back.Parts[2].(FunctionResponsePart); !ok || fr.FunctionResponse.Name != "f" {
		t.Errorf("part 2 = %+v", back.Parts[2])
	}
	if dp, ok := back.Parts[3].(DataPart); !ok || dp.Data["k"] != "v" {
		t.Errorf("part 3 = %+v", back.Parts[3])
	}
}

func TestSessionConversationHistory(t *testing.T) {
	sess := NewSession(SessionKey{App: "a", User: "u", ID: "s"})

	turn := NewUserTurnEvent("inv-1", "hi")
	turn.SequenceNo = 1
	sess.AddEvent(turn)

	req := NewConfirmationRequestEvent("inv-1", "agent", "conf-1", "call-1", "ok?", nil)
	req.SequenceNo = 2
	sess.AddEvent(req)

	resp := NewConfirmationResponseEvent("inv-1", "conf-1", true, "")
	resp.SequenceNo = 3
	sess.AddEvent(resp)

	summary := NewCompactionSummaryEvent("agent", "sum", CompactionSpan{StartSeq: 1, EndSeq: 1}, nil)
	summary.SequenceNo = 4
	sess.AddEvent(summary)

	history := sess.ConversationHistory()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (turn + summary)", len(history))
	}
	if history[0].Kind != EventKindTurn || history[1].Kind != EventKindCompactionSummary {
		t.Errorf("history kinds = %s, %s", history[0].Kind, history[1].Kind)
	}

	if sess.LastSequence() != 4 {
		t.Errorf("LastSequence = %d, want 4", sess.LastSequence())
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	sess := NewSession(SessionKey{App: "a", User: "u", ID: "s"})
	ev := NewUserTurnEvent("inv-1", "hi")
	ev.SequenceNo = 1
	sess.AddEvent(ev)
	sess.State["k"] = "v1"

	clone := sess.Clone()
	clone.State["k"] = "v2"
	ev2 := NewUserTurnEvent("inv-1", "more")
	ev2.SequenceNo = 2
	clone.AddEvent(ev2)

	if v, _ := sess.GetState("k"); v != "v1" {
		t.Error("clone state mutation leaked into original")
	}
	if len(sess.GetEvents()) != 1 {
		t.Error("clone event append leaked into original")
	}
}
