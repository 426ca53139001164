package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an event within a session log.
type EventKind string

const (
	// EventKindTurn is a conversational record: a user message, an assistant
	// message, or a function call / function response exchanged in between.
	EventKindTurn EventKind = "turn"
	// EventKindConfirmationRequest marks the suspension point of an
	// invocation awaiting an external approval decision.
	EventKindConfirmationRequest EventKind = "confirmation_request"
	// EventKindConfirmationResponse records the decision that resumed a
	// suspended invocation.
	EventKindConfirmationResponse EventKind = "confirmation_response"
	// EventKindCompactionSummary replaces a span of older events with a
	// single summary whose state delta equals the fold of the removed span.
	EventKindCompactionSummary EventKind = "compaction_summary"
)

// ConfirmationFunctionName is the reserved function name used on the wire for
// confirmation request / response parts.
const ConfirmationFunctionName = "request_confirmation"

// CompactionSpan records the first and last sequence number of the events a
// compaction summary replaced.
type CompactionSpan struct {
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`
}

// EventActions encodes side effects attached to an Event. StateDelta is
// applied atomically with the append that persists the event; state at any
// sequence number is a pure fold over prior deltas.
type EventActions struct {
	StateDelta map[string]any  `json:"state_delta,omitempty"`
	Compaction *CompactionSpan `json:"compaction,omitempty"`
}

// Event is the immutable unit of a session's append-only log. SequenceNo is
// assigned by the session store on append: strictly increasing and gapless
// per session. After emission an event must be treated as read-only.
type Event struct {
	ID           string       `json:"id"`
	SequenceNo   int64        `json:"sequence_no"`
	InvocationID string       `json:"invocation_id,omitempty"`
	Author       string       `json:"author"`
	Kind         EventKind    `json:"kind"`
	Timestamp    time.Time    `json:"timestamp"`
	Content      *Content     `json:"content,omitempty"`
	Actions      EventActions `json:"actions"`
}

// NewEvent creates a bare event of the given kind bound to an invocation.
// Prefer the helper constructors for the common semantic categories.
func NewEvent(invocationID, author string, kind EventKind) Event {
	return Event{
		ID:           NewID(),
		InvocationID: invocationID,
		Author:       author,
		Kind:         kind,
		Timestamp:    time.Now().UTC(),
	}
}

// NewUserTurnEvent creates a user-authored text turn.
func NewUserTurnEvent(invocationID, text string) Event {
	e := NewEvent(invocationID, "user", EventKindTurn)
	e.Content = &Content{Role: "user", Parts: []Part{TextPart{Text: text}}}
	return e
}

// NewUserContentEvent creates a user-authored turn with arbitrary content.
func NewUserContentEvent(invocationID string, content Content) Event {
	e := NewEvent(invocationID, "user", EventKindTurn)
	e.Content = &content
	return e
}

// NewAssistantTurnEvent creates an assistant text turn authored by the agent.
func NewAssistantTurnEvent(invocationID, author, text string) Event {
	e := NewEvent(invocationID, author, EventKindTurn)
	e.Content = &Content{Role: "assistant", Parts: []Part{TextPart{Text: text}}}
	return e
}

// NewFunctionCallEvent records an agent requesting execution of a sub-task.
func NewFunctionCallEvent(invocationID, author string, call FunctionCall) Event {
	e := NewEvent(invocationID, author, EventKindTurn)
	e.Content = &Content{Role: "assistant", Parts: []Part{FunctionCallPart{FunctionCall: call}}}
	return e
}

// NewFunctionResponseEvent records the completion result (or error) of a
// previously emitted function call.
func NewFunctionResponseEvent(invocationID, author, callID, name string, result any, err error) Event {
	e := NewEvent(invocationID, author, EventKindTurn)
	fr := FunctionResponse{ID: callID, Name: name, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	e.Content = &Content{Role: "tool", Parts: []Part{FunctionResponsePart{FunctionResponse: fr}}}
	return e
}

// NewConfirmationRequestEvent marks an invocation as suspended awaiting the
// identified confirmation. Hint and payload travel as the call arguments so
// callers inspecting the stream can present the approval prompt;
// functionCallID names the gated tool call so the suspension can be
// reconstructed from the log alone.
func NewConfirmationRequestEvent(invocationID, author, confirmationID, functionCallID, hint string, payload map[string]any) Event {
	args, _ := json.Marshal(map[string]any{
		"hint":             hint,
		"payload":          payload,
		"function_call_id": functionCallID,
	})
	e := NewEvent(invocationID, author, EventKindConfirmationRequest)
	e.Content = &Content{Role: "assistant", Parts: []Part{FunctionCallPart{FunctionCall: FunctionCall{
		ID:        confirmationID,
		Name:      ConfirmationFunctionName,
		Arguments: string(args),
	}}}}
	return e
}

// NewConfirmationResponseEvent records the external decision for a pending
// confirmation request.
func NewConfirmationResponseEvent(invocationID, confirmationID string, approved bool, reason string) Event {
	e := NewEvent(invocationID, "user", EventKindConfirmationResponse)
	resp := map[string]any{"confirmed": approved}
	if reason != "" {
		resp["reason"] = reason
	}
	e.Content = &Content{Role: "user", Parts: []Part{FunctionResponsePart{FunctionResponse: FunctionResponse{
		ID:       confirmationID,
		Name:     ConfirmationFunctionName,
		Response: resp,
	}}}}
	return e
}

// NewCompactionSummaryEvent builds the summary event replacing the span. The
// delta must equal the fold of the removed events so replay stays
// observationally equivalent.
func NewCompactionSummaryEvent(author, summary string, span CompactionSpan, delta map[string]any) Event {
	e := NewEvent("", author, EventKindCompactionSummary)
	e.Content = &Content{Role: "assistant", Parts: []Part{TextPart{Text: summary}}}
	e.Actions = EventActions{StateDelta: delta, Compaction: &span}
	return e
}

// NewID generates a new unique identifier for events, invocations and
// confirmation requests.
func NewID() string { return uuid.NewString() }

// GetFunctionCalls returns any FunctionCall parts contained within the event
// content preserving their original order.
func (e Event) GetFunctionCalls() []FunctionCall {
	if e.Content == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range e.Content.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// GetFunctionResponses returns any FunctionResponse parts contained within
// the event content preserving their original order.
func (e Event) GetFunctionResponses() []FunctionResponse {
	if e.Content == nil {
		return nil
	}
	var responses []FunctionResponse
	for _, p := range e.Content.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// Text returns the concatenated text parts of the event content.
func (e Event) Text() string {
	if e.Content == nil {
		return ""
	}
	return e.Content.Text()
}

// IsFinalResponse reports whether the event completes an assistant turn: a
// plain turn with no outstanding function calls or responses.
func (e Event) IsFinalResponse() bool {
	return e.Kind == EventKindTurn &&
		len(e.GetFunctionCalls()) == 0 &&
		len(e.GetFunctionResponses()) == 0
}
