package testutil

import (
	"github.com/hupe1980/agentrun/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder().Author("agent").Invocation("inv-1").AssistantText("hello").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	author        string
	invocationID  string
	id            string
	kind          core.EventKind
	role          string
	seq           int64
	textParts     []string
	funcCalls     []core.FunctionCall
	funcResponses []core.FunctionResponse
	customParts   []core.Part
	delta         map[string]any
	compaction    *core.CompactionSpan
}

// NewEventBuilder creates a builder with default author "agent" and kind turn.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{author: "agent", kind: core.EventKindTurn}
}

// Author sets the author name for the event (chainable).
func (b *EventBuilder) Author(a string) *EventBuilder { b.author = a; return b }

// Invocation sets the invocation ID associated with the event (chainable).
func (b *EventBuilder) Invocation(id string) *EventBuilder { b.invocationID = id; return b }

// ID overrides the auto-generated event ID (chainable). Use mainly in tests where determinism matters.
func (b *EventBuilder) ID(id string) *EventBuilder { b.id = id; return b }

// Kind overrides the event kind (chainable).
func (b *EventBuilder) Kind(k core.EventKind) *EventBuilder { b.kind = k; return b }

// Seq presets the sequence number for events handed to stores that do not
// assign one (chainable).
func (b *EventBuilder) Seq(n int64) *EventBuilder { b.seq = n; return b }

// UserText appends a user role text part and sets role to user (chainable).
func (b *EventBuilder) UserText(t string) *EventBuilder {
	b.role = "user"
	b.textParts = append(b.textParts, t)
	return b
}

// AssistantText appends an assistant role text part and sets role to assistant (chainable).
func (b *EventBuilder) AssistantText(t string) *EventBuilder {
	b.role = "assistant"
	b.textParts = append(b.textParts, t)
	return b
}

// AddPart appends a custom content part (chainable).
func (b *EventBuilder) AddPart(p core.Part) *EventBuilder {
	b.customParts = append(b.customParts, p)
	return b
}

// FunctionCall adds a function call part with the provided name and JSON argument string (chainable).
func (b *EventBuilder) FunctionCall(id, name, args string) *EventBuilder {
	b.funcCalls = append(b.funcCalls, core.FunctionCall{ID: id, Name: name, Arguments: args})
	return b
}

// FunctionResponse adds a function response part representing tool execution output (chainable).
func (b *EventBuilder) FunctionResponse(id, name string, result any, err error) *EventBuilder {
	fr := core.FunctionResponse{ID: id, Name: name, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	b.funcResponses = append(b.funcResponses, fr)
	return b
}

// StateDelta sets a state delta entry on the event actions (chainable).
func (b *EventBuilder) StateDelta(key string, val any) *EventBuilder {
	if b.delta == nil {
		b.delta = map[string]any{}
	}
	b.delta[key] = val
	return b
}

// Compaction marks the event as a compaction summary covering the given span (chainable).
func (b *EventBuilder) Compaction(startSeq, endSeq int64) *EventBuilder {
	b.kind = core.EventKindCompactionSummary
	b.compaction = &core.CompactionSpan{StartSeq: startSeq, EndSeq: endSeq}
	return b
}

// Build constructs the core.Event value.
func (b *EventBuilder) Build() core.Event {
	ev := core.NewEvent(b.invocationID, b.author, b.kind)
	if b.id != "" {
		ev.ID = b.id
	}
	ev.SequenceNo = b.seq
	ev.Actions.StateDelta = b.delta
	ev.Actions.Compaction = b.compaction

	parts := make([]core.Part, 0, len(b.textParts)+len(b.funcCalls)+len(b.funcResponses)+len(b.customParts))
	for _, t := range b.textParts {
		parts = append(parts, core.TextPart{Text: t})
	}
	for _, fc := range b.funcCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
	}
	for _, fr := range b.funcResponses {
		parts = append(parts, core.FunctionResponsePart{FunctionResponse: fr})
	}
	parts = append(parts, b.customParts...)
	if len(parts) > 0 {
		role := b.role
		if role == "" {
			role = "assistant"
		}
		ev.Content = &core.Content{Role: role, Parts: parts}
	}
	return ev
}
