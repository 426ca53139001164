package core

import (
	"encoding/json"
	"fmt"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string // Plain UTF-8 text
}

func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g. a JSON object map).
type DataPart struct {
	Data map[string]any
}

func (DataPart) isPart() {}

// FunctionCall describes a sub-task / tool invocation request.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Stable id correlating call and response
	Name      string `json:"name"`                // Tool / function name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call. Response carries
// the structured result; by convention it contains at minimum a "status"
// field (success / error / pending).
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`       // Matches originating FunctionCall ID
	Name     string `json:"name"`               // Function name
	Response any    `json:"response,omitempty"` // Structured result (any JSON shape)
	Error    string `json:"error,omitempty"`    // Populated on failure
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

func (FunctionResponsePart) isPart() {}

// Content holds role + ordered parts.
type Content struct {
	Role  string // Conversation role (user, assistant, tool, system)
	Parts []Part // Ordered heterogeneous parts
}

// Text concatenates all text parts of the content.
func (c Content) Text() string {
	var out string
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// partEnvelope is the JSON wire form of a Part: exactly one field is set.
// Durable session stores round-trip Content through this shape.
type partEnvelope struct {
	Text             *string           `json:"text,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

type contentEnvelope struct {
	Role  string         `json:"role,omitempty"`
	Parts []partEnvelope `json:"parts"`
}

// MarshalJSON implements json.Marshaler for Content.
func (c Content) MarshalJSON() ([]byte, error) {
	env := contentEnvelope{Role: c.Role, Parts: make([]partEnvelope, 0, len(c.Parts))}
	for _, p := range c.Parts {
		switch pt := p.(type) {
		case TextPart:
			t := pt.Text
			env.Parts = append(env.Parts, partEnvelope{Text: &t})
		case DataPart:
			env.Parts = append(env.Parts, partEnvelope{Data: pt.Data})
		case FunctionCallPart:
			fc := pt.FunctionCall
			env.Parts = append(env.Parts, partEnvelope{FunctionCall: &fc})
		case FunctionResponsePart:
			fr := pt.FunctionResponse
			env.Parts = append(env.Parts, partEnvelope{FunctionResponse: &fr})
		default:
			return nil, fmt.Errorf("unsupported content part %T", p)
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler for Content.
func (c *Content) UnmarshalJSON(data []byte) error {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.Role = env.Role
	c.Parts = make([]Part, 0, len(env.Parts))
	for _, pe := range env.Parts {
		switch {
		case pe.Text != nil:
			c.Parts = append(c.Parts, TextPart{Text: *pe.Text})
		case pe.FunctionCall != nil:
			c.Parts = append(c.Parts, FunctionCallPart{FunctionCall: *pe.FunctionCall})
		case pe.FunctionResponse != nil:
			c.Parts = append(c.Parts, FunctionResponsePart{FunctionResponse: *pe.FunctionResponse})
		case pe.Data != nil:
			c.Parts = append(c.Parts, DataPart{Data: pe.Data})
		}
	}
	return nil
}
