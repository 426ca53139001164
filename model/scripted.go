package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrun/core"
)

// ScriptStep produces one scripted response for a request.
type ScriptStep func(req Request) (Response, error)

// ScriptedModel is a deterministic in-memory Model for tests and examples.
// It plays back a fixed sequence of steps, one per Generate call, and records
// every request it receives. Once the script is exhausted further calls fall
// back to echoing the last user text.
type ScriptedModel struct {
	mu       sync.Mutex
	info     Info
	steps    []ScriptStep
	requests []Request
	pos      int
}

// NewScriptedModel constructs a ScriptedModel with tool support enabled.
func NewScriptedModel(name string, steps ...ScriptStep) *ScriptedModel {
	return &ScriptedModel{
		info: Info{
			Name:          name,
			Provider:      "scripted",
			SupportsTools: true,
		},
		steps: steps,
	}
}

// Append adds steps to the end of the script.
func (m *ScriptedModel) Append(steps ...ScriptStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// Requests returns a copy of all requests seen so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many Generate calls were made.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var step ScriptStep
	if m.pos < len(m.steps) {
		step = m.steps[m.pos]
		m.pos++
	}
	m.mu.Unlock()

	if step != nil {
		return step(req)
	}

	var inputText string
	if len(req.Contents) > 0 {
		inputText = req.Contents[len(req.Contents)-1].Text()
	}
	return Response{
		ID: core.NewID(),
		Content: core.Content{
			Role:  "assistant",
			Parts: []core.Part{core.TextPart{Text: fmt.Sprintf("Scripted response to: %s", inputText)}},
		},
		FinishReason: "stop",
	}, nil
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

// TextStep scripts a plain assistant text response.
func TextStep(text string) ScriptStep {
	return func(Request) (Response, error) {
		return Response{
			ID: core.NewID(),
			Content: core.Content{
				Role:  "assistant",
				Parts: []core.Part{core.TextPart{Text: text}},
			},
			FinishReason: "stop",
		}, nil
	}
}

// ToolCallStep scripts a response requesting a single tool call with raw JSON
// arguments.
func ToolCallStep(callID, name, argsJSON string) ScriptStep {
	return func(Request) (Response, error) {
		return Response{
			ID: core.NewID(),
			Content: core.Content{
				Role: "assistant",
				Parts: []core.Part{core.FunctionCallPart{
					FunctionCall: core.FunctionCall{ID: callID, Name: name, Arguments: argsJSON},
				}},
			},
			FinishReason: "tool_calls",
		}, nil
	}
}

// ErrorStep scripts a failure.
func ErrorStep(err error) ScriptStep {
	return func(Request) (Response, error) { return Response{}, err }
}

// StatusErrorStep scripts a provider failure with the given status code.
func StatusErrorStep(statusCode int) ScriptStep {
	return ErrorStep(&ProviderError{
		Provider:   "scripted",
		StatusCode: statusCode,
		Message:    fmt.Sprintf("scripted status %d", statusCode),
	})
}
