package core

import (
	"context"
	"errors"

	"github.com/hupe1980/agentrun/logging"
)

// ConfirmationRequestInfo captures the request a tool opened via
// RequestConfirmation. The runner reads it to build the suspension marker.
type ConfirmationRequestInfo struct {
	ID      string
	Hint    string
	Payload map[string]any
}

// ToolContext provides a constrained, auditable surface for tool
// implementations. It accumulates a state delta without directly mutating the
// session, and exposes the invocation's confirmation state so approval-gated
// tools can branch on an explicit enum instead of re-detecting their own
// suspension.
type ToolContext struct {
	runCtx         *RunContext
	functionCallID string
	confirmation   ConfirmationState
	requestFn      func(hint string, payload map[string]any) (string, error)
	requested      *ConfirmationRequestInfo
	stateDelta     map[string]any

	*loggerAdapter
}

// NewToolContext constructs a tool context bound to a parent RunContext and
// function call id. confirmation is the gate state for the invocation;
// requestFn opens a new confirmation request when a tool asks for approval.
func NewToolContext(
	runCtx *RunContext,
	functionCallID string,
	confirmation ConfirmationState,
	requestFn func(hint string, payload map[string]any) (string, error),
) *ToolContext {
	return &ToolContext{
		runCtx:         runCtx,
		functionCallID: functionCallID,
		confirmation:   confirmation,
		requestFn:      requestFn,
		loggerAdapter:  newLoggerAdapter(runCtx.Logger()),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.runCtx.Context }

// SessionKey returns the session identity for the tool invocation.
func (tc *ToolContext) SessionKey() SessionKey { return tc.runCtx.Key }

// InvocationID returns the invocation the tool call belongs to.
func (tc *ToolContext) InvocationID() string { return tc.runCtx.InvocationID }

// FunctionCallID returns the function call id correlating the model request
// and this execution.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// Logger returns the logger for the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// GetState retrieves the state value for a (possibly scope-prefixed) key.
func (tc *ToolContext) GetState(key string) (any, bool) { return tc.runCtx.GetState(key) }

// SetState records a state mutation both on the invocation context (for
// immediate visibility) and in the local delta attached to the response
// event.
func (tc *ToolContext) SetState(key string, v any) {
	tc.runCtx.SetState(key, v)
	if tc.stateDelta == nil {
		tc.stateDelta = map[string]any{}
	}
	tc.stateDelta[key] = v
}

// StateDelta returns the mutations this tool call has staged.
func (tc *ToolContext) StateDelta() map[string]any { return tc.stateDelta }

// Confirmation returns the tagged confirmation state of the invocation.
func (tc *ToolContext) Confirmation() ConfirmationState { return tc.confirmation }

// RequestConfirmation opens a confirmation request for this invocation and
// returns its id. The tool should then report a pending status; the runner
// suspends the invocation and surfaces hint and payload to the caller.
func (tc *ToolContext) RequestConfirmation(hint string, payload map[string]any) (string, error) {
	if tc.requestFn == nil {
		return "", errors.New("confirmation gate not configured")
	}
	id, err := tc.requestFn(hint, payload)
	if err != nil {
		return "", err
	}
	tc.requested = &ConfirmationRequestInfo{ID: id, Hint: hint, Payload: payload}
	tc.LogInfo("tool.confirmation.requested",
		"confirmation_id", id,
		"invocation_id", tc.InvocationID(),
		"function_call_id", tc.functionCallID,
	)
	return id, nil
}

// RequestedConfirmation returns the request opened during this call, or nil.
func (tc *ToolContext) RequestedConfirmation() *ConfirmationRequestInfo { return tc.requested }

// SearchMemory performs a recall query against the configured memory service.
func (tc *ToolContext) SearchMemory(query string, limit int) ([]MemoryRecord, error) {
	return tc.runCtx.SearchMemory(query, limit)
}

// History returns the conversational history of the session snapshot.
func (tc *ToolContext) History() []Event {
	if tc.runCtx.Session == nil {
		return nil
	}
	return tc.runCtx.Session.ConversationHistory()
}
