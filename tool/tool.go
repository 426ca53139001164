// Package tool implements the function calling subsystem that lets invocations
// invoke structured capabilities (APIs, computations, side effects) with schema
// validated arguments and consistent error handling.
package tool

import (
	"fmt"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/internal/util"
)

// Tool defines the interface for extending invocations with callable functions.
//
// Tools are registered with the runner to enable function calling, allowing
// the model to perform actions beyond text generation such as API calls,
// calculations, or any other programmatic operation.
//
// Every tool receives a *core.ToolContext giving access to scoped session
// state, memory search, the confirmation gate, and structured logging.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions (snake_case names)
//   - Define a proper JSON schema for parameters
//   - Be idempotent where possible: a suspended invocation re-executes the
//     turn's tool calls on resume
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is provided to the model to help it decide when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with structured arguments and ToolContext.
	// Arguments are parsed from JSON and validated against the tool's schema.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError. Validation failures are recoverable and
// fed back to the model; execution failures terminate the invocation.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// IsValidationError reports whether err is a tool argument validation failure.
func IsValidationError(err error) bool {
	if te, ok := err.(*ToolError); ok {
		return te.Code == CodeValidationError
	}
	_, ok := err.(*ValidationError)
	return ok
}
