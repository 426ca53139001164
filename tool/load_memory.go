package tool

import (
	"fmt"

	"github.com/hupe1980/agentrun/core"
)

// LoadMemoryTool lets the model search consolidated long-term memory for
// information from past sessions of the same app and user. It is the query
// side of memory consolidation; writing happens explicitly through the
// memory service, never as a side effect of a tool call.
type LoadMemoryTool struct {
	limit int
}

// NewLoadMemoryTool constructs the built-in load_memory tool. limit caps the
// number of returned records; zero means the default of 5.
func NewLoadMemoryTool(limit int) *LoadMemoryTool {
	if limit <= 0 {
		limit = 5
	}
	return &LoadMemoryTool{limit: limit}
}

// Name implements Tool.
func (t *LoadMemoryTool) Name() string { return "load_memory" }

// Description implements Tool.
func (t *LoadMemoryTool) Description() string {
	return "Search long-term memory for relevant information from past conversations."
}

// Parameters implements Tool.
func (t *LoadMemoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query describing the information to recall",
			},
		},
		"required": []string{"query"},
	}
}

// Call implements Tool. The result is a list of memory records with author,
// text and session ID so the model can ground its answer.
func (t *LoadMemoryTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, &ToolError{
			Tool:    t.Name(),
			Message: "query must be a non-empty string",
			Code:    CodeValidationError,
		}
	}

	records, err := toolCtx.SearchMemory(query, t.limit)
	if err != nil {
		return nil, &ToolError{
			Tool:    t.Name(),
			Message: fmt.Sprintf("memory search failed: %v", err),
			Code:    CodeExecutionError,
		}
	}

	memories := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		memories = append(memories, map[string]any{
			"session_id": rec.SessionID,
			"author":     rec.Author,
			"text":       rec.Content,
		})
	}
	return map[string]any{"memories": memories}, nil
}
