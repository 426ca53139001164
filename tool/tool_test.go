package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/internal/util"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/memory"
	"github.com/hupe1980/agentrun/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -------------------- Schema & Validation Tests --------------------

type sampleSchema struct {
	A string `json:"a" description:"Field A"`
	B *int   `json:"b" description:"Optional pointer field"`
	C int    `json:"c,omitempty" description:"Omit empty field"`
}

func TestCreateSchema(t *testing.T) {
	schema := util.CreateSchema(sampleSchema{})
	props, ok := schema["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Contains(t, props, "c")
	// Required only includes non-pointer, non-omitempty exported fields
	req, _ := schema["required"].([]string)
	assert.ElementsMatch(t, []string{"a"}, req)
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
		// Use []any to mirror a JSON decoded schema shape
		"required": []any{"x"},
	}

	err := util.ValidateParameters(map[string]any{"x": 5}, schema)
	assert.NoError(t, err)

	err = util.ValidateParameters(map[string]any{}, schema)
	assert.Error(t, err)
	if vErr, ok := err.(*ValidationError); ok {
		assert.Equal(t, "x", vErr.Field)
	} else {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	err = util.ValidateParameters(map[string]any{"x": "not-int"}, schema)
	assert.Error(t, err)
	if vErr, ok := err.(*ValidationError); ok {
		assert.Contains(t, vErr.Message, "expected type integer")
	} else {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

// -------------------- Test Harness --------------------

func testRunContext(t *testing.T) *core.RunContext {
	t.Helper()
	store := session.NewInMemoryStore()
	key := core.SessionKey{App: "test", User: "u1", ID: "sess-1"}
	sess, err := store.Create(key)
	require.NoError(t, err)
	return core.NewRunContext(
		context.Background(), key, "inv-1", "agent", core.Content{},
		10, sess, store, memory.NewInMemoryService(), logging.NoOpLogger{},
	)
}

func testToolContext(t *testing.T, fcID string) *core.ToolContext {
	t.Helper()
	return core.NewToolContext(testRunContext(t), fcID, core.ConfirmationState{}, nil)
}

// -------------------- FunctionTool Tests --------------------

func TestFunctionTool_Success(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}

	sumTool := NewFunctionTool("sum", "Add numbers", params, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	result, err := sumTool.Call(testToolContext(t, "fc1"), map[string]any{"a": 2.0, "b": 3.0})
	assert.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
		},
		"required": []any{"a"},
	}
	tTool := NewFunctionTool("test", "Test", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return 0, nil
	})
	_, err := tTool.Call(testToolContext(t, "fc2"), map[string]any{})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, CodeValidationError, toolErr.Code)
	assert.True(t, IsValidationError(err))
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	execTool := NewFunctionTool("fail", "Fails", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := execTool.Call(testToolContext(t, "fc3"), map[string]any{})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, CodeExecutionError, toolErr.Code)
	assert.False(t, IsValidationError(err))
}

func TestFunctionTool_CustomToolErrorForwarded(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	custom := NewToolError("quota", "daily quota exhausted", "QUOTA_EXCEEDED")
	qTool := NewFunctionTool("quota", "Quota", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, custom
	})
	_, err := qTool.Call(testToolContext(t, "fc4"), map[string]any{})
	assert.Same(t, custom, err)
}

func TestFunctionTool_StateDelta(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	counter := NewFunctionTool("count", "Counts", params, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		tc.SetState("order_count", 1)
		tc.SetState("temp:scratch", "x")
		return "ok", nil
	})

	tc := testToolContext(t, "fc5")
	_, err := counter.Call(tc, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, tc.StateDelta()["order_count"])
	assert.Equal(t, "x", tc.StateDelta()["temp:scratch"])

	v, ok := tc.GetState("order_count")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestFunctionToolFromStruct(t *testing.T) {
	type args struct {
		Containers int    `json:"containers" description:"Number of containers"`
		Dest       string `json:"dest" description:"Destination port"`
	}
	orderTool := NewFunctionToolFromStruct("place_order", "Place an order", args{},
		func(_ *core.ToolContext, a map[string]any) (any, error) {
			return a["dest"], nil
		})

	props := orderTool.Parameters()["properties"].(map[string]any)
	assert.Contains(t, props, "containers")
	assert.Contains(t, props, "dest")

	res, err := orderTool.Call(testToolContext(t, "fc6"), map[string]any{"containers": 3.0, "dest": "Rotterdam"})
	require.NoError(t, err)
	assert.Equal(t, "Rotterdam", res)
}

// -------------------- LoadMemoryTool Tests --------------------

func TestLoadMemoryTool(t *testing.T) {
	store := session.NewInMemoryStore()
	key := core.SessionKey{App: "test", User: "u1", ID: "sess-1"}
	sess, err := store.Create(key)
	require.NoError(t, err)

	memSvc := memory.NewInMemoryService()
	past := core.NewSession(core.SessionKey{App: "test", User: "u1", ID: "past"})
	ev := core.NewUserTurnEvent("inv-0", "My favourite colors are blue and green.")
	ev.SequenceNo = 1
	past.Events = append(past.Events, ev)
	require.NoError(t, memSvc.AddSessionToMemory(past))

	rc := core.NewRunContext(
		context.Background(), key, "inv-1", "agent", core.Content{},
		10, sess, store, memSvc, logging.NoOpLogger{},
	)
	tc := core.NewToolContext(rc, "fc7", core.ConfirmationState{}, nil)

	lm := NewLoadMemoryTool(0)
	res, err := lm.Call(tc, map[string]any{"query": "favourite colors"})
	require.NoError(t, err)

	memories := res.(map[string]any)["memories"].([]map[string]any)
	require.NotEmpty(t, memories)
	assert.Contains(t, memories[0]["text"], "blue")

	_, err = lm.Call(tc, map[string]any{"query": ""})
	assert.Error(t, err)
	assert.True(t, IsValidationError(err))
}

// -------------------- ToolError Formatting --------------------

func TestToolErrorFormatting(t *testing.T) {
	err := NewToolError("demo", "something failed", "E123")
	assert.Contains(t, err.Error(), "E123")
	assert.Contains(t, err.Error(), "demo")
}
