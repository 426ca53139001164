package core

import (
	"context"
	"maps"

	"github.com/hupe1980/agentrun/logging"
)

// loggerAdapter gives execution contexts uniform Log* helpers over the
// configured logging.Logger.
type loggerAdapter struct {
	logger logging.Logger
}

func newLoggerAdapter(logger logging.Logger) *loggerAdapter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &loggerAdapter{logger: logger}
}

// Logger returns the underlying logger.
func (a *loggerAdapter) Logger() logging.Logger { return a.logger }

// LogDebug logs at debug level with structured key/value pairs.
func (a *loggerAdapter) LogDebug(msg string, args ...any) { a.logger.Debug(msg, args...) }

// LogInfo logs at info level with structured key/value pairs.
func (a *loggerAdapter) LogInfo(msg string, args ...any) { a.logger.Info(msg, args...) }

// LogWarn logs at warn level with structured key/value pairs.
func (a *loggerAdapter) LogWarn(msg string, args ...any) { a.logger.Warn(msg, args...) }

// LogError logs at error level with structured key/value pairs.
func (a *loggerAdapter) LogError(msg string, args ...any) { a.logger.Error(msg, args...) }

// RunContext carries the mutable, per-invocation execution scope the runner
// threads through model calls and tool executions. It aggregates:
//
//   - The ambient cancellation Context
//   - Identifiers (session key, invocation id, agent name)
//   - The input user Content
//   - Backing services (session store, memory) for persistence concerns
//   - A working Session snapshot and the pending StateDelta to commit
//
// State mutations performed via SetState accumulate in StateDelta until the
// runner drains them into the next appended event. Temp scoped entries stay
// in the buffer for the lifetime of the invocation and are discarded at its
// end.
type RunContext struct {
	Context      context.Context
	Key          SessionKey
	InvocationID string
	AgentName    string
	UserContent  Content
	Store        SessionStore
	Memory       MemoryService
	Limiter      *StepLimiter
	Session      *Session
	StateDelta   map[string]any

	*loggerAdapter
}

// NewRunContext constructs a RunContext with an empty state delta buffer.
func NewRunContext(
	ctx context.Context,
	key SessionKey,
	invocationID, agentName string,
	userContent Content,
	maxSteps int,
	sess *Session,
	store SessionStore,
	memory MemoryService,
	logger logging.Logger,
) *RunContext {
	return &RunContext{
		Context:       ctx,
		Key:           key,
		InvocationID:  invocationID,
		AgentName:     agentName,
		UserContent:   userContent,
		Store:         store,
		Memory:        memory,
		Limiter:       NewStepLimiter(maxSteps),
		Session:       sess,
		StateDelta:    map[string]any{},
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// GetState returns a staged (delta) value if present, else the value from the
// session snapshot.
func (rc *RunContext) GetState(key string) (any, bool) {
	if v, ok := rc.StateDelta[key]; ok {
		return v, true
	}
	if rc.Session != nil {
		return rc.Session.GetState(key)
	}
	return nil, false
}

// SetState stages a state mutation in the in-memory delta buffer.
func (rc *RunContext) SetState(key string, v any) { rc.StateDelta[key] = v }

// ApplyStateDelta merges all pairs from d into the staged delta.
func (rc *RunContext) ApplyStateDelta(d map[string]any) { maps.Copy(rc.StateDelta, d) }

// TakeStateDelta drains the staged durable delta for attachment to the next
// appended event. Temp scoped entries stay behind: they are invocation-local
// and never persisted.
func (rc *RunContext) TakeStateDelta() map[string]any {
	if len(rc.StateDelta) == 0 {
		return nil
	}
	out := map[string]any{}
	for k, v := range rc.StateDelta {
		if scope, _ := SplitScopedKey(k); scope == ScopeTemp {
			continue
		}
		out[k] = v
		delete(rc.StateDelta, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RefreshSession reloads the session snapshot from the store.
func (rc *RunContext) RefreshSession() error {
	s, err := rc.Store.Get(rc.Key)
	if err != nil {
		return err
	}
	rc.Session = s
	return nil
}

// SearchMemory queries the consolidated memory of this session's user.
// Returns no results when no memory service is configured.
func (rc *RunContext) SearchMemory(query string, limit int) ([]MemoryRecord, error) {
	if rc.Memory == nil {
		return []MemoryRecord{}, nil
	}
	return rc.Memory.Search(rc.Key.App, rc.Key.User, query, limit)
}

// History returns all historical events of the session snapshot.
func (rc *RunContext) History() []Event {
	if rc.Session == nil {
		return []Event{}
	}
	return rc.Session.GetEvents()
}
