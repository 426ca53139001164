package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrun/compaction"
	"github.com/hupe1980/agentrun/confirmation"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/memory"
	"github.com/hupe1980/agentrun/model"
	"github.com/hupe1980/agentrun/session"
	"github.com/hupe1980/agentrun/tool"
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// AgentName is recorded as the author of assistant events.
	AgentName string
	// Instructions is the system prompt sent with every model request.
	Instructions string
	// EventBufferSize sets channel buffering for streamed events.
	EventBufferSize int
	// MaxSteps limits the number of model calls per invocation. Zero means
	// unlimited.
	MaxSteps int
	// SessionStore persists sessions, events and state.
	SessionStore core.SessionStore
	// Memory serves recall queries; consolidation stays explicit.
	Memory core.MemoryService
	// Gate tracks confirmation requests across suspensions.
	Gate *confirmation.Gate
	// Compactor, when set, observes completed invocations and folds old
	// events. Nil disables compaction.
	Compactor *compaction.Compactor
	// Logger receives structured runtime logs.
	Logger logging.Logger
}

// Runner coordinates invocation execution: it creates run contexts, loops the
// model, executes tool calls, applies state deltas through the store, and
// streams persisted events. Public methods are safe for concurrent use; a
// session admits at most one active invocation at a time.
type Runner struct {
	model model.Model
	tools map[string]tool.Tool

	agentName       string
	instructions    string
	eventBufferSize int
	maxSteps        int

	store     core.SessionStore
	memory    core.MemoryService
	gate      *confirmation.Gate
	compactor *compaction.Compactor
	logger    logging.Logger

	mu            sync.Mutex
	invocations   map[string]*core.Invocation
	busySessions  map[string]string // session key -> active invocation id
	cancels       map[string]context.CancelFunc
	confirmations map[string]string // invocation id + call id -> confirmation id
}

// New constructs a Runner for a model and tool set with optional overrides.
func New(m model.Model, tools []tool.Tool, optFns ...func(o *Options)) *Runner {
	opts := Options{
		AgentName:       "agent",
		EventBufferSize: 100,
		MaxSteps:        20,
		SessionStore:    session.NewInMemoryStore(),
		Memory:          memory.NewInMemoryService(),
		Gate:            confirmation.NewGate(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	toolIndex := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		toolIndex[t.Name()] = t
	}

	return &Runner{
		model:           m,
		tools:           toolIndex,
		agentName:       opts.AgentName,
		instructions:    opts.Instructions,
		eventBufferSize: opts.EventBufferSize,
		maxSteps:        opts.MaxSteps,
		store:           opts.SessionStore,
		memory:          opts.Memory,
		gate:            opts.Gate,
		compactor:       opts.Compactor,
		logger:          opts.Logger,
		invocations:     make(map[string]*core.Invocation),
		busySessions:    make(map[string]string),
		cancels:         make(map[string]context.CancelFunc),
		confirmations:   make(map[string]string),
	}
}

// Gate exposes the confirmation gate, mainly for callers that present
// pending approvals out of band.
func (r *Runner) Gate() *confirmation.Gate { return r.gate }

// Run starts an asynchronous invocation for the session. The user content is
// appended before Run returns; further events arrive on the returned channel,
// which closes when the invocation completes, fails or suspends. A suspension
// is recognizable by a confirmation request as the last streamed event.
func (r *Runner) Run(
	ctx context.Context,
	key core.SessionKey,
	userContent core.Content,
) (string, <-chan core.Event, <-chan error, error) {
	sess, err := r.store.Get(key)
	if err != nil {
		return "", nil, nil, fmt.Errorf("get session: %w", err)
	}

	invocationID := core.NewID()
	inv := &core.Invocation{
		ID:      invocationID,
		Session: key,
		Status:  core.InvocationRunning,
		Started: time.Now().UTC(),
		Updated: time.Now().UTC(),
	}
	if err := r.acquireSession(key, inv); err != nil {
		return "", nil, nil, err
	}

	lastSeq, err := r.store.AppendEvent(key, sess.LastSequence(), core.NewUserContentEvent(invocationID, userContent))
	if err != nil {
		r.releaseSession(key, invocationID)
		r.mu.Lock()
		delete(r.invocations, invocationID)
		r.mu.Unlock()
		return "", nil, nil, fmt.Errorf("append user turn: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[invocationID] = cancel
	r.mu.Unlock()

	runCtx := core.NewRunContext(
		ctx, key, invocationID, r.agentName, userContent,
		r.maxSteps, sess, r.store, r.memory, r.logger,
	)

	eventsCh := make(chan core.Event, r.eventBufferSize)
	errorsCh := make(chan error, 1)
	go r.drive(runCtx, inv, lastSeq, eventsCh, errorsCh, nil)

	return invocationID, eventsCh, errorsCh, nil
}

// Resume delivers a confirmation decision to a suspended invocation and
// re-drives it. The suspended turn's tool calls are re-executed; calls that
// already produced a response are skipped, so only the gated call runs again,
// this time observing the resolved decision. An expired confirmation resumes
// as a rejection with reason "timeout".
func (r *Runner) Resume(
	ctx context.Context,
	key core.SessionKey,
	invocationID, confirmationID string,
	decision confirmation.Decision,
) (<-chan core.Event, <-chan error, error) {
	r.mu.Lock()
	inv, ok := r.invocations[invocationID]
	r.mu.Unlock()
	if !ok {
		// a suspension survives restarts: rebuild it from the event log
		var err error
		inv, err = r.rehydrateSuspended(key, invocationID)
		if err != nil {
			return nil, nil, err
		}
	}
	if inv.Session != key {
		return nil, nil, fmt.Errorf("%w: invocation %s belongs to %s", core.ErrInvocationNotFound, invocationID, inv.Session)
	}
	if inv.Status != core.InvocationSuspended {
		return nil, nil, fmt.Errorf("%w: invocation %s is %s, not suspended", core.ErrConflict, invocationID, inv.Status)
	}

	approved, reason := decision.Approved, decision.Reason
	_, err := r.gate.Resolve(confirmationID, invocationID, approved, reason)
	if err != nil {
		if !errors.Is(err, core.ErrConfirmationTimeout) {
			return nil, nil, err
		}
		// lazy expiry already recorded the permanent rejection
		approved, reason = false, confirmation.TimeoutReason
	}

	sess, err := r.store.Get(key)
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}

	respEv := core.NewConfirmationResponseEvent(invocationID, confirmationID, approved, reason)
	lastSeq, err := r.store.AppendEvent(key, sess.LastSequence(), respEv)
	if err != nil {
		// the gate decision is already permanent; retrying Resume would
		// fail ErrConfirmationResolved forever, so fail the invocation and
		// free the session instead of leaving it wedged
		r.setStatus(inv, core.InvocationFailed)
		r.releaseSession(key, invocationID)
		return nil, nil, fmt.Errorf("append confirmation response: %w", err)
	}

	r.setStatus(inv, core.InvocationRunning)

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[invocationID] = cancel
	r.mu.Unlock()

	sess, err = r.store.Get(key)
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	runCtx := core.NewRunContext(
		ctx, key, invocationID, r.agentName, core.Content{},
		r.maxSteps, sess, r.store, r.memory, r.logger,
	)

	eventsCh := make(chan core.Event, r.eventBufferSize)
	errorsCh := make(chan error, 1)
	go r.drive(runCtx, inv, lastSeq, eventsCh, errorsCh, &respEv)

	return eventsCh, errorsCh, nil
}

// rehydrateSuspended rebuilds an invocation's suspension from the persisted
// event log, so Resume works even when the suspension happened in an earlier
// process. A confirmation_request event for the invocation without a matching
// confirmation_response identifies the open suspension; the gate entry, the
// invocation record and the gated-call mapping are reconstructed from it.
func (r *Runner) rehydrateSuspended(key core.SessionKey, invocationID string) (*core.Invocation, error) {
	sess, err := r.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrInvocationNotFound, invocationID)
	}

	var reqEv *core.Event
	responded := map[string]bool{}
	for _, ev := range sess.GetEvents() {
		switch ev.Kind {
		case core.EventKindConfirmationRequest:
			if ev.InvocationID == invocationID {
				evCopy := ev
				reqEv = &evCopy
			}
		case core.EventKindConfirmationResponse:
			for _, fr := range ev.GetFunctionResponses() {
				responded[fr.ID] = true
			}
		}
	}
	if reqEv == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrInvocationNotFound, invocationID)
	}
	calls := reqEv.GetFunctionCalls()
	if len(calls) == 0 || responded[calls[0].ID] {
		return nil, fmt.Errorf("%w: invocation %s has no open confirmation", core.ErrConflict, invocationID)
	}
	confirmationID := calls[0].ID

	var args struct {
		Hint           string         `json:"hint"`
		Payload        map[string]any `json:"payload"`
		FunctionCallID string         `json:"function_call_id"`
	}
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		return nil, fmt.Errorf("decode confirmation request: %w", err)
	}

	r.gate.Restore(confirmation.Request{
		ID:             confirmationID,
		SessionKey:     key,
		InvocationID:   invocationID,
		FunctionCallID: args.FunctionCallID,
		Hint:           args.Hint,
		Payload:        args.Payload,
		OpenedAt:       reqEv.Timestamp,
	})

	inv := &core.Invocation{
		ID:      invocationID,
		Session: key,
		Status:  core.InvocationSuspended,
		Started: reqEv.Timestamp,
		Updated: reqEv.Timestamp,
	}
	r.mu.Lock()
	if currentID, busy := r.busySessions[key.String()]; busy && currentID != invocationID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s has active invocation %s", core.ErrSessionBusy, key, currentID)
	}
	if existing, ok := r.invocations[invocationID]; ok {
		inv = existing
	} else {
		r.invocations[invocationID] = inv
	}
	r.busySessions[key.String()] = invocationID
	r.mu.Unlock()

	r.recordConfirmation(invocationID, args.FunctionCallID, confirmationID)

	r.logger.Info("runner.invocation.rehydrated",
		"invocation_id", invocationID, "session", key.String())
	return inv, nil
}

// Cancel aborts a running invocation by ID.
func (r *Runner) Cancel(invocationID string) error {
	r.mu.Lock()
	cancel, exists := r.cancels[invocationID]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrInvocationNotFound, invocationID)
	}
	cancel()
	return nil
}

// Status returns a copy of the invocation record.
func (r *Runner) Status(invocationID string) (core.Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invocations[invocationID]
	if !ok {
		return core.Invocation{}, fmt.Errorf("%w: %s", core.ErrInvocationNotFound, invocationID)
	}
	return *inv, nil
}

// acquireSession reserves the session's single invocation slot. A slot held
// by a suspended invocation whose confirmation has expired is reclaimed: the
// abandoned invocation fails with the recorded timeout rejection and the new
// one is admitted.
func (r *Runner) acquireSession(key core.SessionKey, inv *core.Invocation) error {
	r.mu.Lock()
	activeID, busy := r.busySessions[key.String()]
	var active *core.Invocation
	if busy {
		active = r.invocations[activeID]
	}
	r.mu.Unlock()

	if busy {
		if active == nil || active.Status != core.InvocationSuspended || !r.gate.TimedOut(activeID) {
			return fmt.Errorf("%w: session %s has active invocation %s", core.ErrSessionBusy, key, activeID)
		}
		r.setStatus(active, core.InvocationFailed)
		r.releaseSession(key, activeID)
		r.logger.Warn("runner.invocation.expired",
			"invocation_id", activeID, "session", key.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if currentID, stillBusy := r.busySessions[key.String()]; stillBusy {
		return fmt.Errorf("%w: session %s has active invocation %s", core.ErrSessionBusy, key, currentID)
	}
	r.busySessions[key.String()] = inv.ID
	r.invocations[inv.ID] = inv
	return nil
}

func (r *Runner) releaseSession(key core.SessionKey, invocationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busySessions[key.String()] == invocationID {
		delete(r.busySessions, key.String())
	}
	delete(r.cancels, invocationID)
}

func (r *Runner) setStatus(inv *core.Invocation, status core.InvocationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv.Status = status
	inv.Updated = time.Now().UTC()
}

// drive executes the invocation loop in its own goroutine and owns channel
// closure. resumedFrom is non-nil when re-driving after a confirmation
// decision; it triggers idempotent re-execution of the suspended turn before
// the loop continues.
func (r *Runner) drive(
	runCtx *core.RunContext,
	inv *core.Invocation,
	lastSeq int64,
	eventsCh chan<- core.Event,
	errorsCh chan<- error,
	resumedFrom *core.Event,
) {
	defer func() {
		close(eventsCh)
		close(errorsCh)
	}()

	suspended, err := r.execute(runCtx, inv, &lastSeq, eventsCh, resumedFrom != nil)

	switch {
	case err != nil:
		r.setStatus(inv, core.InvocationFailed)
		r.releaseSession(inv.Session, inv.ID)
		r.logger.Error("runner.invocation.failed",
			"invocation_id", inv.ID, "session", inv.Session.String(), "error", err.Error())
		errorsCh <- err
	case suspended:
		// session slot stays reserved for the pending resume
		r.mu.Lock()
		delete(r.cancels, inv.ID)
		r.mu.Unlock()
		r.logger.Info("runner.invocation.suspended",
			"invocation_id", inv.ID, "session", inv.Session.String())
	default:
		r.setStatus(inv, core.InvocationCompleted)
		r.releaseSession(inv.Session, inv.ID)
		r.logger.Info("runner.invocation.completed",
			"invocation_id", inv.ID, "session", inv.Session.String(), "steps", runCtx.Limiter.Count())
		if r.compactor != nil {
			if err := r.compactor.Observe(runCtx.Context, inv.Session); err != nil {
				r.logger.Warn("runner.compaction.failed",
					"session", inv.Session.String(), "error", err.Error())
			}
		}
	}
}

// execute runs the model/tool loop. It returns suspended=true when a tool
// opened a confirmation request, in which case the invocation status is
// already set and the confirmation request event was the last one streamed.
func (r *Runner) execute(
	runCtx *core.RunContext,
	inv *core.Invocation,
	lastSeq *int64,
	eventsCh chan<- core.Event,
	resuming bool,
) (bool, error) {
	if resuming {
		suspended, err := r.replaySuspendedTurn(runCtx, inv, lastSeq, eventsCh)
		if err != nil {
			return false, err
		}
		if suspended {
			return true, nil
		}
		if err := runCtx.RefreshSession(); err != nil {
			return false, fmt.Errorf("refresh session: %w", err)
		}
	}

	for {
		if err := runCtx.Err(); err != nil {
			return false, err
		}
		if err := runCtx.Limiter.Increment(); err != nil {
			return false, err
		}

		resp, err := r.model.Generate(runCtx.Context, r.buildRequest(runCtx))
		if err != nil {
			return false, err
		}

		turnEv := core.NewEvent(inv.ID, r.agentName, core.EventKindTurn)
		turnEv.Content = &resp.Content
		seq, err := r.append(runCtx, lastSeq, turnEv, eventsCh)
		if err != nil {
			return false, err
		}
		turnEv.SequenceNo = seq

		calls := turnEv.GetFunctionCalls()
		if len(calls) == 0 {
			return false, nil
		}

		for _, call := range calls {
			suspended, callErr := r.executeCall(runCtx, inv, call, lastSeq, eventsCh)
			if callErr != nil {
				return false, callErr
			}
			if suspended {
				return true, nil
			}
		}

		if err := runCtx.RefreshSession(); err != nil {
			return false, fmt.Errorf("refresh session: %w", err)
		}
	}
}

// replaySuspendedTurn re-executes the tool calls of the turn that suspended.
// Calls that already produced a function response are skipped, so the replay
// is idempotent; only the gated call executes again, now observing the
// resolved confirmation.
func (r *Runner) replaySuspendedTurn(
	runCtx *core.RunContext,
	inv *core.Invocation,
	lastSeq *int64,
	eventsCh chan<- core.Event,
) (bool, error) {
	events := runCtx.History()

	responded := map[string]bool{}
	for _, ev := range events {
		if ev.Kind != core.EventKindTurn {
			continue
		}
		for _, fr := range ev.GetFunctionResponses() {
			responded[fr.ID] = true
		}
	}

	// last assistant turn of this invocation carrying function calls
	var turn *core.Event
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.InvocationID != inv.ID || ev.Kind != core.EventKindTurn {
			continue
		}
		if len(ev.GetFunctionCalls()) > 0 {
			turn = &ev
			break
		}
	}
	if turn == nil {
		return false, nil
	}

	for _, call := range turn.GetFunctionCalls() {
		if responded[call.ID] {
			continue
		}
		susp, callErr := r.executeCall(runCtx, inv, call, lastSeq, eventsCh)
		if callErr != nil {
			return false, callErr
		}
		if susp {
			return true, nil
		}
	}
	return false, nil
}

// executeCall runs one tool call, persisting the outcome. Validation failures
// are recoverable: they are recorded as an errored function response the
// model sees on the next step. Execution failures terminate the invocation.
func (r *Runner) executeCall(
	runCtx *core.RunContext,
	inv *core.Invocation,
	call core.FunctionCall,
	lastSeq *int64,
	eventsCh chan<- core.Event,
) (bool, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		ev := core.NewFunctionResponseEvent(inv.ID, r.agentName, call.ID, call.Name, nil,
			fmt.Errorf("unknown tool %q", call.Name))
		_, err := r.append(runCtx, lastSeq, ev, eventsCh)
		return false, err
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			ev := core.NewFunctionResponseEvent(inv.ID, r.agentName, call.ID, call.Name, nil,
				fmt.Errorf("malformed arguments: %v", err))
			_, appendErr := r.append(runCtx, lastSeq, ev, eventsCh)
			return false, appendErr
		}
	}

	confState := core.ConfirmationState{Status: core.ConfirmationNone}
	if cid, ok := r.confirmationFor(inv.ID, call.ID); ok {
		confState = r.gate.State(cid)
	}
	requestFn := func(hint string, payload map[string]any) (string, error) {
		id := r.gate.Open(confirmation.Request{
			SessionKey:     runCtx.Key,
			InvocationID:   inv.ID,
			FunctionCallID: call.ID,
			Hint:           hint,
			Payload:        payload,
		})
		r.recordConfirmation(inv.ID, call.ID, id)
		return id, nil
	}
	toolCtx := core.NewToolContext(runCtx, call.ID, confState, requestFn)

	result, callErr := t.Call(toolCtx, args)

	if req := toolCtx.RequestedConfirmation(); req != nil && callErr == nil {
		ev := core.NewConfirmationRequestEvent(inv.ID, r.agentName, req.ID, call.ID, req.Hint, req.Payload)
		ev.Actions.StateDelta = runCtx.TakeStateDelta()
		if _, err := r.append(runCtx, lastSeq, ev, eventsCh); err != nil {
			return false, err
		}
		r.setStatus(inv, core.InvocationSuspended)
		return true, nil
	}

	if callErr != nil {
		ev := core.NewFunctionResponseEvent(inv.ID, r.agentName, call.ID, call.Name, nil, callErr)
		if _, err := r.append(runCtx, lastSeq, ev, eventsCh); err != nil {
			return false, err
		}
		if tool.IsValidationError(callErr) {
			return false, nil
		}
		return false, callErr
	}

	ev := core.NewFunctionResponseEvent(inv.ID, r.agentName, call.ID, call.Name, result, nil)
	ev.Actions.StateDelta = runCtx.TakeStateDelta()
	_, err := r.append(runCtx, lastSeq, ev, eventsCh)
	return false, err
}

// append persists the event under optimistic concurrency and streams it.
func (r *Runner) append(
	runCtx *core.RunContext,
	lastSeq *int64,
	ev core.Event,
	eventsCh chan<- core.Event,
) (int64, error) {
	seq, err := r.store.AppendEvent(runCtx.Key, *lastSeq, ev)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	*lastSeq = seq
	ev.SequenceNo = seq

	select {
	case <-runCtx.Done():
	case eventsCh <- ev:
	}
	return seq, nil
}

// buildRequest assembles the model request from the session snapshot.
func (r *Runner) buildRequest(runCtx *core.RunContext) model.Request {
	var contents []core.Content
	if runCtx.Session != nil {
		for _, ev := range runCtx.Session.ConversationHistory() {
			contents = append(contents, *ev.Content)
		}
	}

	var state map[string]any
	if runCtx.Session != nil {
		state = runCtx.Session.State.Clone()
	}

	// sorted so identical sessions produce identical requests
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []model.ToolDefinition
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}

	return model.Request{
		Instructions: r.instructions,
		Contents:     contents,
		State:        state,
		Tools:        defs,
	}
}

func (r *Runner) recordConfirmation(invocationID, callID, confirmationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations[invocationID+"/"+callID] = confirmationID
}

func (r *Runner) confirmationFor(invocationID, callID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.confirmations[invocationID+"/"+callID]
	return id, ok
}
