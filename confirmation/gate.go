// Package confirmation implements the human approval gate. Tools park an
// invocation behind a pending confirmation; a later resume call delivers the
// decision and the runner re-executes the suspended turn with the resolved
// state visible to the tool.
package confirmation

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
)

// TimeoutReason is recorded as the rejection reason when a pending
// confirmation expires before anyone resolves it.
const TimeoutReason = "timeout"

// Decision is the outcome supplied when resuming a suspended invocation.
type Decision struct {
	Approved bool
	Reason   string
}

// Request describes a confirmation opened by a tool. Payload is echoed back
// to the approver untouched; Hint is the human-readable question.
type Request struct {
	ID             string
	SessionKey     core.SessionKey
	InvocationID   string
	FunctionCallID string
	Hint           string
	Payload        map[string]any
	OpenedAt       time.Time
	Deadline       time.Time
}

type entry struct {
	req      Request
	resolved bool
	approved bool
	reason   string
}

// Gate tracks confirmation requests across suspensions. Decisions are
// permanent: once resolved, a confirmation never changes and a second
// resolve attempt fails. Expiry is lazy; an expired request is converted to
// a rejection with reason "timeout" the next time it is observed.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	now     func() time.Time
	logger  logging.Logger
}

// Option customizes gate construction.
type Option func(*Gate)

// WithTimeout bounds how long a confirmation may stay pending. Zero (the
// default) means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger logging.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate constructs an empty gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open registers a new pending confirmation and returns its ID. An empty
// request ID is filled with a generated one.
func (g *Gate) Open(req Request) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.ID == "" {
		req.ID = core.NewID()
	}
	if req.OpenedAt.IsZero() {
		req.OpenedAt = g.now()
	}
	if g.timeout > 0 && req.Deadline.IsZero() {
		req.Deadline = req.OpenedAt.Add(g.timeout)
	}
	g.entries[req.ID] = &entry{req: req}

	g.logger.Info("confirmation.opened",
		"confirmation_id", req.ID,
		"invocation_id", req.InvocationID,
		"session", req.SessionKey.String(),
	)
	return req.ID
}

// Restore re-registers a confirmation recovered from a persisted
// confirmation_request event, typically after a process restart. An existing
// entry is left untouched. The deadline derives from the original opening
// time, so restoring does not extend the window.
func (g *Gate) Restore(req Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entries[req.ID]; ok {
		return
	}
	if req.OpenedAt.IsZero() {
		req.OpenedAt = g.now()
	}
	if g.timeout > 0 && req.Deadline.IsZero() {
		req.Deadline = req.OpenedAt.Add(g.timeout)
	}
	g.entries[req.ID] = &entry{req: req}

	g.logger.Info("confirmation.restored",
		"confirmation_id", req.ID,
		"invocation_id", req.InvocationID,
		"session", req.SessionKey.String(),
	)
}

// TimedOut reports whether the invocation's confirmation expired without a
// decision. Observing the expiry records the permanent timeout rejection.
func (g *Gate) TimedOut(invocationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.entries {
		if e.req.InvocationID != invocationID {
			continue
		}
		if g.expireLocked(e) {
			return true
		}
	}
	return false
}

// Resolve records the decision for a pending confirmation and returns the
// original request so the caller can route the resume. It fails with
// core.ErrConfirmationMismatch when the ID is unknown or does not belong to
// invocationID, with core.ErrConfirmationResolved when a decision already
// exists, and with core.ErrConfirmationTimeout when the deadline has passed
// (in which case the timeout rejection is recorded as the permanent outcome).
func (g *Gate) Resolve(confirmationID, invocationID string, approved bool, reason string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[confirmationID]
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown confirmation %q", core.ErrConfirmationMismatch, confirmationID)
	}
	if invocationID != "" && e.req.InvocationID != invocationID {
		return Request{}, fmt.Errorf("%w: confirmation %q belongs to invocation %q",
			core.ErrConfirmationMismatch, confirmationID, e.req.InvocationID)
	}
	if g.expireLocked(e) {
		return Request{}, fmt.Errorf("%w: confirmation %q expired", core.ErrConfirmationTimeout, confirmationID)
	}
	if e.resolved {
		return Request{}, fmt.Errorf("%w: confirmation %q already decided", core.ErrConfirmationResolved, confirmationID)
	}

	e.resolved = true
	e.approved = approved
	e.reason = reason

	g.logger.Info("confirmation.resolved",
		"confirmation_id", confirmationID,
		"approved", approved,
		"reason", reason,
	)
	return e.req, nil
}

// State returns the tagged confirmation state for an ID. Unknown IDs report
// ConfirmationNone. An expired pending request is converted to a permanent
// timeout rejection before reporting.
func (g *Gate) State(confirmationID string) core.ConfirmationState {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[confirmationID]
	if !ok {
		return core.ConfirmationState{Status: core.ConfirmationNone}
	}
	g.expireLocked(e)
	if !e.resolved {
		return core.ConfirmationState{Status: core.ConfirmationPending, ID: confirmationID}
	}
	return core.ConfirmationState{
		Status:   core.ConfirmationResolved,
		ID:       confirmationID,
		Approved: e.approved,
		Reason:   e.reason,
	}
}

// Get returns the original request for a confirmation ID regardless of its
// resolution state.
func (g *Gate) Get(confirmationID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[confirmationID]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Pending returns the open request for an invocation, if any. Expired
// requests are not pending.
func (g *Gate) Pending(invocationID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.entries {
		if e.req.InvocationID != invocationID {
			continue
		}
		g.expireLocked(e)
		if !e.resolved {
			return e.req, true
		}
	}
	return Request{}, false
}

// expireLocked converts an overdue pending entry into a timeout rejection.
// Returns true when the entry was (or just became) a timeout rejection.
func (g *Gate) expireLocked(e *entry) bool {
	if e.resolved {
		return e.reason == TimeoutReason && !e.approved
	}
	if e.req.Deadline.IsZero() || g.now().Before(e.req.Deadline) {
		return false
	}
	e.resolved = true
	e.approved = false
	e.reason = TimeoutReason

	g.logger.Warn("confirmation.expired", "confirmation_id", e.req.ID)
	return true
}
