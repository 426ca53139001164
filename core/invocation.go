package core

import "time"

// InvocationStatus is the lifecycle state of one invocation.
type InvocationStatus string

const (
	// InvocationRunning means the runner is actively processing the turn.
	InvocationRunning InvocationStatus = "running"
	// InvocationSuspended means the invocation halted on a pending
	// confirmation request and awaits an external decision.
	InvocationSuspended InvocationStatus = "suspended"
	// InvocationCompleted means a final text response was produced.
	InvocationCompleted InvocationStatus = "completed"
	// InvocationFailed means the invocation terminated with a typed error
	// (step limit, timeout, provider or tool failure).
	InvocationFailed InvocationStatus = "failed"
)

// Invocation is the transient record of one user turn being processed. It has
// no persistence of its own beyond the events it appended plus, while
// suspended, one outstanding confirmation request.
type Invocation struct {
	ID      string
	Session SessionKey
	Status  InvocationStatus
	Started time.Time
	Updated time.Time
}

// Active reports whether the invocation still occupies its session slot.
func (inv Invocation) Active() bool {
	return inv.Status == InvocationRunning || inv.Status == InvocationSuspended
}
