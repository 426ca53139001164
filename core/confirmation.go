package core

// ConfirmationStatus enumerates the confirmation gate states. Modeling the
// progression as an explicit enum keeps tool code on exhaustive switches
// instead of nil checks.
type ConfirmationStatus int

const (
	// ConfirmationNone: no confirmation request exists for the invocation.
	ConfirmationNone ConfirmationStatus = iota
	// ConfirmationPending: a request exists and awaits the decision.
	ConfirmationPending
	// ConfirmationResolved: the decision is permanent; Approved and Reason
	// carry it.
	ConfirmationResolved
)

// ConfirmationState is the tagged view of an invocation's confirmation a
// tool observes. Approved and Reason are meaningful only when Status is
// ConfirmationResolved.
type ConfirmationState struct {
	Status   ConfirmationStatus
	ID       string
	Approved bool
	Reason   string
}
