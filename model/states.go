package model

// RequestState is the lifecycle state shared by requests and request groups.
type RequestState string

const (
	StatePending       RequestState = "PENDING"
	StateScheduled     RequestState = "SCHEDULED"
	StateCompleted     RequestState = "COMPLETED"
	StateWindowExpired RequestState = "WINDOW_EXPIRED"
	StateCanceled      RequestState = "CANCELED"
	StateFailed        RequestState = "FAILED"
)

// TerminalStates are the states with no routine outgoing transitions.
// FAILED is terminal but may still be revived to COMPLETED when a late
// execution report confirms the data was actually taken.
var TerminalStates = []RequestState{StateCompleted, StateCanceled, StateWindowExpired, StateFailed}

// IsTerminal reports whether s is a terminal lifecycle state.
func (s RequestState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateWindowExpired, StateFailed:
		return true
	}
	return false
}

// Operator describes how a group's child requests combine.
type Operator string

const (
	OperatorSingle Operator = "SINGLE"
	OperatorMany   Operator = "MANY"
	OperatorAnd    Operator = "AND"
	OperatorOneOf  Operator = "ONEOF"
)

// ObservationType distinguishes queue-scheduled requests from
// time-critical target-of-opportunity interrupts.
type ObservationType string

const (
	ObservationNormal ObservationType = "NORMAL"
	ObservationTOO    ObservationType = "TARGET_OF_OPPORTUNITY"
)
