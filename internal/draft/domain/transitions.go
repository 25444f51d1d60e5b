package domain

import "fmt"

// Event names a lifecycle transition trigger.
type Event string

const (
	EventSubmit             Event = "submit"
	EventEdit               Event = "edit"
	EventApprove            Event = "approve"
	EventReject             Event = "reject"
	EventDeliverySucceeded  Event = "delivery_succeeded"
	EventDeliveryRetryable  Event = "delivery_failed_retryable"
	EventDeliveryExhausted  Event = "delivery_exhausted"
)

// transitionTable is the authoritative lifecycle graph. Any (status, event)
// pair not present here is an invalid transition.
var transitionTable = map[DraftStatus]map[Event]DraftStatus{
	StatusDrafted: {
		EventSubmit: StatusPendingApproval,
	},
	StatusPendingApproval: {
		EventEdit:    StatusPendingApproval,
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
	StatusApproved: {
		EventDeliverySucceeded: StatusSent,
		EventDeliveryRetryable: StatusApproved,
		EventDeliveryExhausted: StatusFailed,
	},
}

// NextStatus resolves the target status for an event from the given status.
// Returns ErrInvalidTransition when the edge does not exist.
func NextStatus(from DraftStatus, event Event) (DraftStatus, error) {
	edges, ok := transitionTable[from]
	if !ok {
		return "", fmt.Errorf("%w: no events allowed from %q", ErrInvalidTransition, from)
	}
	to, ok := edges[event]
	if !ok {
		return "", fmt.Errorf("%w: event %q not allowed from %q", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// CanTransition reports whether the edge exists without resolving it.
func CanTransition(from DraftStatus, event Event) bool {
	_, err := NextStatus(from, event)
	return err == nil
}
