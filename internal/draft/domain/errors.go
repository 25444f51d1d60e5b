package domain

import "errors"

var (
	// ErrNotFound indicates that no draft exists for the given id.
	ErrNotFound = errors.New("draft not found")
	// ErrInvalidTransition indicates the requested event is not legal from
	// the draft's current status. The draft is left unchanged.
	ErrInvalidTransition = errors.New("invalid draft status transition")
	// ErrValidation indicates malformed or missing required input, raised at
	// submit time. Never retried.
	ErrValidation = errors.New("draft validation failed")
	// ErrNotApproved indicates a delivery was requested for a draft whose
	// status is not approved.
	ErrNotApproved = errors.New("draft is not approved for delivery")
	// ErrNotTerminal indicates a deletion was requested while the draft is
	// still live (pending_approval or approved, or not yet submitted).
	ErrNotTerminal = errors.New("draft is not in a terminal status")
	// ErrRetriesExhausted indicates delivery failed after the configured
	// maximum number of attempts.
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
)
