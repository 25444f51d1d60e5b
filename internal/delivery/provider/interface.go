package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendRequestDetails carries the message handed to the transport adapter.
type SendRequestDetails struct {
	InternalDraftID string
	To              []string
	Cc              []string
	Bcc             []string
	Subject         string
	Body            string
	// AccessToken is the per-user credential from the identity collaborator.
	AccessToken string
}

// SendResponseDetails is the transport's acknowledgement of a dispatched
// message.
type SendResponseDetails struct {
	ProviderMessageID string
	ProviderThreadID  string
	ProviderStatus    string
}

// SendError classifies a transport failure. Retryable errors (network,
// timeout, 5xx-equivalent) are eligible for backoff retry; terminal errors
// (invalid recipient, revoked credential, 4xx-equivalent) never are.
type SendError struct {
	Retryable bool
	Class     string
	Err       error
}

func (e *SendError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("transport %s error (%s): %v", kind, e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewRetryableSendError wraps a transient transport failure.
func NewRetryableSendError(class string, err error) *SendError {
	return &SendError{Retryable: true, Class: class, Err: err}
}

// NewTerminalSendError wraps a permanent transport failure.
func NewTerminalSendError(class string, err error) *SendError {
	return &SendError{Retryable: false, Class: class, Err: err}
}

// IsRetryable reports whether err is a transport error eligible for retry.
// Unclassified errors are treated as retryable: a failure we cannot attribute
// to the request is assumed transient and bounded by the attempt limit.
func IsRetryable(err error) bool {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable
	}
	return true
}

// ErrorClass extracts the classification label for the attempt log.
func ErrorClass(err error) string {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Class
	}
	return "unclassified"
}

// EmailSenderProvider is the transport adapter boundary: the only network
// call the pipeline core makes.
type EmailSenderProvider interface {
	Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error)
	GetName() string
}
