package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MockEmailProvider is a test implementation of EmailSenderProvider.
type MockEmailProvider struct {
	logger *slog.Logger
	// FailWith controls failure simulation; nil means every Send succeeds.
	FailWith *SendError
	// FailCount limits how many Sends fail before succeeding. Negative
	// means fail forever.
	FailCount      int
	SimulatedDelay time.Duration

	sendCalls int
}

// NewMockEmailProvider creates a MockEmailProvider that succeeds unless
// configured otherwise.
func NewMockEmailProvider(logger *slog.Logger) *MockEmailProvider {
	return &MockEmailProvider{logger: logger.With("provider", "mock")}
}

// SendCalls returns how many times Send was invoked.
func (p *MockEmailProvider) SendCalls() int { return p.sendCalls }

// Send simulates dispatching an email.
func (p *MockEmailProvider) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	p.sendCalls++
	p.logger.InfoContext(ctx, "MockEmailProvider: Send called",
		"internal_draft_id", details.InternalDraftID,
		"recipients", len(details.To)+len(details.Cc)+len(details.Bcc),
		"subject_length", len(details.Subject),
		"body_length", len(details.Body))

	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return nil, NewRetryableSendError("timeout", ctx.Err())
		}
	}

	if details.AccessToken == "" {
		return nil, NewTerminalSendError("credential_invalid", errors.New("missing access token"))
	}

	if p.FailWith != nil && p.FailCount != 0 {
		if p.FailCount > 0 {
			p.FailCount--
		}
		p.logger.WarnContext(ctx, "MockEmailProvider: simulated send failure",
			"internal_draft_id", details.InternalDraftID, "retryable", p.FailWith.Retryable)
		return nil, p.FailWith
	}

	providerMsgID := "mock-" + uuid.NewString()
	p.logger.InfoContext(ctx, "MockEmailProvider: email sent (simulated)",
		"internal_draft_id", details.InternalDraftID, "provider_msg_id", providerMsgID)

	return &SendResponseDetails{
		ProviderMessageID: providerMsgID,
		ProviderThreadID:  "mock-thread-" + details.InternalDraftID,
		ProviderStatus:    "SENT_MOCK_OK",
	}, nil
}

// GetName returns the name of the provider.
func (p *MockEmailProvider) GetName() string {
	return "MockEmailProvider"
}
