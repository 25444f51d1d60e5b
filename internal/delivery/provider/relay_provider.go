package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RelayEmailProvider sends mail through an HTTP mail-relay API.
type RelayEmailProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	sender     string
}

// NewRelayEmailProvider creates a relay provider. The caller's access token
// (not a static API key) authenticates each request, so one provider serves
// all users.
func NewRelayEmailProvider(logger *slog.Logger, apiURL, sender string, httpClient *http.Client) *RelayEmailProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RelayEmailProvider{
		logger:     logger.With("provider", "relay"),
		httpClient: httpClient,
		apiURL:     apiURL,
		sender:     sender,
	}
}

// relaySendRequestBody is the relay API's send payload.
type relaySendRequestBody struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	// ClientReference lets the relay deduplicate resubmissions of the same
	// draft.
	ClientReference string `json:"client_reference,omitempty"`
}

type relaySendSuccessResponse struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Status    string `json:"status"`
}

type relayErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *RelayEmailProvider) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	p.logger.InfoContext(ctx, "RelayEmailProvider: Send called",
		"internal_draft_id", details.InternalDraftID, "recipient_count", len(details.To))

	reqBody := relaySendRequestBody{
		From:            p.sender,
		To:              details.To,
		Cc:              details.Cc,
		Bcc:             details.Bcc,
		Subject:         details.Subject,
		Body:            details.Body,
		ClientReference: details.InternalDraftID,
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewTerminalSendError("marshal", fmt.Errorf("failed to marshal relay request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, NewTerminalSendError("request_build", fmt.Errorf("failed to create relay HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+details.AccessToken)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Network-level failures and context timeouts are transient.
		if errors.Is(err, context.Canceled) {
			return nil, NewRetryableSendError("cancelled", err)
		}
		return nil, NewRetryableSendError("network", fmt.Errorf("failed to reach relay: %w", err))
	}
	defer httpResp.Body.Close()

	respBytes, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return nil, NewRetryableSendError("network", fmt.Errorf("failed to read relay response: %w", readErr))
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		var success relaySendSuccessResponse
		if err := json.Unmarshal(respBytes, &success); err != nil {
			return nil, NewRetryableSendError("bad_response", fmt.Errorf("failed to decode relay success response: %w", err))
		}
		if success.MessageID == "" {
			return nil, NewRetryableSendError("bad_response", errors.New("relay returned 2xx without a message_id"))
		}
		p.logger.InfoContext(ctx, "RelayEmailProvider: email accepted",
			"internal_draft_id", details.InternalDraftID, "provider_msg_id", success.MessageID)
		return &SendResponseDetails{
			ProviderMessageID: success.MessageID,
			ProviderThreadID:  success.ThreadID,
			ProviderStatus:    success.Status,
		}, nil

	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, NewTerminalSendError("credential_invalid", relayAPIError(httpResp.StatusCode, respBytes))

	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRetryableSendError("rate_limited", relayAPIError(httpResp.StatusCode, respBytes))

	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
		return nil, NewTerminalSendError("rejected", relayAPIError(httpResp.StatusCode, respBytes))

	default:
		return nil, NewRetryableSendError("server_error", relayAPIError(httpResp.StatusCode, respBytes))
	}
}

func relayAPIError(statusCode int, body []byte) error {
	var apiErr relayErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("relay returned %d (%s): %s", statusCode, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("relay returned %d: %s", statusCode, truncate(string(body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetName returns the name of the provider.
func (p *RelayEmailProvider) GetName() string {
	return "RelayEmailProvider"
}
