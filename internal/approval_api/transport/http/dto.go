package http

import (
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
)

// CreateDraftRequest DTO for POST /drafts.
type CreateDraftRequest struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id,omitempty"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Tone      string   `json:"tone,omitempty"`
	Priority  string   `json:"priority,omitempty"`

	ConversationContext []string `json:"conversation_context,omitempty"`
	AIReasoning         *string  `json:"ai_reasoning,omitempty"`
}

// EditDraftRequest DTO for POST /drafts/{draftID}/edit and the optional
// modifications of an approve call. Absent fields are left unchanged.
type EditDraftRequest struct {
	To       []string `json:"to,omitempty"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  *string  `json:"subject,omitempty"`
	Body     *string  `json:"body,omitempty"`
	Tone     *string  `json:"tone,omitempty"`
	Priority *string  `json:"priority,omitempty"`
}

// ApproveDraftRequest DTO for POST /drafts/{draftID}/approve.
type ApproveDraftRequest struct {
	Modifications *EditDraftRequest `json:"modifications,omitempty"`
}

// RejectDraftRequest DTO for POST /drafts/{draftID}/reject.
type RejectDraftRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// SafetyVerdictResponse mirrors the stored verdict.
type SafetyVerdictResponse struct {
	Passed          bool      `json:"passed"`
	RiskLevel       string    `json:"risk_level"`
	Flags           []string  `json:"flags"`
	Recommendations []string  `json:"recommendations"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// DeliveryAttemptResponse is one entry of the attempt log.
type DeliveryAttemptResponse struct {
	AttemptedAt time.Time `json:"attempted_at"`
	Outcome     string    `json:"outcome"`
	ErrorClass  string    `json:"error_class,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// DraftResponse is the full draft representation returned by every
// draft-returning endpoint.
type DraftResponse struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id,omitempty"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Tone      string   `json:"tone"`
	Priority  string   `json:"priority"`
	Status    string   `json:"status"`

	SafetyVerdict    *SafetyVerdictResponse    `json:"safety_verdict,omitempty"`
	DeliveryAttempts []DeliveryAttemptResponse `json:"delivery_attempts"`

	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	ProviderThreadID  *string    `json:"provider_thread_id,omitempty"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	RejectionReason   *string    `json:"rejection_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// SendAcceptedResponse DTO for POST /drafts/{draftID}/send.
type SendAcceptedResponse struct {
	DraftID string `json:"draft_id"`
	Status  string `json:"status"`
}

// GenericErrorResponse is the uniform error envelope.
type GenericErrorResponse struct {
	Error string `json:"error"`
}

func toDraftResponse(d *domain.Draft) DraftResponse {
	resp := DraftResponse{
		ID:                d.ID,
		SessionID:         d.SessionID,
		UserID:            d.UserID,
		To:                d.To,
		Cc:                d.Cc,
		Bcc:               d.Bcc,
		Subject:           d.Subject,
		Body:              d.Body,
		Tone:              string(d.Tone),
		Priority:          string(d.Priority),
		Status:            string(d.Status),
		DeliveryAttempts:  make([]DeliveryAttemptResponse, 0, len(d.DeliveryAttempts)),
		ProviderMessageID: d.ProviderMessageID,
		ProviderThreadID:  d.ProviderThreadID,
		NextAttemptAt:     d.NextAttemptAt,
		RejectionReason:   d.RejectionReason,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ApprovedAt:        d.ApprovedAt,
		SentAt:            d.SentAt,
	}
	if d.SafetyVerdict != nil {
		resp.SafetyVerdict = &SafetyVerdictResponse{
			Passed:          d.SafetyVerdict.Passed,
			RiskLevel:       string(d.SafetyVerdict.RiskLevel),
			Flags:           d.SafetyVerdict.Flags,
			Recommendations: d.SafetyVerdict.Recommendations,
			EvaluatedAt:     d.SafetyVerdict.EvaluatedAt,
		}
	}
	for _, a := range d.DeliveryAttempts {
		resp.DeliveryAttempts = append(resp.DeliveryAttempts, DeliveryAttemptResponse{
			AttemptedAt: a.AttemptedAt,
			Outcome:     string(a.Outcome),
			ErrorClass:  a.ErrorClass,
			Error:       a.Error,
		})
	}
	return resp
}
