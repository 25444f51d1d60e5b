package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DraftStatus defines the lifecycle states of an email draft.
type DraftStatus string

const (
	StatusDrafted         DraftStatus = "drafted"
	StatusPendingApproval DraftStatus = "pending_approval"
	StatusApproved        DraftStatus = "approved"
	StatusRejected        DraftStatus = "rejected"
	StatusSent            DraftStatus = "sent"
	StatusFailed          DraftStatus = "failed"
)

// Value implements the driver.Valuer interface for DraftStatus.
func (s DraftStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for DraftStatus.
func (s *DraftStatus) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan DraftStatus: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*s = DraftStatus(strVal)
	switch *s {
	case StatusDrafted, StatusPendingApproval, StatusApproved, StatusRejected, StatusSent, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown DraftStatus value: %s", strVal)
	}
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s DraftStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusRejected
}

// EmailTone describes the requested writing tone. Descriptive metadata only,
// no behavioral effect on the pipeline.
type EmailTone string

const (
	ToneProfessional EmailTone = "professional"
	ToneFriendly     EmailTone = "friendly"
	ToneFormal       EmailTone = "formal"
	ToneCasual       EmailTone = "casual"
)

// EmailPriority describes the requested priority. Descriptive metadata only.
type EmailPriority string

const (
	PriorityLow    EmailPriority = "low"
	PriorityMedium EmailPriority = "medium"
	PriorityHigh   EmailPriority = "high"
	PriorityUrgent EmailPriority = "urgent"
)

// RiskLevel is the severity scale used by the safety gate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// rank orders risk levels for the max-severity reducer.
func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Max returns the more severe of the two levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

// SafetyVerdict is the safety gate's structured assessment of a draft's
// content. ContentDigest ties the verdict to the exact content it evaluated
// so a verdict computed for stale content is detectable.
type SafetyVerdict struct {
	Passed          bool      `json:"passed"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Flags           []string  `json:"flags"`
	Recommendations []string  `json:"recommendations"`
	ContentDigest   string    `json:"content_digest"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// AttemptOutcome classifies a recorded delivery attempt.
type AttemptOutcome string

const (
	AttemptOutcomeSuccess   AttemptOutcome = "success"
	AttemptOutcomeRetryable AttemptOutcome = "retryable_failure"
	AttemptOutcomeTerminal  AttemptOutcome = "terminal_failure"
)

// DeliveryAttempt is one entry of a draft's append-only attempt log. A
// success record carries the provider message id so a crash between "send
// succeeded" and "status persisted as sent" is detectable and reconcilable.
type DeliveryAttempt struct {
	AttemptedAt       time.Time      `json:"attempted_at"`
	Outcome           AttemptOutcome `json:"outcome"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	ErrorClass        string         `json:"error_class,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// LastSuccessfulAttempt returns the recorded success attempt, if any.
func (d *Draft) LastSuccessfulAttempt() *DeliveryAttempt {
	for i := len(d.DeliveryAttempts) - 1; i >= 0; i-- {
		if d.DeliveryAttempts[i].Outcome == AttemptOutcomeSuccess {
			return &d.DeliveryAttempts[i]
		}
	}
	return nil
}

// Draft is the central entity of the pipeline: a not-yet-delivered email
// artifact. Status is mutated only by the approval state machine and the
// delivery worker, and only along the transition table in transitions.go.
type Draft struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id,omitempty"`
	To        []string      `json:"to"`
	Cc        []string      `json:"cc,omitempty"`
	Bcc       []string      `json:"bcc,omitempty"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	Tone      EmailTone     `json:"tone"`
	Priority  EmailPriority `json:"priority"`
	Status    DraftStatus   `json:"status"`

	SafetyVerdict    *SafetyVerdict    `json:"safety_verdict,omitempty"`
	DeliveryAttempts []DeliveryAttempt `json:"delivery_attempts"`

	// ProviderMessageID is set exactly once, on the transition into sent.
	ProviderMessageID *string `json:"provider_message_id,omitempty"`
	ProviderThreadID  *string `json:"provider_thread_id,omitempty"`

	// NextAttemptAt schedules the next delivery retry while status remains
	// approved. Nil means no retry is pending.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	RejectionReason *string `json:"rejection_reason,omitempty"`

	// Context captured from the drafting collaborator.
	ConversationContext []string `json:"conversation_context,omitempty"`
	AIReasoning         *string  `json:"ai_reasoning,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// NewDraft creates a draft in the initial drafted status. The drafting
// collaborator supplies recipients, content and metadata.
func NewDraft(sessionID, userID string, to []string, subject, body string, tone EmailTone, priority EmailPriority) *Draft {
	if tone == "" {
		tone = ToneProfessional
	}
	if priority == "" {
		priority = PriorityMedium
	}
	now := time.Now().UTC()
	return &Draft{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		UserID:           userID,
		To:               to,
		Subject:          subject,
		Body:             body,
		Tone:             tone,
		Priority:         priority,
		Status:           StatusDrafted,
		DeliveryAttempts: []DeliveryAttempt{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AppendAttempt records a delivery attempt. The attempt log is append-only.
func (d *Draft) AppendAttempt(a DeliveryAttempt) {
	d.DeliveryAttempts = append(d.DeliveryAttempts, a)
}

// Clone returns a deep copy of the draft. Repositories hand out clones so
// callers never share mutable state with the store.
func (d *Draft) Clone() *Draft {
	out := *d
	out.To = append([]string(nil), d.To...)
	out.Cc = append([]string(nil), d.Cc...)
	out.Bcc = append([]string(nil), d.Bcc...)
	out.ConversationContext = append([]string(nil), d.ConversationContext...)
	out.DeliveryAttempts = append([]DeliveryAttempt(nil), d.DeliveryAttempts...)
	if d.SafetyVerdict != nil {
		v := *d.SafetyVerdict
		v.Flags = append([]string(nil), d.SafetyVerdict.Flags...)
		v.Recommendations = append([]string(nil), d.SafetyVerdict.Recommendations...)
		out.SafetyVerdict = &v
	}
	out.ProviderMessageID = cloneStringPtr(d.ProviderMessageID)
	out.ProviderThreadID = cloneStringPtr(d.ProviderThreadID)
	out.RejectionReason = cloneStringPtr(d.RejectionReason)
	out.AIReasoning = cloneStringPtr(d.AIReasoning)
	out.NextAttemptAt = cloneTimePtr(d.NextAttemptAt)
	out.ApprovedAt = cloneTimePtr(d.ApprovedAt)
	out.SentAt = cloneTimePtr(d.SentAt)
	return &out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
