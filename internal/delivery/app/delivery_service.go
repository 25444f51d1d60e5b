package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/draftgate/draftgate/internal/delivery/provider"
	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/draft/repository"
	"github.com/draftgate/draftgate/internal/identity"
	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryConfig tunes the worker's retry and timeout behavior.
type DeliveryConfig struct {
	// MaxAttempts bounds the delivery_attempts log; reaching it forces the
	// failed status.
	MaxAttempts int
	// BaseBackoff is the first retry delay; subsequent delays double per
	// attempt up to BackoffCap, with jitter.
	BaseBackoff time.Duration
	BackoffCap  time.Duration
	// TransportTimeout bounds each transport call. A timeout is classified
	// as a retryable failure.
	TransportTimeout time.Duration
}

// DeliveryOutcome is the result of one Deliver invocation.
type DeliveryOutcome struct {
	OK                bool
	ProviderMessageID *string
	// Scheduled is true when a retryable failure left the draft approved
	// with a future attempt scheduled.
	Scheduled bool
	Error     string
}

// DeliveryService consumes approved drafts and drives them to a terminal
// delivery outcome: at most one transport call per invocation, attempts
// recorded before errors are surfaced, retries scheduled rather than
// slept through.
type DeliveryService struct {
	repo        repository.DraftRepository
	provider    provider.EmailSenderProvider
	credentials identity.CredentialSource
	logger      *slog.Logger
	config      DeliveryConfig
}

// NewDeliveryService creates a new DeliveryService.
func NewDeliveryService(
	repo repository.DraftRepository,
	emailProvider provider.EmailSenderProvider,
	credentials identity.CredentialSource,
	logger *slog.Logger,
	config DeliveryConfig,
) *DeliveryService {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 5 * time.Second
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = 5 * time.Minute
	}
	if config.TransportTimeout <= 0 {
		config.TransportTimeout = 30 * time.Second
	}
	return &DeliveryService{
		repo:        repo,
		provider:    emailProvider,
		credentials: credentials,
		logger:      logger.With("service", "delivery"),
		config:      config,
	}
}

// Deliver attempts delivery of an approved draft. The caller should only
// invoke this for approved drafts, but the worker does not trust that:
// status is re-checked inside the store's per-draft lock immediately before
// the transport call, so a draft rejected or deleted since enqueue is
// skipped and two replicas handed jobs for the same draft serialize instead
// of both sending.
func (s *DeliveryService) Deliver(ctx context.Context, draftID string) (*DeliveryOutcome, error) {
	var outcome *DeliveryOutcome
	lockErr := s.repo.WithDraftLock(ctx, draftID, func(ctx context.Context) error {
		var err error
		outcome, err = s.deliverLocked(ctx, draftID)
		return err
	})
	return outcome, lockErr
}

func (s *DeliveryService) deliverLocked(ctx context.Context, draftID string) (*DeliveryOutcome, error) {
	draft, err := s.repo.GetByID(ctx, draftID)
	if err != nil {
		return nil, err
	}

	// Idempotence: a draft that already reached sent produces no second
	// transport call and no change to provider_message_id.
	if draft.Status == domain.StatusSent {
		s.logger.InfoContext(ctx, "Draft already sent, nothing to deliver", "draft_id", draftID)
		return &DeliveryOutcome{OK: true, ProviderMessageID: draft.ProviderMessageID}, nil
	}

	if draft.Status != domain.StatusApproved {
		deliveryAttemptsCounter.WithLabelValues(s.provider.GetName(), "skipped_not_approved").Inc()
		return nil, fmt.Errorf("%w: draft %s has status %q", domain.ErrNotApproved, draftID, draft.Status)
	}

	// Crash recovery: a success attempt with a recorded provider message id
	// means the message left the building but the sent status was never
	// persisted. Reconcile instead of sending a duplicate.
	if prior := draft.LastSuccessfulAttempt(); prior != nil && prior.ProviderMessageID != "" {
		s.logger.WarnContext(ctx, "Reconciling draft with recorded provider message id",
			"draft_id", draftID, "provider_msg_id", prior.ProviderMessageID)
		if err := s.markSent(ctx, draft, prior.ProviderMessageID, "", prior.AttemptedAt); err != nil {
			return nil, err
		}
		return &DeliveryOutcome{OK: true, ProviderMessageID: draft.ProviderMessageID}, nil
	}

	if len(draft.DeliveryAttempts) >= s.config.MaxAttempts {
		// Should have been marked failed when the last attempt was recorded;
		// enforce the bound here as well.
		if err := s.markFailed(ctx, draft); err != nil {
			return nil, err
		}
		return &DeliveryOutcome{Error: domain.ErrRetriesExhausted.Error()},
			fmt.Errorf("draft %s: %w", draftID, domain.ErrRetriesExhausted)
	}

	token, credErr := s.credentials.AccessToken(ctx, draft.UserID)
	if credErr != nil {
		// Credential-invalid is terminal, never retried.
		sendErr := provider.NewTerminalSendError("credential_invalid", credErr)
		return s.recordFailure(ctx, draft, sendErr)
	}

	details := provider.SendRequestDetails{
		InternalDraftID: draft.ID,
		To:              draft.To,
		Cc:              draft.Cc,
		Bcc:             draft.Bcc,
		Subject:         draft.Subject,
		Body:            draft.Body,
		AccessToken:     token,
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.config.TransportTimeout)
	defer cancel()

	providerTimer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(s.provider.GetName()))
	resp, sendErr := s.provider.Send(providerCtx, details)
	providerTimer.ObserveDuration()

	if sendErr != nil {
		if errors.Is(sendErr, context.DeadlineExceeded) {
			sendErr = provider.NewRetryableSendError("timeout", sendErr)
		}
		return s.recordFailure(ctx, draft, sendErr)
	}

	now := time.Now().UTC()
	// Persist the success attempt (with the provider message id) before the
	// status transition: if the process dies between the two writes, the
	// recorded id lets the next invocation reconcile instead of re-sending.
	draft.AppendAttempt(domain.DeliveryAttempt{
		AttemptedAt:       now,
		Outcome:           domain.AttemptOutcomeSuccess,
		ProviderMessageID: resp.ProviderMessageID,
	})
	draft.UpdatedAt = now
	if err := s.repo.Update(ctx, draft); err != nil {
		return nil, fmt.Errorf("persist success attempt for draft %s: %w", draftID, err)
	}

	if err := s.markSent(ctx, draft, resp.ProviderMessageID, resp.ProviderThreadID, now); err != nil {
		return nil, err
	}

	deliveryAttemptsCounter.WithLabelValues(s.provider.GetName(), "success").Inc()
	s.logger.InfoContext(ctx, "Draft delivered",
		"draft_id", draftID, "provider_msg_id", resp.ProviderMessageID,
		"attempts", len(draft.DeliveryAttempts))
	return &DeliveryOutcome{OK: true, ProviderMessageID: draft.ProviderMessageID}, nil
}

// markSent applies the delivery_succeeded transition. provider_message_id is
// set here and nowhere else.
func (s *DeliveryService) markSent(ctx context.Context, draft *domain.Draft, providerMsgID, providerThreadID string, sentAt time.Time) error {
	next, err := domain.NextStatus(draft.Status, domain.EventDeliverySucceeded)
	if err != nil {
		return err
	}
	draft.Status = next
	draft.ProviderMessageID = &providerMsgID
	if providerThreadID != "" {
		draft.ProviderThreadID = &providerThreadID
	}
	draft.SentAt = &sentAt
	draft.NextAttemptAt = nil
	draft.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, draft); err != nil {
		return fmt.Errorf("persist sent status for draft %s: %w", draft.ID, err)
	}
	return nil
}

func (s *DeliveryService) markFailed(ctx context.Context, draft *domain.Draft) error {
	next, err := domain.NextStatus(draft.Status, domain.EventDeliveryExhausted)
	if err != nil {
		return err
	}
	draft.Status = next
	draft.NextAttemptAt = nil
	draft.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, draft); err != nil {
		return fmt.Errorf("persist failed status for draft %s: %w", draft.ID, err)
	}
	return nil
}

// recordFailure appends the failure attempt and either schedules a retry
// (retryable, attempts remaining) or forces the terminal failed status.
// The attempt is persisted before the error is returned so the audit trail
// always reflects the last observed outcome.
func (s *DeliveryService) recordFailure(ctx context.Context, draft *domain.Draft, sendErr error) (*DeliveryOutcome, error) {
	now := time.Now().UTC()
	retryable := provider.IsRetryable(sendErr)
	outcome := domain.AttemptOutcomeTerminal
	if retryable {
		outcome = domain.AttemptOutcomeRetryable
	}
	draft.AppendAttempt(domain.DeliveryAttempt{
		AttemptedAt: now,
		Outcome:     outcome,
		ErrorClass:  provider.ErrorClass(sendErr),
		Error:       sendErr.Error(),
	})
	draft.UpdatedAt = now

	attempts := len(draft.DeliveryAttempts)

	if retryable && attempts < s.config.MaxAttempts {
		// delivery_failed_retryable: remain approved, schedule the next
		// attempt instead of blocking a worker for the delay.
		if _, err := domain.NextStatus(draft.Status, domain.EventDeliveryRetryable); err != nil {
			return nil, err
		}
		nextAt := now.Add(s.backoff(attempts))
		draft.NextAttemptAt = &nextAt
		if err := s.repo.Update(ctx, draft); err != nil {
			return nil, fmt.Errorf("persist retry schedule for draft %s: %w", draft.ID, err)
		}
		deliveryAttemptsCounter.WithLabelValues(s.provider.GetName(), "retryable_failure").Inc()
		s.logger.WarnContext(ctx, "Delivery failed, retry scheduled",
			"draft_id", draft.ID, "error", sendErr.Error(),
			"attempt", attempts, "next_attempt_at", nextAt)
		return &DeliveryOutcome{Scheduled: true, Error: sendErr.Error()}, sendErr
	}

	// Terminal error, or retries exhausted: failed, immediately and finally.
	if err := s.markFailed(ctx, draft); err != nil {
		return nil, err
	}
	label := "terminal_failure"
	resultErr := sendErr
	if retryable {
		label = "retries_exhausted"
		resultErr = fmt.Errorf("%w: last error: %v", domain.ErrRetriesExhausted, sendErr)
	}
	deliveryAttemptsCounter.WithLabelValues(s.provider.GetName(), label).Inc()
	s.logger.ErrorContext(ctx, "Delivery failed permanently",
		"draft_id", draft.ID, "error", sendErr.Error(), "attempts", attempts)
	return &DeliveryOutcome{Error: resultErr.Error()}, resultErr
}

// backoff computes the delay before the given retry (1-based attempt count):
// base * 2^(attempt-1), capped, with up to 20% added jitter.
func (s *DeliveryService) backoff(attempt int) time.Duration {
	d := s.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.config.BackoffCap {
			d = s.config.BackoffCap
			break
		}
	}
	if d > s.config.BackoffCap {
		d = s.config.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
