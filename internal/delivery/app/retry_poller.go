package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/draft/repository"
)

// jobPublisher is the slice of the message broker the poller needs.
// *messagebroker.NatsClient satisfies it.
type jobPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// RetryPoller periodically scans for approved drafts whose scheduled retry
// time has arrived and re-enqueues them as delivery jobs. Acquisition clears
// next_attempt_at in the store, so a due retry is dispatched at most once
// even with multiple poller instances running.
type RetryPoller struct {
	repo      repository.DraftRepository
	publisher jobPublisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// NewRetryPoller creates a poller scanning every interval for up to
// batchSize due retries.
func NewRetryPoller(
	repo repository.DraftRepository,
	publisher jobPublisher,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *RetryPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &RetryPoller{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With("service", "retry_poller"),
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (p *RetryPoller) Start(ctx context.Context) {
	p.logger.Info("Retry poller started", "interval", p.interval, "batch_size", p.batchSize)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Retry poller stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *RetryPoller) pollOnce(ctx context.Context) {
	due, err := p.repo.AcquireDueRetries(ctx, time.Now().UTC(), p.batchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to acquire due retries", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	for _, draft := range due {
		payload, err := json.Marshal(NATSJobPayload{DraftID: draft.ID})
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to marshal retry job", "draft_id", draft.ID, "error", err)
			continue
		}
		if err := p.publisher.Publish(ctx, NatsDeliverSubject, payload); err != nil {
			p.logger.ErrorContext(ctx, "Failed to publish retry job", "draft_id", draft.ID, "error", err)
			p.restoreSchedule(ctx, draft.ID)
			continue
		}
		retriesDispatchedCounter.Inc()
		p.logger.InfoContext(ctx, "Retry dispatched", "draft_id", draft.ID, "attempts", len(draft.DeliveryAttempts))
	}
}

// restoreSchedule puts a retry whose dispatch failed back on the books, so
// the next poll picks it up again instead of stranding the draft in approved
// with attempts remaining.
func (p *RetryPoller) restoreSchedule(ctx context.Context, draftID string) {
	err := p.repo.WithDraftLock(ctx, draftID, func(ctx context.Context) error {
		draft, err := p.repo.GetByID(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.Status != domain.StatusApproved || draft.NextAttemptAt != nil {
			return nil
		}
		now := time.Now().UTC()
		draft.NextAttemptAt = &now
		return p.repo.Update(ctx, draft)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to restore retry schedule", "draft_id", draftID, "error", err)
	}
}
