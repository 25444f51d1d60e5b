package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/platform/messagebroker"
	"github.com/nats-io/nats.go"
)

const (
	// NatsDeliverSubject carries delivery jobs from the approval API to the
	// delivery workers.
	NatsDeliverSubject = "email.drafts.deliver"
	// NatsDeliverQueueGroup makes each job land on exactly one worker
	// process.
	NatsDeliverQueueGroup = "delivery_workers"
)

// NATSJobPayload is the delivery job message: just the draft id, everything
// else is loaded fresh from the store so stale payloads cannot bypass the
// status re-check.
type NATSJobPayload struct {
	DraftID string `json:"draft_id"`
}

// Consumer subscribes to the delivery subject and feeds jobs to a bounded
// worker pool. The pool size is the sole backpressure mechanism against the
// transport provider.
type Consumer struct {
	natsClient *messagebroker.NatsClient
	service    *DeliveryService
	logger     *slog.Logger
	poolSize   int

	jobs chan string
	wg   sync.WaitGroup
	sub  *nats.Subscription
}

// NewConsumer creates a delivery job consumer with the given worker pool
// size.
func NewConsumer(natsClient *messagebroker.NatsClient, service *DeliveryService, logger *slog.Logger, poolSize int) *Consumer {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Consumer{
		natsClient: natsClient,
		service:    service,
		logger:     logger.With("service", "delivery_consumer"),
		poolSize:   poolSize,
		jobs:       make(chan string, poolSize*4),
	}
}

// Start launches the worker pool and subscribes to the delivery subject.
// Workers run until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for i := 0; i < c.poolSize; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	sub, err := c.natsClient.QueueSubscribe(NatsDeliverSubject, NatsDeliverQueueGroup, func(msg *nats.Msg) {
		var job NATSJobPayload
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			c.logger.Error("Failed to unmarshal delivery job payload", "error", err, "data", string(msg.Data))
			return
		}
		if job.DraftID == "" {
			c.logger.Error("Delivery job payload missing draft_id", "data", string(msg.Data))
			return
		}
		natsJobsReceivedCounter.WithLabelValues(msg.Subject).Inc()
		select {
		case c.jobs <- job.DraftID:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	c.sub = sub
	c.logger.Info("Delivery consumer started",
		"subject", NatsDeliverSubject, "queue_group", NatsDeliverQueueGroup, "pool_size", c.poolSize)
	return nil
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case draftID := <-c.jobs:
			c.process(ctx, draftID)
		}
	}
}

func (c *Consumer) process(ctx context.Context, draftID string) {
	outcome, err := c.service.Deliver(ctx, draftID)
	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrNotFound):
		// Deleted since enqueue; the pending job is simply dropped.
		c.logger.InfoContext(ctx, "Delivery job dropped, draft no longer exists", "draft_id", draftID)
	case errors.Is(err, domain.ErrNotApproved):
		// Rejected or already resolved since enqueue.
		c.logger.InfoContext(ctx, "Delivery job dropped, draft not approved", "draft_id", draftID)
	case outcome != nil && outcome.Scheduled:
		// Retry is on the books; the poller will re-enqueue it when due.
		return
	default:
		c.logger.ErrorContext(ctx, "Delivery job failed", "draft_id", draftID, "error", err)
	}
}

// Stop unsubscribes and waits for in-flight jobs to finish. Callers cancel
// the Start context first.
func (c *Consumer) Stop() {
	if c.sub != nil && c.sub.IsValid() {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Error("Failed to unsubscribe delivery consumer", "error", err)
		}
	}
	c.wg.Wait()
}
