package repository

import (
	"context"
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
)

// DraftRepository defines the persistence contract for drafts. One durable
// record per draft keyed by id, plus a session-ordered index; the index is a
// cache and must be rebuildable from the per-draft records alone.
//
// Update is a whole-record write for a single id. Every read-modify-write of
// status runs inside WithDraftLock, which serializes across all processes
// sharing the store.
type DraftRepository interface {
	Create(ctx context.Context, draft *domain.Draft) error
	GetByID(ctx context.Context, id string) (*domain.Draft, error)
	Update(ctx context.Context, draft *domain.Draft) error
	// ListBySession returns the session's drafts in creation order. A nil
	// statusFilter returns all drafts.
	ListBySession(ctx context.Context, sessionID string, statusFilter *domain.DraftStatus) ([]*domain.Draft, error)
	// Delete removes a draft. Idempotent: deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error
	// AcquireDueRetries returns approved drafts whose next_attempt_at is at
	// or before now, clearing next_attempt_at so a retry is dispatched at
	// most once per schedule.
	AcquireDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Draft, error)
	// WithDraftLock runs fn while holding an exclusive per-draft lock that
	// is effective across every process sharing the store. Two workers
	// handed jobs for the same draft serialize here, not in process memory.
	WithDraftLock(ctx context.Context, id string, fn func(ctx context.Context) error) error
}
