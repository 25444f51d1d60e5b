// Package memory provides an in-memory DraftRepository. It satisfies the
// store contract for tests and single-node development; the production
// contract (durability across crashes) is met by the postgres backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/draft/repository"
	"github.com/draftgate/draftgate/internal/platform/keylock"
)

type memDraftRepository struct {
	mu     sync.RWMutex
	drafts map[string]*domain.Draft
	// sessionIndex caches session -> draft ids in creation order. Rebuilt
	// from the draft records on demand, never treated as source of truth.
	sessionIndex map[string][]string
	locks        *keylock.KeyLock
}

// NewMemDraftRepository creates an empty in-memory draft repository.
func NewMemDraftRepository() repository.DraftRepository {
	return &memDraftRepository{
		drafts:       make(map[string]*domain.Draft),
		sessionIndex: make(map[string][]string),
		locks:        keylock.New(),
	}
}

func (r *memDraftRepository) Create(ctx context.Context, draft *domain.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts[draft.ID] = draft.Clone()
	r.sessionIndex[draft.SessionID] = append(r.sessionIndex[draft.SessionID], draft.ID)
	return nil
}

func (r *memDraftRepository) GetByID(ctx context.Context, id string) (*domain.Draft, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drafts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d.Clone(), nil
}

func (r *memDraftRepository) Update(ctx context.Context, draft *domain.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drafts[draft.ID]; !ok {
		return domain.ErrNotFound
	}
	r.drafts[draft.ID] = draft.Clone()
	return nil
}

func (r *memDraftRepository) ListBySession(ctx context.Context, sessionID string, statusFilter *domain.DraftStatus) ([]*domain.Draft, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.sessionIndex[sessionID]
	if !ok {
		// Index miss: rebuild from the per-draft records.
		ids = r.rebuildSessionIDsLocked(sessionID)
	}

	out := make([]*domain.Draft, 0, len(ids))
	for _, id := range ids {
		d, ok := r.drafts[id]
		if !ok {
			continue // deleted; index entry is stale
		}
		if statusFilter != nil && d.Status != *statusFilter {
			continue
		}
		out = append(out, d.Clone())
	}
	return out, nil
}

func (r *memDraftRepository) rebuildSessionIDsLocked(sessionID string) []string {
	type entry struct {
		id        string
		createdAt time.Time
	}
	var entries []entry
	for id, d := range r.drafts {
		if d.SessionID == sessionID {
			entries = append(entries, entry{id, d.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].id < entries[j].id
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (r *memDraftRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[id]
	if !ok {
		return nil // idempotent
	}
	delete(r.drafts, id)
	ids := r.sessionIndex[d.SessionID]
	for i, existing := range ids {
		if existing == id {
			r.sessionIndex[d.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memDraftRepository) AcquireDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*domain.Draft
	for _, d := range r.drafts {
		if d.Status != domain.StatusApproved || d.NextAttemptAt == nil {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.Draft, 0, len(due))
	for _, d := range due {
		d.NextAttemptAt = nil
		out = append(out, d.Clone())
	}
	return out, nil
}

// WithDraftLock serializes per-draft critical sections with a keyed mutex.
// A single store instance means process-local is store-wide here.
func (r *memDraftRepository) WithDraftLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)
	return fn(ctx)
}
