package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/draft/repository"
	"github.com/draftgate/draftgate/internal/draft/safety"
)

// Actor identifies the authenticated caller of an approval-surface
// operation. Human is true only for callers authenticated as a person (JWT),
// never for service API keys; the approve transition requires a human.
type Actor struct {
	ID    string
	Human bool
}

// CreateDraftInput is what the drafting collaborator supplies for a new
// draft.
type CreateDraftInput struct {
	SessionID string
	UserID    string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	Tone      domain.EmailTone
	Priority  domain.EmailPriority

	ConversationContext []string
	AIReasoning         *string
}

// EditChanges names the editable fields of a draft. Nil (or nil slice)
// means "leave unchanged".
type EditChanges struct {
	To       []string
	Cc       []string
	Bcc      []string
	Subject  *string
	Body     *string
	Tone     *domain.EmailTone
	Priority *domain.EmailPriority
}

func (c EditChanges) empty() bool {
	return c.To == nil && c.Cc == nil && c.Bcc == nil &&
		c.Subject == nil && c.Body == nil && c.Tone == nil && c.Priority == nil
}

// ApprovalService is the authoritative lifecycle controller: the only
// component (together with the delivery worker's terminal transitions)
// allowed to change a draft's status, always inside the store's per-draft
// lock and always along the transition table.
type ApprovalService struct {
	repo   repository.DraftRepository
	gate   *safety.Gate
	logger *slog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(repo repository.DraftRepository, gate *safety.Gate, logger *slog.Logger) *ApprovalService {
	return &ApprovalService{
		repo:   repo,
		gate:   gate,
		logger: logger.With("service", "approval"),
	}
}

// CreateDraft persists a new draft in the drafted status.
func (s *ApprovalService) CreateDraft(ctx context.Context, input CreateDraftInput) (*domain.Draft, error) {
	if input.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", domain.ErrValidation)
	}
	draft := domain.NewDraft(input.SessionID, input.UserID, input.To, input.Subject, input.Body, input.Tone, input.Priority)
	draft.Cc = input.Cc
	draft.Bcc = input.Bcc
	draft.ConversationContext = input.ConversationContext
	draft.AIReasoning = input.AIReasoning

	if err := s.repo.Create(ctx, draft); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	s.logger.InfoContext(ctx, "Draft created", "draft_id", draft.ID, "session_id", draft.SessionID)
	return draft, nil
}

// Submit validates the draft and moves it from drafted to pending_approval
// with a freshly computed safety verdict attached. Validation failures are
// surfaced as ErrValidation and cause no transition.
func (s *ApprovalService) Submit(ctx context.Context, draftID string) (*domain.Draft, error) {
	return s.withDraft(ctx, draftID, func(draft *domain.Draft) error {
		if err := validateForSubmit(draft); err != nil {
			return err
		}
		next, err := domain.NextStatus(draft.Status, domain.EventSubmit)
		if err != nil {
			recordTransition(domain.EventSubmit, "invalid")
			return err
		}
		draft.SafetyVerdict = s.gate.Evaluate(draft)
		draft.Status = next
		draft.UpdatedAt = time.Now().UTC()
		recordTransition(domain.EventSubmit, "ok")
		s.logger.InfoContext(ctx, "Draft submitted for approval",
			"draft_id", draft.ID,
			"verdict_passed", draft.SafetyVerdict.Passed,
			"risk_level", draft.SafetyVerdict.RiskLevel)
		return nil
	})
}

// Edit mutates the draft's content. While pending_approval this is the edit
// transition and the safety gate re-evaluates the new content; while drafted
// the content changes and any stale verdict is cleared. Any other status
// fails with ErrInvalidTransition. The caller must name the owning session:
// drafts belong to the session that created them, never to another.
func (s *ApprovalService) Edit(ctx context.Context, draftID, sessionID string, changes EditChanges) (*domain.Draft, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", domain.ErrValidation)
	}
	return s.withDraft(ctx, draftID, func(draft *domain.Draft) error {
		if draft.SessionID != sessionID {
			// Cross-session access is indistinguishable from absence.
			return domain.ErrNotFound
		}
		switch draft.Status {
		case domain.StatusPendingApproval:
			if _, err := domain.NextStatus(draft.Status, domain.EventEdit); err != nil {
				recordTransition(domain.EventEdit, "invalid")
				return err
			}
			applyChanges(draft, changes)
			// Approval is a verdict-plus-content pairing: new content means
			// a new verdict before re-entering pending_approval.
			draft.SafetyVerdict = s.gate.Evaluate(draft)
			draft.UpdatedAt = time.Now().UTC()
			recordTransition(domain.EventEdit, "ok")
		case domain.StatusDrafted:
			applyChanges(draft, changes)
			draft.SafetyVerdict = nil
			draft.UpdatedAt = time.Now().UTC()
		default:
			recordTransition(domain.EventEdit, "invalid")
			return fmt.Errorf("%w: event %q not allowed from %q", domain.ErrInvalidTransition, domain.EventEdit, draft.Status)
		}
		s.logger.InfoContext(ctx, "Draft edited", "draft_id", draft.ID, "status", draft.Status)
		return nil
	})
}

// Approve records the human decision to release the draft for delivery.
// The caller must be an authenticated human actor. Optional modifications
// are applied first; if the stored verdict does not match the content being
// approved, the gate re-evaluates before the transition is persisted, so
// stale-verdict content is never silently approved. A failed or high-risk
// verdict does not block approval: the gate informs, the human decides.
func (s *ApprovalService) Approve(ctx context.Context, draftID string, actor Actor, modifications EditChanges) (*domain.Draft, error) {
	if !actor.Human || actor.ID == "" {
		return nil, fmt.Errorf("%w: approve requires an authorized human actor", domain.ErrValidation)
	}
	return s.withDraft(ctx, draftID, func(draft *domain.Draft) error {
		next, err := domain.NextStatus(draft.Status, domain.EventApprove)
		if err != nil {
			recordTransition(domain.EventApprove, "invalid")
			return err
		}
		if !modifications.empty() {
			applyChanges(draft, modifications)
		}
		if draft.SafetyVerdict == nil || draft.SafetyVerdict.ContentDigest != safety.ContentDigest(draft) {
			s.logger.WarnContext(ctx, "Verdict stale at approval, re-evaluating", "draft_id", draft.ID)
			draft.SafetyVerdict = s.gate.Evaluate(draft)
		}
		now := time.Now().UTC()
		draft.Status = next
		draft.ApprovedAt = &now
		draft.UpdatedAt = now
		recordTransition(domain.EventApprove, "ok")
		s.logger.InfoContext(ctx, "Draft approved",
			"draft_id", draft.ID, "actor_id", actor.ID,
			"verdict_passed", draft.SafetyVerdict.Passed,
			"risk_level", draft.SafetyVerdict.RiskLevel)
		return nil
	})
}

// Reject records the human decision not to send, with optional feedback.
// Rejected is terminal.
func (s *ApprovalService) Reject(ctx context.Context, draftID string, actor Actor, feedback string) (*domain.Draft, error) {
	return s.withDraft(ctx, draftID, func(draft *domain.Draft) error {
		next, err := domain.NextStatus(draft.Status, domain.EventReject)
		if err != nil {
			recordTransition(domain.EventReject, "invalid")
			return err
		}
		draft.Status = next
		if feedback != "" {
			draft.RejectionReason = &feedback
		}
		draft.UpdatedAt = time.Now().UTC()
		recordTransition(domain.EventReject, "ok")
		s.logger.InfoContext(ctx, "Draft rejected", "draft_id", draft.ID, "actor_id", actor.ID)
		return nil
	})
}

// Get loads a draft.
func (s *ApprovalService) Get(ctx context.Context, draftID string) (*domain.Draft, error) {
	return s.repo.GetByID(ctx, draftID)
}

// ListBySession returns a session's drafts in creation order.
func (s *ApprovalService) ListBySession(ctx context.Context, sessionID string, statusFilter *domain.DraftStatus) ([]*domain.Draft, error) {
	return s.repo.ListBySession(ctx, sessionID, statusFilter)
}

// Delete removes a draft owned by the given session. Only terminal drafts
// may be deleted; deleting an id that no longer exists is a no-op.
func (s *ApprovalService) Delete(ctx context.Context, draftID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", domain.ErrValidation)
	}
	return s.repo.WithDraftLock(ctx, draftID, func(ctx context.Context) error {
		draft, err := s.repo.GetByID(ctx, draftID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil // idempotent
			}
			return err
		}
		if draft.SessionID != sessionID {
			return domain.ErrNotFound
		}
		if !draft.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot delete draft in status %q", domain.ErrNotTerminal, draft.Status)
		}
		if err := s.repo.Delete(ctx, draftID); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "Draft deleted", "draft_id", draftID)
		return nil
	})
}

// withDraft runs a mutation inside the store's per-draft lock and persists
// the result. The draft is persisted only when the mutation succeeds, so a
// failed transition leaves the record unchanged.
func (s *ApprovalService) withDraft(ctx context.Context, draftID string, mutate func(*domain.Draft) error) (*domain.Draft, error) {
	var draft *domain.Draft
	err := s.repo.WithDraftLock(ctx, draftID, func(ctx context.Context) error {
		d, err := s.repo.GetByID(ctx, draftID)
		if err != nil {
			return err
		}
		if err := mutate(d); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, d); err != nil {
			return fmt.Errorf("persist draft %s: %w", draftID, err)
		}
		draft = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

func applyChanges(draft *domain.Draft, changes EditChanges) {
	if changes.To != nil {
		draft.To = changes.To
	}
	if changes.Cc != nil {
		draft.Cc = changes.Cc
	}
	if changes.Bcc != nil {
		draft.Bcc = changes.Bcc
	}
	if changes.Subject != nil {
		draft.Subject = *changes.Subject
	}
	if changes.Body != nil {
		draft.Body = *changes.Body
	}
	if changes.Tone != nil {
		draft.Tone = *changes.Tone
	}
	if changes.Priority != nil {
		draft.Priority = *changes.Priority
	}
}

func validateForSubmit(draft *domain.Draft) error {
	if len(draft.To) == 0 {
		return fmt.Errorf("%w: at least one To recipient is required", domain.ErrValidation)
	}
	for _, addr := range draft.To {
		if !safety.ValidAddress(addr) {
			return fmt.Errorf("%w: malformed To address %q", domain.ErrValidation, addr)
		}
	}
	for _, addr := range draft.Cc {
		if !safety.ValidAddress(addr) {
			return fmt.Errorf("%w: malformed Cc address %q", domain.ErrValidation, addr)
		}
	}
	for _, addr := range draft.Bcc {
		if !safety.ValidAddress(addr) {
			return fmt.Errorf("%w: malformed Bcc address %q", domain.ErrValidation, addr)
		}
	}
	return nil
}
