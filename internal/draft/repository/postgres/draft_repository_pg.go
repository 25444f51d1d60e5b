package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/draft/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const draftColumns = `
	id, session_id, user_id, to_addresses, cc_addresses, bcc_addresses,
	subject, body, tone, priority, status,
	safety_verdict, delivery_attempts,
	provider_message_id, provider_thread_id, next_attempt_at,
	rejection_reason, conversation_context, ai_reasoning,
	created_at, updated_at, approved_at, sent_at`

type pgDraftRepository struct {
	db *pgxpool.Pool
}

// NewPgDraftRepository creates a PostgreSQL-backed draft repository.
// Schema: migrations/001_email_drafts.up.sql.
func NewPgDraftRepository(db *pgxpool.Pool) repository.DraftRepository {
	return &pgDraftRepository{db: db}
}

func (r *pgDraftRepository) Create(ctx context.Context, draft *domain.Draft) error {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	verdictJSON, attemptsJSON, err := marshalJSONColumns(draft)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO email_drafts (` + draftColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err = r.db.Exec(ctx, query,
		draft.ID, draft.SessionID, nullIfEmpty(draft.UserID), draft.To, draft.Cc, draft.Bcc,
		draft.Subject, draft.Body, draft.Tone, draft.Priority, draft.Status,
		verdictJSON, attemptsJSON,
		draft.ProviderMessageID, draft.ProviderThreadID, draft.NextAttemptAt,
		draft.RejectionReason, draft.ConversationContext, draft.AIReasoning,
		draft.CreatedAt, draft.UpdatedAt, draft.ApprovedAt, draft.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

func (r *pgDraftRepository) GetByID(ctx context.Context, id string) (*domain.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM email_drafts WHERE id = $1`
	draft, err := scanDraft(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return draft, nil
}

func (r *pgDraftRepository) Update(ctx context.Context, draft *domain.Draft) error {
	verdictJSON, attemptsJSON, err := marshalJSONColumns(draft)
	if err != nil {
		return err
	}

	query := `
		UPDATE email_drafts SET
			to_addresses = $2, cc_addresses = $3, bcc_addresses = $4,
			subject = $5, body = $6, tone = $7, priority = $8, status = $9,
			safety_verdict = $10, delivery_attempts = $11,
			provider_message_id = $12, provider_thread_id = $13, next_attempt_at = $14,
			rejection_reason = $15, ai_reasoning = $16,
			updated_at = $17, approved_at = $18, sent_at = $19
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		draft.ID,
		draft.To, draft.Cc, draft.Bcc,
		draft.Subject, draft.Body, draft.Tone, draft.Priority, draft.Status,
		verdictJSON, attemptsJSON,
		draft.ProviderMessageID, draft.ProviderThreadID, draft.NextAttemptAt,
		draft.RejectionReason, draft.AIReasoning,
		draft.UpdatedAt, draft.ApprovedAt, draft.SentAt,
	)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgDraftRepository) ListBySession(ctx context.Context, sessionID string, statusFilter *domain.DraftStatus) ([]*domain.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM email_drafts WHERE session_id = $1`
	args := []interface{}{sessionID}
	if statusFilter != nil {
		query += ` AND status = $2`
		args = append(args, *statusFilter)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list drafts by session: %w", err)
	}
	defer rows.Close()

	var drafts []*domain.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

func (r *pgDraftRepository) Delete(ctx context.Context, id string) error {
	// Idempotent: zero rows affected is not an error.
	_, err := r.db.Exec(ctx, `DELETE FROM email_drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (r *pgDraftRepository) AcquireDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Draft, error) {
	// SKIP LOCKED so concurrent pollers never dispatch the same retry twice;
	// clearing next_attempt_at marks the schedule as consumed.
	query := `
		UPDATE email_drafts
		SET next_attempt_at = NULL
		WHERE id IN (
			SELECT id FROM email_drafts
			WHERE status = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + draftColumns

	rows, err := r.db.Query(ctx, query, domain.StatusApproved, now, limit)
	if err != nil {
		return nil, fmt.Errorf("acquire due retries: %w", err)
	}
	defer rows.Close()

	var drafts []*domain.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

// WithDraftLock serializes per-draft critical sections across processes with
// a transaction-scoped advisory lock, the same database-level serialization
// AcquireDueRetries gets from SKIP LOCKED. The lock is released when the
// transaction ends, on commit and rollback alike.
func (r *pgDraftRepository) WithDraftLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin draft lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return fmt.Errorf("acquire draft lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("release draft lock: %w", err)
	}
	return nil
}

func marshalJSONColumns(draft *domain.Draft) (verdictJSON, attemptsJSON []byte, err error) {
	if draft.SafetyVerdict != nil {
		verdictJSON, err = json.Marshal(draft.SafetyVerdict)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal safety verdict: %w", err)
		}
	}
	attempts := draft.DeliveryAttempts
	if attempts == nil {
		attempts = []domain.DeliveryAttempt{}
	}
	attemptsJSON, err = json.Marshal(attempts)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal delivery attempts: %w", err)
	}
	return verdictJSON, attemptsJSON, nil
}

func scanDraft(row pgx.Row) (*domain.Draft, error) {
	var (
		draft        domain.Draft
		userID       *string
		verdictJSON  []byte
		attemptsJSON []byte
	)
	err := row.Scan(
		&draft.ID, &draft.SessionID, &userID, &draft.To, &draft.Cc, &draft.Bcc,
		&draft.Subject, &draft.Body, &draft.Tone, &draft.Priority, &draft.Status,
		&verdictJSON, &attemptsJSON,
		&draft.ProviderMessageID, &draft.ProviderThreadID, &draft.NextAttemptAt,
		&draft.RejectionReason, &draft.ConversationContext, &draft.AIReasoning,
		&draft.CreatedAt, &draft.UpdatedAt, &draft.ApprovedAt, &draft.SentAt,
	)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		draft.UserID = *userID
	}
	if len(verdictJSON) > 0 {
		var verdict domain.SafetyVerdict
		if err := json.Unmarshal(verdictJSON, &verdict); err != nil {
			return nil, fmt.Errorf("unmarshal safety verdict: %w", err)
		}
		draft.SafetyVerdict = &verdict
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &draft.DeliveryAttempts); err != nil {
			return nil, fmt.Errorf("unmarshal delivery attempts: %w", err)
		}
	}
	if draft.DeliveryAttempts == nil {
		draft.DeliveryAttempts = []domain.DeliveryAttempt{}
	}
	return &draft, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
