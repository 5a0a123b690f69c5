package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"inboxzero/internal/model"
)

type ScheduledActionRepository struct {
	db DB
}

func NewScheduledActionRepository(db DB) *ScheduledActionRepository {
	return &ScheduledActionRepository{db: db}
}

const scheduledColumns = `id, executed_rule_id, email_account_id, message_id, thread_id, ` + actionColumns + `,
        scheduled_for, status, scheduled_id, error_message, executed_at, created_at`

func scanScheduled(row pgx.Row) (*model.ScheduledAction, error) {
	var sa model.ScheduledAction
	var fields actionRow
	var scheduledID, errMsg *string
	dest := append([]any{&sa.ID, &sa.ExecutedRuleID, &sa.EmailAccountID, &sa.MessageID, &sa.ThreadID}, fields.dest()...)
	dest = append(dest, &sa.ScheduledFor, &sa.Status, &scheduledID, &errMsg, &sa.ExecutedAt, &sa.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, mapError(err)
	}
	fields.into(&sa.Item)
	sa.ScheduledID = deref(scheduledID)
	sa.ErrorMessage = deref(errMsg)
	return &sa, nil
}

// Create inserts a PENDING scheduled action.
func (r *ScheduledActionRepository) Create(ctx context.Context, sa *model.ScheduledAction) error {
	sa.ID = uuid.NewString()
	sa.Status = model.ScheduledPending
	args := append([]any{sa.ID, sa.ExecutedRuleID, sa.EmailAccountID, sa.MessageID, sa.ThreadID}, actionArgs(sa.Item)...)
	args = append(args, sa.ScheduledFor, string(sa.Status))
	return r.db.QueryRow(ctx, `
        INSERT INTO scheduled_actions (id, executed_rule_id, email_account_id, message_id, thread_id, `+actionColumns+`,
            scheduled_for, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
        RETURNING created_at
    `, args...).Scan(&sa.CreatedAt)
}

// FindByID returns a scheduled action.
func (r *ScheduledActionRepository) FindByID(ctx context.Context, id string) (*model.ScheduledAction, error) {
	return scanScheduled(r.db.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_actions WHERE id = $1`, id))
}

// SetScheduledID stores the queue message id used for cancellation.
func (r *ScheduledActionRepository) SetScheduledID(ctx context.Context, id, scheduledID string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE scheduled_actions SET scheduled_id = $2, updated_at = NOW() WHERE id = $1
    `, id, scheduledID)
	return err
}

// ListPending returns PENDING rows for a message; threadID is optional.
func (r *ScheduledActionRepository) ListPending(ctx context.Context, accountID, messageID, threadID string) ([]model.ScheduledAction, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+scheduledColumns+`
        FROM scheduled_actions
        WHERE email_account_id = $1
          AND message_id = $2
          AND ($3 = '' OR thread_id = $3)
          AND status = 'PENDING'
        ORDER BY scheduled_for
    `, accountID, messageID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduledAction
	for rows.Next() {
		sa, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sa)
	}
	return out, rows.Err()
}

// CancelPending marks the given rows CANCELLED; rows no longer PENDING are untouched.
func (r *ScheduledActionRepository) CancelPending(ctx context.Context, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
        UPDATE scheduled_actions
        SET status = 'CANCELLED', error_message = $2, updated_at = NOW()
        WHERE id = ANY($1::uuid[]) AND status = 'PENDING'
    `, ids, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Claim atomically moves a row from PENDING to EXECUTING.
// Returns ErrNotFound when the row is missing or already left PENDING.
func (r *ScheduledActionRepository) Claim(ctx context.Context, id string) (*model.ScheduledAction, error) {
	return scanScheduled(r.db.QueryRow(ctx, `
        UPDATE scheduled_actions
        SET status = 'EXECUTING', updated_at = NOW()
        WHERE id = $1 AND status = 'PENDING'
        RETURNING `+scheduledColumns, id))
}

// MarkApplied finishes an executing row.
func (r *ScheduledActionRepository) MarkApplied(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE scheduled_actions
        SET status = 'APPLIED', executed_at = NOW(), updated_at = NOW()
        WHERE id = $1
    `, id)
	return err
}

// MarkFailed records the failure reason.
func (r *ScheduledActionRepository) MarkFailed(ctx context.Context, id, message string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE scheduled_actions
        SET status = 'FAILED', error_message = $2, updated_at = NOW()
        WHERE id = $1
    `, id, message)
	return err
}
