package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"inboxzero/internal/model"
)

type ExecutedRuleRepository struct {
	db DB
}

func NewExecutedRuleRepository(db DB) *ExecutedRuleRepository {
	return &ExecutedRuleRepository{db: db}
}

// LabelActionRef 某封邮件上已执行的 LABEL 动作
type LabelActionRef struct {
	RuleID  string
	Label   string
	LabelID string
}

// Find returns the executed rule for a message, with its actions.
func (r *ExecutedRuleRepository) Find(ctx context.Context, userID, threadID, messageID string) (*model.ExecutedRule, error) {
	var er model.ExecutedRule
	err := r.db.QueryRow(ctx, `
        SELECT id, user_id, email_account_id, thread_id, message_id, rule_id, status, reason, automated, created_at, updated_at
        FROM executed_rules
        WHERE user_id = $1 AND thread_id = $2 AND message_id = $3
    `, userID, threadID, messageID).Scan(
		&er.ID,
		&er.UserID,
		&er.EmailAccountID,
		&er.ThreadID,
		&er.MessageID,
		&er.RuleID,
		&er.Status,
		&er.Reason,
		&er.Automated,
		&er.CreatedAt,
		&er.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	rows, err := r.db.Query(ctx, `
        SELECT id, executed_rule_id, action_id, `+actionColumns+`, draft_id
        FROM executed_actions
        WHERE executed_rule_id = $1
        ORDER BY created_at, id
    `, er.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ea model.ExecutedAction
		var actionID, draftID *string
		var fields actionRow
		dest := append([]any{&ea.ID, &ea.ExecutedRuleID, &actionID}, fields.dest()...)
		dest = append(dest, &draftID)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		fields.into(&ea.Item)
		ea.Item.ID = deref(actionID)
		ea.DraftID = deref(draftID)
		er.Actions = append(er.Actions, ea)
	}
	return &er, rows.Err()
}

// Exists reports whether the message already has an executed rule.
func (r *ExecutedRuleRepository) Exists(ctx context.Context, userID, threadID, messageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM executed_rules
            WHERE user_id = $1 AND thread_id = $2 AND message_id = $3
        )
    `, userID, threadID, messageID).Scan(&exists)
	return exists, err
}

// Upsert writes the executed rule keyed on (user, thread, message) and replaces its
// action rows in one transaction. IDs of the stored rows are written back.
func (r *ExecutedRuleRepository) Upsert(ctx context.Context, er *model.ExecutedRule) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
            INSERT INTO executed_rules (id, user_id, email_account_id, thread_id, message_id, rule_id, status, reason, automated, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
            ON CONFLICT (user_id, thread_id, message_id) DO UPDATE SET
                rule_id = EXCLUDED.rule_id,
                status = EXCLUDED.status,
                reason = EXCLUDED.reason,
                automated = EXCLUDED.automated,
                updated_at = NOW()
            RETURNING id, created_at, updated_at
        `, uuid.NewString(), er.UserID, er.EmailAccountID, er.ThreadID, er.MessageID,
			er.RuleID, string(er.Status), er.Reason, er.Automated,
		).Scan(&er.ID, &er.CreatedAt, &er.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert executed rule: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM executed_actions WHERE executed_rule_id = $1`, er.ID); err != nil {
			return err
		}

		query := `
            INSERT INTO executed_actions (id, executed_rule_id, action_id, ` + actionColumns + `, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
        `
		for i := range er.Actions {
			ea := &er.Actions[i]
			ea.ID = uuid.NewString()
			ea.ExecutedRuleID = er.ID
			args := append([]any{ea.ID, ea.ExecutedRuleID, nullable(ea.Item.ID)}, actionArgs(ea.Item)...)
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("insert executed action %d: %w", i, err)
			}
		}
		return nil
	})
}

// SetStatus updates the executed rule status.
func (r *ExecutedRuleRepository) SetStatus(ctx context.Context, id string, status model.ExecutedRuleStatus) error {
	_, err := r.db.Exec(ctx, `
        UPDATE executed_rules SET status = $2, updated_at = NOW() WHERE id = $1
    `, id, string(status))
	return err
}

// SetActionResult stores the label id / draft id produced by the provider.
func (r *ExecutedRuleRepository) SetActionResult(ctx context.Context, executedActionID string, result model.ActionResult) error {
	_, err := r.db.Exec(ctx, `
        UPDATE executed_actions
        SET label_id = COALESCE($2, label_id),
            draft_id = COALESCE($3, draft_id)
        WHERE id = $1
    `, executedActionID, nullable(result.LabelID), nullable(result.DraftID))
	return err
}

// FindLabelActions returns LABEL actions executed on a message by a rule.
func (r *ExecutedRuleRepository) FindLabelActions(ctx context.Context, accountID, messageID string) ([]LabelActionRef, error) {
	rows, err := r.db.Query(ctx, `
        SELECT er.rule_id, ea.label, ea.label_id
        FROM executed_actions ea
        JOIN executed_rules er ON er.id = ea.executed_rule_id
        WHERE er.email_account_id = $1
          AND er.message_id = $2
          AND er.rule_id IS NOT NULL
          AND ea.type = $3
    `, accountID, messageID, string(model.ActionLabel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []LabelActionRef
	for rows.Next() {
		var ref LabelActionRef
		var label, labelID *string
		if err := rows.Scan(&ref.RuleID, &label, &labelID); err != nil {
			return nil, err
		}
		ref.Label = deref(label)
		ref.LabelID = deref(labelID)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
