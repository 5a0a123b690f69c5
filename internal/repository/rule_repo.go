package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"inboxzero/internal/model"
)

type RuleRepository struct {
	db DB
}

func NewRuleRepository(db DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, email_account_id, name, instructions, enabled, automate, system_type, position, created_at, updated_at`

// ListByAccount returns all rules of an account in evaluation order, with actions.
func (r *RuleRepository) ListByAccount(ctx context.Context, accountID string) ([]model.Rule, error) {
	return r.list(ctx, `
        SELECT `+ruleColumns+`
        FROM rules
        WHERE email_account_id = $1
        ORDER BY position, created_at
    `, accountID)
}

// ListEnabled returns enabled rules, optionally without those the sender was excluded from.
func (r *RuleRepository) ListEnabled(ctx context.Context, accountID, sender string) ([]model.Rule, error) {
	return r.list(ctx, `
        SELECT `+ruleColumns+`
        FROM rules r
        WHERE r.email_account_id = $1
          AND r.enabled
          AND NOT EXISTS (
              SELECT 1 FROM rule_exclusions x
              WHERE x.rule_id = r.id AND x.sender = LOWER($2)
          )
        ORDER BY position, created_at
    `, accountID, sender)
}

// CountEnabled returns the number of enabled rules.
func (r *RuleRepository) CountEnabled(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM rules WHERE email_account_id = $1 AND enabled`, accountID).Scan(&n)
	return n, err
}

// FindByID returns a rule of the account with its actions.
func (r *RuleRepository) FindByID(ctx context.Context, accountID, ruleID string) (*model.Rule, error) {
	rules, err := r.list(ctx, `
        SELECT `+ruleColumns+`
        FROM rules
        WHERE email_account_id = $1 AND id = $2
    `, accountID, ruleID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrNotFound
	}
	return &rules[0], nil
}

func (r *RuleRepository) list(ctx context.Context, query string, args ...any) ([]model.Rule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.Rule
	index := map[string]int{}
	for rows.Next() {
		var rule model.Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.EmailAccountID,
			&rule.Name,
			&rule.Instructions,
			&rule.Enabled,
			&rule.Automate,
			&rule.SystemType,
			&rule.Position,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		index[rule.ID] = len(rules)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return rules, nil
	}

	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	actionRows, err := r.db.Query(ctx, `
        SELECT id, rule_id, `+actionColumns+`, delay_in_minutes
        FROM actions
        WHERE rule_id = ANY($1::uuid[])
        ORDER BY created_at, id
    `, ids)
	if err != nil {
		return nil, err
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var a model.Action
		var fields actionRow
		dest := append([]any{&a.ID, &a.RuleID}, fields.dest()...)
		dest = append(dest, &a.DelayInMinutes)
		if err := actionRows.Scan(dest...); err != nil {
			return nil, err
		}
		fields.into(&a)
		if i, ok := index[a.RuleID]; ok {
			rules[i].Actions = append(rules[i].Actions, a)
		}
	}
	return rules, actionRows.Err()
}

// Create inserts a rule and its actions in one transaction.
func (r *RuleRepository) Create(ctx context.Context, rule *model.Rule) error {
	rule.ID = uuid.NewString()
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
            INSERT INTO rules (id, email_account_id, name, instructions, enabled, automate, system_type, position, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
            RETURNING created_at, updated_at
        `, rule.ID, rule.EmailAccountID, rule.Name, rule.Instructions, rule.Enabled, rule.Automate, rule.SystemType, rule.Position,
		).Scan(&rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return mapError(err)
		}
		return insertRuleActions(ctx, tx, rule)
	})
}

// Update replaces rule fields and its action list.
func (r *RuleRepository) Update(ctx context.Context, rule *model.Rule) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
            UPDATE rules
            SET name = $3, instructions = $4, enabled = $5, automate = $6, position = $7, updated_at = NOW()
            WHERE id = $1 AND email_account_id = $2
            RETURNING created_at, updated_at
        `, rule.ID, rule.EmailAccountID, rule.Name, rule.Instructions, rule.Enabled, rule.Automate, rule.Position,
		).Scan(&rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return mapError(err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM actions WHERE rule_id = $1`, rule.ID); err != nil {
			return err
		}
		return insertRuleActions(ctx, tx, rule)
	})
}

func insertRuleActions(ctx context.Context, tx pgx.Tx, rule *model.Rule) error {
	query := `
        INSERT INTO actions (id, rule_id, ` + actionColumns + `, delay_in_minutes)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    `
	for i := range rule.Actions {
		a := model.SanitizeActionFields(rule.Actions[i])
		a.ID = uuid.NewString()
		a.RuleID = rule.ID
		args := append([]any{a.ID, a.RuleID}, actionArgs(a)...)
		args = append(args, a.DelayInMinutes)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert action %d: %w", i, err)
		}
		rule.Actions[i] = a
	}
	return nil
}

// SetFlags toggles enabled / automate; nil leaves the column unchanged.
func (r *RuleRepository) SetFlags(ctx context.Context, accountID, ruleID string, enabled, automate *bool) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE rules
        SET enabled = COALESCE($3, enabled),
            automate = COALESCE($4, automate),
            updated_at = NOW()
        WHERE email_account_id = $1 AND id = $2
    `, accountID, ruleID, enabled, automate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule; actions and exclusions cascade.
func (r *RuleRepository) Delete(ctx context.Context, accountID, ruleID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rules WHERE email_account_id = $1 AND id = $2`, accountID, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddExclusion stops a rule from matching a sender again.
func (r *RuleRepository) AddExclusion(ctx context.Context, ruleID, sender string) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO rule_exclusions (rule_id, sender, created_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (rule_id, sender) DO NOTHING
    `, ruleID, strings.ToLower(sender))
	return err
}
