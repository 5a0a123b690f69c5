package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"inboxzero/internal/model"
	"inboxzero/pkg/crypto"
)

type AccountRepository struct {
	db     DB
	cipher *crypto.TokenCipher
}

func NewAccountRepository(db DB, cipher *crypto.TokenCipher) *AccountRepository {
	return &AccountRepository{db: db, cipher: cipher}
}

const accountColumns = `
        id, user_id, email, provider, access_token, refresh_token, token_expires_at,
        premium_tier, ai_access, about, watch_subscription_id, watch_expires_at,
        last_synced_history_id, created_at, updated_at`

func (r *AccountRepository) scan(row pgx.Row) (*model.EmailAccount, error) {
	var a model.EmailAccount
	var access, refresh *string
	var historyID *int64
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Email,
		&a.Provider,
		&access,
		&refresh,
		&a.TokenExpiresAt,
		&a.PremiumTier,
		&a.AIAccess,
		&a.About,
		&a.WatchSubscriptionID,
		&a.WatchExpiresAt,
		&historyID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if historyID != nil {
		h := uint64(*historyID)
		a.LastSyncedHistoryID = &h
	}
	if a.AccessToken, err = r.decrypt(access); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if a.RefreshToken, err = r.decrypt(refresh); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &a, nil
}

func (r *AccountRepository) decrypt(s *string) (string, error) {
	if s == nil || *s == "" {
		return "", nil
	}
	return r.cipher.Decrypt(*s)
}

func (r *AccountRepository) encrypt(s string) (*string, error) {
	if s == "" {
		return nil, nil
	}
	enc, err := r.cipher.Encrypt(s)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

// FindByID returns account by id with decrypted tokens.
func (r *AccountRepository) FindByID(ctx context.Context, id string) (*model.EmailAccount, error) {
	query := `SELECT` + accountColumns + `
        FROM email_accounts
        WHERE id = $1
    `
	return r.scan(r.db.QueryRow(ctx, query, id))
}

// FindByEmail returns account by mailbox address (Gmail push carries only the address).
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*model.EmailAccount, error) {
	query := `SELECT` + accountColumns + `
        FROM email_accounts
        WHERE LOWER(email) = LOWER($1)
    `
	return r.scan(r.db.QueryRow(ctx, query, email))
}

// FindBySubscriptionID returns account owning a Graph subscription.
func (r *AccountRepository) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.EmailAccount, error) {
	query := `SELECT` + accountColumns + `
        FROM email_accounts
        WHERE watch_subscription_id = $1
    `
	return r.scan(r.db.QueryRow(ctx, query, subscriptionID))
}

// Upsert inserts or updates an account keyed by email. Tokens are stored encrypted.
func (r *AccountRepository) Upsert(ctx context.Context, a *model.EmailAccount) error {
	access, err := r.encrypt(a.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := r.encrypt(a.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.PremiumTier == "" {
		a.PremiumTier = "FREE"
	}

	// 重新授权时 Google 可能不返回 refresh token，保留旧值
	query := `
        INSERT INTO email_accounts (id, user_id, email, provider, access_token, refresh_token,
            token_expires_at, premium_tier, ai_access, about, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
        ON CONFLICT (email) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            provider = EXCLUDED.provider,
            access_token = EXCLUDED.access_token,
            refresh_token = COALESCE(EXCLUDED.refresh_token, email_accounts.refresh_token),
            token_expires_at = EXCLUDED.token_expires_at,
            updated_at = NOW()
        RETURNING id, premium_tier, ai_access, about, created_at, updated_at
    `
	return r.db.QueryRow(ctx, query,
		a.ID, a.UserID, a.Email, a.Provider, access, refresh,
		a.TokenExpiresAt, a.PremiumTier, a.AIAccess, a.About,
	).Scan(&a.ID, &a.PremiumTier, &a.AIAccess, &a.About, &a.CreatedAt, &a.UpdatedAt)
}

// UpdateTokens persists tokens rotated by the oauth2 token source.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error {
	access, err := r.encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := r.encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	query := `
        UPDATE email_accounts
        SET access_token = $2,
            refresh_token = COALESCE($3, refresh_token),
            token_expires_at = $4,
            updated_at = NOW()
        WHERE id = $1
    `
	_, err = r.db.Exec(ctx, query, id, access, refresh, expiry)
	return err
}

// SetWatch records a new push subscription and optionally the starting history cursor.
func (r *AccountRepository) SetWatch(ctx context.Context, id string, subscriptionID *string, expiresAt *time.Time, historyID *uint64) error {
	var h *int64
	if historyID != nil {
		v := int64(*historyID)
		h = &v
	}
	query := `
        UPDATE email_accounts
        SET watch_subscription_id = $2,
            watch_expires_at = $3,
            last_synced_history_id = COALESCE($4, last_synced_history_id),
            updated_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, id, subscriptionID, expiresAt, h)
	return err
}

// ClearWatch removes subscription fields after unwatching.
func (r *AccountRepository) ClearWatch(ctx context.Context, id string) error {
	query := `
        UPDATE email_accounts
        SET watch_subscription_id = NULL,
            watch_expires_at = NULL,
            updated_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, id)
	return err
}

// AdvanceHistoryID moves the Gmail history cursor forward only.
// Returns false when a newer cursor is already stored.
func (r *AccountRepository) AdvanceHistoryID(ctx context.Context, id string, historyID uint64) (bool, error) {
	query := `
        UPDATE email_accounts
        SET last_synced_history_id = $2, updated_at = NOW()
        WHERE id = $1
          AND (last_synced_history_id IS NULL OR last_synced_history_id < $2)
    `
	tag, err := r.db.Exec(ctx, query, id, int64(historyID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetPremium updates the tier and AI access flag.
func (r *AccountRepository) SetPremium(ctx context.Context, id, tier string, aiAccess bool) error {
	query := `
        UPDATE email_accounts
        SET premium_tier = $2, ai_access = $3, updated_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, id, tier, aiAccess)
	return err
}
