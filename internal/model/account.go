package model

import "time"

const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// EmailAccount 已连接的邮箱账号，token 在内存中为明文
type EmailAccount struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	Email               string     `json:"email"`
	Provider            string     `json:"provider"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	TokenExpiresAt      *time.Time `json:"-"`
	PremiumTier         string     `json:"premiumTier"`
	AIAccess            bool       `json:"aiAccess"`
	About               string     `json:"about"`
	WatchSubscriptionID *string    `json:"watchSubscriptionId,omitempty"`
	WatchExpiresAt      *time.Time `json:"watchExpiresAt,omitempty"`
	LastSyncedHistoryID *uint64    `json:"lastSyncedHistoryId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// HasTokens 至少要有 refresh token 才能长期访问
func (a *EmailAccount) HasTokens() bool {
	return a.RefreshToken != "" || a.AccessToken != ""
}
