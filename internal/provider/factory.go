package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"inboxzero/internal/config"
	"inboxzero/internal/model"
	"inboxzero/pkg/circuitbreaker"
	pkgconfig "inboxzero/pkg/config"
	"inboxzero/pkg/util"
)

// TokenStore 持久化刷新后的 token
type TokenStore interface {
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error
}

// Factory 按账号构建 EmailProvider，熔断器按服务共享
type Factory struct {
	google       *oauth2.Config
	microsoft    *oauth2.Config
	googleTopic  string
	outlookOpts  OutlookOptions
	store        TokenStore
	gmailBreaker *circuitbreaker.CircuitBreaker
	graphBreaker *circuitbreaker.CircuitBreaker
	httpTimeout  time.Duration
	logger       *zap.Logger
}

func NewFactory(cfg *config.Config, store TokenStore, logger *zap.Logger) *Factory {
	return &Factory{
		google:      GoogleOAuthConfig(cfg.Google),
		microsoft:   MicrosoftOAuthConfig(cfg.Microsoft),
		googleTopic: cfg.Google.PubSubTopic,
		outlookOpts: OutlookOptions{
			NotificationURL: strings.TrimRight(cfg.Server.BaseURL, "/") + "/api/outlook/webhook",
			ClientState:     cfg.Microsoft.ClientState,
		},
		store:        store,
		gmailBreaker: newProviderBreaker("gmail"),
		graphBreaker: newProviderBreaker("graph"),
		httpTimeout:  30 * time.Second,
		logger:       logger,
	}
}

// newProviderBreaker 只有限流与服务端错误计入熔断
func newProviderBreaker(name string) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsFailure = func(err error) bool {
		info := util.IsRetryableError(err)
		return info.Retryable || info.Status >= http.StatusInternalServerError || info.Status == 0
	}
	return circuitbreaker.NewCircuitBreaker(cfg)
}

func GoogleOAuthConfig(cfg pkgconfig.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailSettingsBasicScope},
		Endpoint:     google.Endpoint,
	}
}

func MicrosoftOAuthConfig(cfg pkgconfig.MicrosoftConfig) *oauth2.Config {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"offline_access", "openid", "email", "User.Read", "Mail.ReadWrite", "Mail.Send", "MailboxSettings.ReadWrite"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// OAuthConfig 对应提供商的 oauth2 配置
func (f *Factory) OAuthConfig(provider string) (*oauth2.Config, error) {
	switch provider {
	case model.ProviderGoogle:
		return f.google, nil
	case model.ProviderMicrosoft:
		return f.microsoft, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
}

// ForAccount 用账号 token 构建 provider，刷新后的 token 会写回存储
func (f *Factory) ForAccount(ctx context.Context, account *model.EmailAccount) (EmailProvider, error) {
	if !account.HasTokens() {
		return nil, ErrMissingTokens
	}
	oauthCfg, err := f.OAuthConfig(account.Provider)
	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
	}
	if account.TokenExpiresAt != nil {
		token.Expiry = *account.TokenExpiresAt
	}
	// token 刷新不能随单次请求取消
	baseCtx := context.WithoutCancel(ctx)
	ts := &persistingTokenSource{
		base:      oauth2.ReuseTokenSource(token, oauthCfg.TokenSource(baseCtx, token)),
		accountID: account.ID,
		last:      token.AccessToken,
		store:     f.store,
		logger:    f.logger,
	}
	return f.build(baseCtx, account.Provider, account.Email, ts)
}

// ForToken 授权回调阶段使用刚换取的 token，不做持久化
func (f *Factory) ForToken(ctx context.Context, provider, email string, token *oauth2.Token) (EmailProvider, error) {
	oauthCfg, err := f.OAuthConfig(provider)
	if err != nil {
		return nil, err
	}
	return f.build(context.WithoutCancel(ctx), provider, email, oauthCfg.TokenSource(ctx, token))
}

func (f *Factory) build(ctx context.Context, provider, email string, ts oauth2.TokenSource) (EmailProvider, error) {
	switch provider {
	case model.ProviderGoogle:
		svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return NewGmailProvider(svc, email, f.googleTopic, f.gmailBreaker, f.logger), nil
	case model.ProviderMicrosoft:
		client := oauth2.NewClient(ctx, ts)
		client.Timeout = f.httpTimeout
		return NewOutlookProvider(client, email, f.outlookOpts, f.graphBreaker, f.logger), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
}

// ProfileEmail 读取授权账号的邮箱地址
func (f *Factory) ProfileEmail(ctx context.Context, provider string, token *oauth2.Token) (string, error) {
	oauthCfg, err := f.OAuthConfig(provider)
	if err != nil {
		return "", err
	}
	ts := oauthCfg.TokenSource(ctx, token)

	switch provider {
	case model.ProviderGoogle:
		svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
		if err != nil {
			return "", err
		}
		profile, err := svc.Users.GetProfile(gmailUser).Fields(googleapi.Field("emailAddress")).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("gmail profile: %w", err)
		}
		return profile.EmailAddress, nil
	default:
		client := oauth2.NewClient(ctx, ts)
		client.Timeout = f.httpTimeout
		o := NewOutlookProvider(client, "", f.outlookOpts, f.graphBreaker, f.logger)
		var me struct {
			Mail              string `json:"mail"`
			UserPrincipalName string `json:"userPrincipalName"`
		}
		if err := o.do(ctx, "me.get", http.MethodGet, "/me?$select=mail,userPrincipalName", nil, &me); err != nil {
			return "", err
		}
		if me.Mail != "" {
			return me.Mail, nil
		}
		return me.UserPrincipalName, nil
	}
}

// persistingTokenSource access token 变化时写回数据库
type persistingTokenSource struct {
	base      oauth2.TokenSource
	accountID string
	store     TokenStore
	logger    *zap.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()

	if changed && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		expiry := tok.Expiry
		if err := s.store.UpdateTokens(ctx, s.accountID, tok.AccessToken, tok.RefreshToken, &expiry); err != nil {
			s.logger.Error("Failed to persist refreshed token",
				zap.String("email_account_id", s.accountID),
				zap.Error(err),
			)
		} else {
			s.logger.Info("Persisted refreshed token", zap.String("email_account_id", s.accountID))
		}
	}
	return tok, nil
}
