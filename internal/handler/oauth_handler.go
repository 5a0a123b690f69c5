package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"inboxzero/internal/model"
	"inboxzero/internal/provider"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/util"
)

const (
	stateTTL          = 10 * time.Minute
	nonceCookiePrefix = "oauth_nonce_"
)

type OAuthProviders interface {
	OAuthConfig(provider string) (*oauth2.Config, error)
	ProfileEmail(ctx context.Context, provider string, token *oauth2.Token) (string, error)
	ForToken(ctx context.Context, provider, email string, token *oauth2.Token) (provider.EmailProvider, error)
}

type AccountLinker interface {
	Upsert(ctx context.Context, a *model.EmailAccount) error
	SetWatch(ctx context.Context, id string, subscriptionID *string, expiresAt *time.Time, historyID *uint64) error
}

type OAuthHandler struct {
	providers    OAuthProviders
	accounts     AccountLinker
	secret       string
	secureCookie bool
	logger       *zap.Logger
}

func NewOAuthHandler(providers OAuthProviders, accounts AccountLinker, jwtSecret string, secureCookie bool, log *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		providers:    providers,
		accounts:     accounts,
		secret:       jwtSecret,
		secureCookie: secureCookie,
		logger:       log,
	}
}

// AuthURL handles GET /api/{google,outlook}/linking/auth-url
func (h *OAuthHandler) AuthURL(providerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := h.providers.OAuthConfig(providerName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unsupported provider"})
			return
		}

		nonce := uuid.NewString()
		state, err := util.SignState(userID(c), nonce, providerName, h.secret, stateTTL)
		if err != nil {
			logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to sign oauth state", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(nonceCookiePrefix+providerName, nonce, int(stateTTL.Seconds()), "/", "", h.secureCookie, true)

		opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
		if providerName == model.ProviderGoogle {
			// 强制重新授权以拿到 refresh token
			opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
		}
		c.JSON(http.StatusOK, gin.H{"url": cfg.AuthCodeURL(state, opts...)})
	}
}

// Callback handles GET /api/{google,outlook}/linking/callback?code&state
func (h *OAuthHandler) Callback(providerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.WithTrace(ctx, h.logger).With(zap.String("provider", providerName))

		if errCode := c.Query("error"); errCode != "" {
			log.Info("OAuth consent declined", zap.String("error", errCode))
			c.JSON(http.StatusBadRequest, gin.H{"error": errCode})
			return
		}

		cookieName := nonceCookiePrefix + providerName
		nonce, _ := c.Cookie(cookieName)
		st, err := util.VerifyState(c.Query("state"), nonce, providerName, h.secret)
		if err != nil {
			log.Warn("Invalid oauth state", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
			return
		}
		c.SetCookie(cookieName, "", -1, "/", "", h.secureCookie, true)

		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
			return
		}

		cfg, err := h.providers.OAuthConfig(providerName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unsupported provider"})
			return
		}
		token, err := cfg.Exchange(ctx, code)
		if err != nil {
			log.Error("OAuth code exchange failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
			return
		}

		email, err := h.providers.ProfileEmail(ctx, providerName, token)
		if err != nil || email == "" {
			log.Error("Failed to read profile email", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read profile"})
			return
		}

		account := &model.EmailAccount{
			UserID:       st.UserID,
			Email:        strings.ToLower(email),
			Provider:     providerName,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
		}
		if !token.Expiry.IsZero() {
			expiry := token.Expiry
			account.TokenExpiresAt = &expiry
		}
		if err := h.accounts.Upsert(ctx, account); err != nil {
			log.Error("Failed to save account", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		log = log.With(zap.String("email_account_id", account.ID))

		watching := h.watch(ctx, log, account, token)
		log.Info("Email account linked", zap.Bool("watching", watching))
		c.JSON(http.StatusOK, gin.H{
			"emailAccountId": account.ID,
			"email":          account.Email,
			"watching":       watching,
		})
	}
}

// watch 订阅失败不影响关联结果
func (h *OAuthHandler) watch(ctx context.Context, log *zap.Logger, account *model.EmailAccount, token *oauth2.Token) bool {
	p, err := h.providers.ForToken(ctx, account.Provider, account.Email, token)
	if err != nil {
		log.Warn("Failed to build provider for watch", zap.Error(err))
		return false
	}
	res, err := p.Watch(ctx)
	if err != nil {
		log.Warn("Failed to watch mailbox", zap.Error(err))
		return false
	}

	var subID *string
	if res.SubscriptionID != "" {
		subID = &res.SubscriptionID
	}
	var historyID *uint64
	if res.HistoryID > 0 {
		historyID = &res.HistoryID
	}
	if err := h.accounts.SetWatch(ctx, account.ID, subID, &res.ExpiresAt, historyID); err != nil {
		log.Error("Failed to store watch", zap.Error(err))
		return false
	}
	return true
}
