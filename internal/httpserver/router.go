package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inboxzero/internal/handler"
	"inboxzero/internal/model"
)

// Pinger readyz 检查依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Webhook   *handler.WebhookHandler
	Scheduled *handler.ScheduledActionHandler
	Rules     *handler.RuleHandler
	OAuth     *handler.OAuthHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, accounts AccountLoader, jwtSecret string, db Pinger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/health", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// Public: 由服务商或队列调用
	api.POST("/google/webhook", h.Webhook.Google)
	api.POST("/outlook/webhook", h.Webhook.Outlook)
	api.POST("/scheduled-actions/execute", h.Scheduled.Execute)
	api.GET("/google/linking/callback", h.OAuth.Callback(model.ProviderGoogle))
	api.GET("/outlook/linking/callback", h.OAuth.Callback(model.ProviderMicrosoft))

	// Protected
	auth := api.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/google/linking/auth-url", h.OAuth.AuthURL(model.ProviderGoogle))
		auth.GET("/outlook/linking/auth-url", h.OAuth.AuthURL(model.ProviderMicrosoft))
	}

	rules := api.Group("/rules")
	rules.Use(AuthMiddleware(jwtSecret), AccountMiddleware(accounts))
	{
		rules.GET("", h.Rules.List)
		rules.POST("", h.Rules.Create)
		rules.POST("/test", h.Rules.Test)
		rules.GET("/:id", h.Rules.Get)
		rules.PUT("/:id", h.Rules.Update)
		rules.PATCH("/:id", h.Rules.Toggle)
		rules.DELETE("/:id", h.Rules.Delete)
	}

	return &Router{Engine: r}
}
