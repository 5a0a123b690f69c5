package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxzero/internal/webhook"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/metrics"
)

type NotificationProcessor interface {
	ProcessGmail(ctx context.Context, n webhook.GmailNotification) error
	ProcessOutlook(ctx context.Context, n webhook.OutlookNotification) error
}

type WebhookHandler struct {
	processor   NotificationProcessor
	googleToken string
	logger      *zap.Logger
}

func NewWebhookHandler(processor NotificationProcessor, googleToken string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, googleToken: googleToken, logger: log}
}

// Google handles POST /api/google/webhook?token=
func (h *WebhookHandler) Google(c *gin.Context) {
	log := logger.WithTrace(c.Request.Context(), h.logger)

	if h.googleToken != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.googleToken)) != 1 {
		log.Warn("Gmail webhook with invalid verification token")
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid verification token"})
		return
	}

	var push webhook.PubSubPush
	if err := c.ShouldBindJSON(&push); err != nil {
		log.Warn("Invalid Pub/Sub push body", zap.Error(err))
		metrics.IncrementWebhookEvent("google", "invalid")
		ok(c)
		return
	}
	n, err := webhook.DecodeGmailNotification(push.Message.Data)
	if err != nil {
		log.Warn("Invalid Gmail notification", zap.Error(err))
		metrics.IncrementWebhookEvent("google", "invalid")
		ok(c)
		return
	}

	if err := h.processor.ProcessGmail(c.Request.Context(), n); err != nil {
		log.Error("Gmail webhook processing failed",
			zap.String("email", n.EmailAddress),
			zap.Uint64("history_id", n.HistoryID),
			zap.Error(err),
		)
	}
	ok(c)
}

// Outlook handles POST /api/outlook/webhook
func (h *WebhookHandler) Outlook(c *gin.Context) {
	log := logger.WithTrace(c.Request.Context(), h.logger)

	// 创建订阅时 Graph 的握手请求
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	var body webhook.OutlookNotifications
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Warn("Invalid Outlook notification body", zap.Error(err))
		metrics.IncrementWebhookEvent("microsoft", "invalid")
		ok(c)
		return
	}

	for _, n := range body.Value {
		if err := h.processor.ProcessOutlook(c.Request.Context(), n); err != nil {
			log.Error("Outlook webhook processing failed",
				zap.String("subscription_id", n.SubscriptionID),
				zap.String("resource", n.Resource),
				zap.Error(err),
			)
		}
	}
	ok(c)
}
