package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxzero/internal/scheduler"
	"inboxzero/pkg/logger"
)

const maxCallbackBody = 64 << 10

type ScheduledActionExecutor interface {
	Execute(ctx context.Context, scheduledActionID string) (scheduler.Outcome, error)
}

type SignatureVerifier interface {
	Verify(signature string, body []byte, url string) error
}

type ScheduledActionHandler struct {
	executor ScheduledActionExecutor
	verifier SignatureVerifier
	baseURL  string
	logger   *zap.Logger
}

// NewScheduledActionHandler verifier 为空时不校验签名（AMQP 后端不走该接口）
func NewScheduledActionHandler(executor ScheduledActionExecutor, verifier SignatureVerifier, baseURL string, log *zap.Logger) *ScheduledActionHandler {
	return &ScheduledActionHandler{
		executor: executor,
		verifier: verifier,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   log,
	}
}

// Execute handles POST /api/scheduled-actions/execute
func (h *ScheduledActionHandler) Execute(c *gin.Context) {
	log := logger.WithTrace(c.Request.Context(), h.logger)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if h.verifier != nil {
		url := h.baseURL + c.Request.URL.Path
		if err := h.verifier.Verify(c.GetHeader(scheduler.SignatureHeader), body, url); err != nil {
			log.Warn("Rejected scheduled action callback", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload scheduler.ExecutePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ScheduledActionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduledActionId is required"})
		return
	}

	outcome, err := h.executor.Execute(c.Request.Context(), payload.ScheduledActionID)
	if err != nil {
		// 非 2xx 让队列重试
		log.Error("Scheduled action execution error",
			zap.String("scheduled_action_id", payload.ScheduledActionID),
			zap.Error(err),
		)
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "execution failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": outcome != scheduler.OutcomeFailed,
		"outcome": outcome,
	})
}
