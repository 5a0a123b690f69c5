package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"inboxzero/internal/handler"
	"inboxzero/internal/model"
	"inboxzero/internal/repository"
	"inboxzero/pkg/metrics"
	"inboxzero/pkg/trace"
	"inboxzero/pkg/util"
)

type AccountLoader interface {
	FindByID(ctx context.Context, id string) (*model.EmailAccount, error)
}

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		userID, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		// store user_id in context so handlers can use it
		c.Set(handler.ContextUserID, userID)

		c.Next()
	}
}

// AccountMiddleware 根据 X-Email-Account-ID 加载账号，并校验归属当前用户
func AccountMiddleware(accounts AccountLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(handler.AccountHeader)
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + handler.AccountHeader})
			c.Abort()
			return
		}

		account, err := accounts.FindByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email account not found"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			c.Abort()
			return
		}
		// 不暴露其他用户的账号是否存在
		if account.UserID != c.GetString(handler.ContextUserID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "email account not found"})
			c.Abort()
			return
		}

		c.Set(handler.ContextAccount, account)
		c.Next()
	}
}

// TraceMiddleware 透传或生成 X-Trace-ID
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName)
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

// MetricsMiddleware 按路由模板记录耗时
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
