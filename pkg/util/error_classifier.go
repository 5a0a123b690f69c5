package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

const (
	rateLimitDelay     = 30 * time.Second
	serverErrorBase    = 5 * time.Second
	serverErrorMaxWait = 80 * time.Second
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// StatusError 带 HTTP 状态码的错误（Graph、QStash 等 HTTP 客户端实现）
type StatusError interface {
	error
	HTTPStatus() int
}

type reasonCarrier interface {
	Reason() string
}

type retryAfterCarrier interface {
	RetryAfter() time.Duration
}

// RetryInfo 错误的重试分类结果
type RetryInfo struct {
	Retryable     bool
	IsRateLimit   bool
	IsServerError bool
	Status        int
	Reason        string
	RetryAfter    time.Duration
}

// IsRetryableError 按 HTTP 状态码与原因判断是否限流或服务端错误
func IsRetryableError(err error) RetryInfo {
	var info RetryInfo
	if err == nil {
		return info
	}

	message := strings.ToLower(err.Error())

	var gErr *googleapi.Error
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var statusErr StatusError
	switch {
	case errors.As(err, &gErr):
		info.Status = gErr.Code
		for _, item := range gErr.Errors {
			if item.Reason != "" {
				info.Reason = item.Reason
				break
			}
		}
		info.RetryAfter = parseRetryAfter(gErr.Header.Get("Retry-After"))
	case errors.As(err, &apiErr):
		info.Status = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok {
			info.Reason = code
		}
	case errors.As(err, &reqErr):
		info.Status = reqErr.HTTPStatusCode
	case errors.As(err, &statusErr):
		info.Status = statusErr.HTTPStatus()
	}

	var rc reasonCarrier
	if info.Reason == "" && errors.As(err, &rc) {
		info.Reason = rc.Reason()
	}
	var ra retryAfterCarrier
	if info.RetryAfter == 0 && errors.As(err, &ra) {
		info.RetryAfter = ra.RetryAfter()
	}

	info.IsRateLimit = info.Status == http.StatusTooManyRequests ||
		(info.Status == http.StatusForbidden && (rateLimitReasons[info.Reason] || strings.Contains(message, "rate limit")))
	info.IsServerError = info.Status == http.StatusBadGateway ||
		info.Status == http.StatusServiceUnavailable ||
		info.Status == http.StatusGatewayTimeout
	info.Retryable = info.IsRateLimit || info.IsServerError
	return info
}

// CalculateRetryDelay 限流固定 30s，服务端错误 5s·2^(n-1) 封顶 80s，Retry-After 优先
func CalculateRetryDelay(info RetryInfo, attempt int) time.Duration {
	if info.RetryAfter > 0 {
		return info.RetryAfter
	}
	if info.IsRateLimit {
		return rateLimitDelay
	}
	if info.IsServerError {
		if attempt < 1 {
			attempt = 1
		}
		if attempt > 5 {
			return serverErrorMaxWait
		}
		delay := serverErrorBase * time.Duration(1<<(attempt-1))
		if delay > serverErrorMaxWait {
			delay = serverErrorMaxWait
		}
		return delay
	}
	return 0
}

// WithRetry 对限流与服务端错误按退避重试，最多 maxAttempts 次
func WithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		info := IsRetryableError(err)
		if !info.Retryable || attempt == maxAttempts {
			return err
		}

		timer := time.NewTimer(CalculateRetryDelay(info, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// ShouldRequeue 判断 MQ 消息处理失败后是否重新入队
// Returns: (requeue, errorType)
func ShouldRequeue(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "duplicate key") {
		// 唯一约束冲突 - 不可重试（幂等性）
		return false, "duplicate_key"
	}

	if info := IsRetryableError(err); info.Retryable {
		if info.IsRateLimit {
			return true, "rate_limited"
		}
		return true, "server_error"
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true, "network_error"
	}

	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "conn closed") {
		return true, "db_connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
