package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

type statusErr struct {
	status int
	reason string
}

func (e *statusErr) Error() string   { return fmt.Sprintf("graph error %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }
func (e *statusErr) Reason() string  { return e.reason }

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		rateLimit bool
		serverErr bool
		retryable bool
	}{
		{"nil", nil, false, false, false},
		{"gmail 429", &googleapi.Error{Code: 429}, true, false, true},
		{"gmail 403 rate limit reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, true, false, true},
		{"gmail 403 quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, true, false, true},
		{"gmail 403 forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, false, false, false},
		{"gmail 502", &googleapi.Error{Code: 502}, false, true, true},
		{"gmail 503 wrapped", fmt.Errorf("get message: %w", &googleapi.Error{Code: 503}), false, true, true},
		{"gmail 500", &googleapi.Error{Code: 500}, false, false, false},
		{"graph 504", &statusErr{status: 504}, false, true, true},
		{"graph 403 rate limit reason", &statusErr{status: 403, reason: "rateLimitExceeded"}, true, false, true},
		{"openai 429", &openai.APIError{HTTPStatusCode: 429}, true, false, true},
		{"plain error", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := IsRetryableError(tt.err)
			assert.Equal(t, tt.rateLimit, info.IsRateLimit)
			assert.Equal(t, tt.serverErr, info.IsServerError)
			assert.Equal(t, tt.retryable, info.Retryable)
		})
	}
}

func TestCalculateRetryDelay(t *testing.T) {
	rate := RetryInfo{Retryable: true, IsRateLimit: true}
	server := RetryInfo{Retryable: true, IsServerError: true}

	for attempt := 1; attempt <= 6; attempt++ {
		assert.Equal(t, 30*time.Second, CalculateRetryDelay(rate, attempt))
	}

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		80 * time.Second,
		80 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, CalculateRetryDelay(server, i+1), "attempt %d", i+1)
	}

	assert.Equal(t, time.Duration(0), CalculateRetryDelay(RetryInfo{}, 1))
	assert.Equal(t, 7*time.Second, CalculateRetryDelay(RetryInfo{IsRateLimit: true, RetryAfter: 7 * time.Second}, 1))
}

func TestRetryAfterHeader(t *testing.T) {
	err := &googleapi.Error{Code: 429, Header: http.Header{"Retry-After": []string{"12"}}}
	info := IsRetryableError(err)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.Equal(t, 12*time.Second, CalculateRetryDelay(info, 3))
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, func() error {
		calls++
		return errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, 3, func() error {
		calls++
		return &googleapi.Error{Code: 503}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestShouldRequeue(t *testing.T) {
	badJSON := json.Unmarshal([]byte("{bad"), &map[string]any{})

	tests := []struct {
		err     error
		requeue bool
		errType string
	}{
		{badJSON, false, "json_decode_error"},
		{fmt.Errorf("load: %w", pgx.ErrNoRows), false, "not_found"},
		{&googleapi.Error{Code: 429}, true, "rate_limited"},
		{&googleapi.Error{Code: 503}, true, "server_error"},
		{context.DeadlineExceeded, true, "timeout"},
		{context.Canceled, false, "context_canceled"},
		{errors.New("whatever"), false, "unknown_error"},
	}
	for _, tt := range tests {
		requeue, errType := ShouldRequeue(tt.err)
		assert.Equal(t, tt.requeue, requeue, tt.errType)
		assert.Equal(t, tt.errType, errType)
	}
}
