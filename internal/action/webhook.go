package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"inboxzero/internal/model"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookPayload CALL_WEBHOOK 请求体
type WebhookPayload struct {
	Email        WebhookEmail        `json:"email"`
	ExecutedRule WebhookExecutedRule `json:"executedRule"`
}

type WebhookEmail struct {
	ThreadID        string `json:"threadId"`
	MessageID       string `json:"messageId"`
	Subject         string `json:"subject"`
	From            string `json:"from"`
	Cc              string `json:"cc,omitempty"`
	Bcc             string `json:"bcc,omitempty"`
	HeaderMessageID string `json:"headerMessageId"`
}

type WebhookExecutedRule struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"ruleId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Automated bool      `json:"automated"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebhookCaller 调用用户配置的 webhook
type WebhookCaller struct {
	client *http.Client
	secret string
}

func NewWebhookCaller(client *http.Client, secret string) *WebhookCaller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookCaller{client: client, secret: secret}
}

// webhookStatusError 非 2xx 响应
type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return fmt.Sprintf("webhook responded with status %d", e.status)
}

func (e *webhookStatusError) HTTPStatus() int {
	return e.status
}

func NewWebhookPayload(msg *model.ParsedMessage, er *model.ExecutedRule) WebhookPayload {
	p := WebhookPayload{
		Email: WebhookEmail{
			ThreadID:        msg.ThreadID,
			MessageID:       msg.ID,
			Subject:         msg.Headers.Subject,
			From:            msg.Headers.From,
			Cc:              msg.Headers.Cc,
			Bcc:             msg.Headers.Bcc,
			HeaderMessageID: msg.Headers.MessageID,
		},
	}
	if er != nil {
		p.ExecutedRule = WebhookExecutedRule{
			ID:        er.ID,
			Reason:    er.Reason,
			Automated: er.Automated,
			CreatedAt: er.CreatedAt,
		}
		if er.RuleID != nil {
			p.ExecutedRule.RuleID = *er.RuleID
		}
	}
	return p
}

func (c *WebhookCaller) Call(ctx context.Context, url string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSecretHeader, c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &webhookStatusError{status: resp.StatusCode}
	}
	return nil
}
