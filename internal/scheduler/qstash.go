package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upstash/qstash-go"

	"inboxzero/internal/model"
	"inboxzero/pkg/config"
)

const SignatureHeader = "Upstash-Signature"

var ErrInvalidSignature = errors.New("invalid qstash signature")

// ExecutePayload 回调请求体
type ExecutePayload struct {
	ScheduledActionID string `json:"scheduledActionId"`
}

type qstashPublisher interface {
	Publish(opts qstash.PublishOptions) (qstash.PublishOrEnqueueResponse, error)
}

type qstashMessages interface {
	Cancel(messageID string) error
}

// QStashQueue 通过 Upstash QStash 投递 HTTP 回调
type QStashQueue struct {
	publisher   qstashPublisher
	messages    qstashMessages
	callbackURL string
}

func NewQStashQueue(cfg config.QStashConfig, callbackURL string) *QStashQueue {
	client := qstash.NewClient(cfg.Token)
	return &QStashQueue{
		publisher:   client,
		messages:    client.Messages(),
		callbackURL: callbackURL,
	}
}

func (q *QStashQueue) Enqueue(ctx context.Context, sa *model.ScheduledAction, notBefore time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := json.Marshal(ExecutePayload{ScheduledActionID: sa.ID})
	if err != nil {
		return "", err
	}
	res, err := q.publisher.Publish(qstash.PublishOptions{
		Url:             q.callbackURL,
		Body:            string(body),
		ContentType:     "application/json",
		NotBefore:       notBefore.Unix(),
		DeduplicationId: sa.DeduplicationID(),
	})
	if err != nil {
		return "", fmt.Errorf("qstash publish: %w", err)
	}
	return res.MessageId, nil
}

func (q *QStashQueue) Cancel(ctx context.Context, sa *model.ScheduledAction) error {
	if sa.ScheduledID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := q.messages.Cancel(sa.ScheduledID)
	if err != nil && isNotFound(err) {
		// 已投递或已删除
		return nil
	}
	if err != nil {
		return fmt.Errorf("qstash cancel: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

// SignatureVerifier 校验 QStash 回调签名，当前密钥失败时尝试下一把
type SignatureVerifier struct {
	receiver *qstash.Receiver
}

func NewSignatureVerifier(currentKey, nextKey string) *SignatureVerifier {
	if currentKey == "" && nextKey == "" {
		return &SignatureVerifier{}
	}
	if currentKey == "" {
		currentKey = nextKey
	}
	if nextKey == "" {
		nextKey = currentKey
	}
	return &SignatureVerifier{receiver: qstash.NewReceiver(currentKey, nextKey)}
}

// Verify url 为回调地址（sub），body 为原始请求体
func (v *SignatureVerifier) Verify(signature string, body []byte, url string) error {
	if signature == "" || v.receiver == nil {
		return ErrInvalidSignature
	}
	err := v.receiver.Verify(qstash.VerifyOptions{
		Signature: signature,
		Body:      string(body),
		Url:       url,
		Tolerance: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}
