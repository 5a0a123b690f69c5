package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/scheduler"
	"inboxzero/internal/webhook"
	"inboxzero/pkg/mq"
)

type Learner interface {
	Learn(ctx context.Context, p contractmq.LabelRemovedPayload) (int, error)
}

type ScheduledActionExecutor interface {
	Execute(ctx context.Context, scheduledActionID string) (scheduler.Outcome, error)
}

type QueuedProcessor interface {
	ProcessQueued(ctx context.Context, ev contractmq.MessageReceivedPayload) error
}

// Deps 三个 consumer 共享的重试依赖，Counter 与 DLQ 可为空
type Deps struct {
	Counter RetryCounter
	DLQ     DeadLetterPublisher
	Logger  *zap.Logger
}

func (d Deps) policy(name, routingKey string) *retryPolicy {
	return &retryPolicy{
		name:       name,
		routingKey: routingKey,
		counter:    d.Counter,
		dlq:        d.DLQ,
		logger:     d.Logger,
	}
}

// LabelRemovedHandler 消费 email.label_removed，学习排除规则
func LabelRemovedHandler(learner Learner, d Deps) mq.MessageHandler {
	return d.policy("learn", contractmq.RoutingKeyLabelRemoved).handler(func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p contractmq.LabelRemovedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("json_unmarshal_error: %w", err)
		}
		n, err := learner.Learn(ctx, p)
		if err != nil {
			return p.MessageID, err
		}
		if n > 0 {
			d.Logger.Info("Learned rule exclusions",
				zap.String("email_account_id", p.EmailAccountID),
				zap.String("message_id", p.MessageID),
				zap.Int("count", n),
			)
		}
		return p.MessageID, nil
	})
}

// ScheduledActionDueHandler 消费 scheduled_action.due（AMQP 延迟队列后端）
func ScheduledActionDueHandler(executor ScheduledActionExecutor, d Deps) mq.MessageHandler {
	return d.policy("scheduled_action", contractmq.RoutingKeyScheduledActionDue).handler(func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p contractmq.ScheduledActionDuePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("json_unmarshal_error: %w", err)
		}
		if p.ScheduledActionID == "" {
			return "", errors.New("missing scheduled_action_id")
		}
		outcome, err := executor.Execute(ctx, p.ScheduledActionID)
		if err != nil {
			return p.ScheduledActionID, err
		}
		d.Logger.Info("Scheduled action handled",
			zap.String("scheduled_action_id", p.ScheduledActionID),
			zap.String("outcome", string(outcome)),
		)
		return p.ScheduledActionID, nil
	})
}

// MessageReceivedHandler 消费 email.message_received，跑规则流水线
func MessageReceivedHandler(processor QueuedProcessor, d Deps) mq.MessageHandler {
	return d.policy("message_received", contractmq.RoutingKeyMessageReceived).handler(func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p contractmq.MessageReceivedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("json_unmarshal_error: %w", err)
		}
		id := p.EmailAccountID + ":" + p.MessageID
		err := processor.ProcessQueued(ctx, p)
		if errors.Is(err, webhook.ErrNotEntitled) {
			d.Logger.Info("Account not entitled, dropping message",
				zap.String("email_account_id", p.EmailAccountID),
				zap.String("message_id", p.MessageID),
				zap.Error(err),
			)
			return id, nil
		}
		return id, err
	})
}
