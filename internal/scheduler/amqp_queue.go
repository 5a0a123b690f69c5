package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/model"
)

const tombstoneTTL = 7 * 24 * time.Hour

// DelayedPublisher 延迟交换机发布
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, routingKey, messageID string, payload any, delay time.Duration) error
}

// AMQPQueue 通过 RabbitMQ 延迟交换机投递；AMQP 无法撤回消息，取消以 Redis 墓碑标记
type AMQPQueue struct {
	pub    DelayedPublisher
	rdb    *redis.Client
	now    func() time.Time
	logger *zap.Logger
}

func NewAMQPQueue(pub DelayedPublisher, rdb *redis.Client, logger *zap.Logger) *AMQPQueue {
	return &AMQPQueue{pub: pub, rdb: rdb, now: time.Now, logger: logger}
}

func TombstoneKey(scheduledActionID string) string {
	return fmt.Sprintf("scheduled_action:cancelled:%s", scheduledActionID)
}

func (q *AMQPQueue) Enqueue(ctx context.Context, sa *model.ScheduledAction, notBefore time.Time) (string, error) {
	delay := notBefore.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	payload := contractmq.ScheduledActionDuePayload{
		ScheduledActionID: sa.ID,
		EmailAccountID:    sa.EmailAccountID,
		MessageID:         sa.MessageID,
		ScheduledFor:      notBefore,
	}
	id := sa.DeduplicationID()
	if err := q.pub.PublishDelayed(ctx, contractmq.RoutingKeyScheduledActionDue, id, payload, delay); err != nil {
		return "", err
	}
	return id, nil
}

func (q *AMQPQueue) Cancel(ctx context.Context, sa *model.ScheduledAction) error {
	return q.rdb.Set(ctx, TombstoneKey(sa.ID), q.now().Unix(), tombstoneTTL).Err()
}

// IsCancelled Redis 不可用时返回 false，由数据库状态判断
func (q *AMQPQueue) IsCancelled(ctx context.Context, scheduledActionID string) bool {
	n, err := q.rdb.Exists(ctx, TombstoneKey(scheduledActionID)).Result()
	if err != nil {
		q.logger.Warn("Tombstone lookup failed", zap.String("scheduled_action_id", scheduledActionID), zap.Error(err))
		return false
	}
	return n > 0
}
