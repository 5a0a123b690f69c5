package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName 消费失败的消息按原 routing key 投到这里
const DLQExchangeName = "inboxzero.dlq"

// DLQQueueName 每个 routing key 一个死信队列，便于按事件类型人工重放
func DLQQueueName(routingKey string) string {
	return routingKey + ".dlq"
}

func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(DLQExchangeName, "topic", true, false, false, false, nil)
}

// DeclareDLQQueue 声明并绑定 routingKey 对应的死信队列
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(DLQQueueName(routingKey), true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("declare dlq %s: %w", routingKey, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("bind dlq %s: %w", routingKey, err)
	}
	return q, nil
}

// DeclareDeadLetters 为 worker 消费的每个 routing key 准备死信队列
func (p *Publisher) DeclareDeadLetters(routingKeys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range routingKeys {
		if _, err := DeclareDLQQueue(p.channel, key); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter 保留原始消息体，失败原因与时间放在 header
func deadLetter(routingKey string, payload []byte, reason string, failedAt time.Time) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    failedAt,
		Headers: amqp091.Table{
			"x-original-routing-key": routingKey,
			"x-original-error":       reason,
			"x-failed-at":            failedAt.UTC().Format(time.RFC3339),
		},
	}
}

func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, reason string) error {
	return p.publish(ctx, DLQExchangeName, routingKey, deadLetter(routingKey, payload, reason, time.Now()))
}
