package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "events"
	// DelayedExchangeName 依赖 rabbitmq_delayed_message_exchange 插件
	DelayedExchangeName = "events.delayed"
)

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

// DeclareDelayedExchange declares the x-delayed-message exchange used for scheduled callbacks.
func DeclareDelayedExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		DelayedExchangeName,
		"x-delayed-message",
		true,
		false,
		false,
		false,
		amqp091.Table{"x-delayed-type": "topic"},
	)
}

func declare(ch *amqp091.Channel, exchange string) error {
	if exchange == DelayedExchangeName {
		return DeclareDelayedExchange(ch)
	}
	return DeclareExchange(ch)
}
