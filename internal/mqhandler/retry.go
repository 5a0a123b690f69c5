package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"inboxzero/internal/repository"
	"inboxzero/pkg/mq"
	"inboxzero/pkg/util"
)

const maxRetries = 5 // 最大重试次数

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// retryPolicy 把处理结果转换为 consumer 的 ack/nack：返回 nil 即 ack
type retryPolicy struct {
	name       string
	routingKey string
	counter    RetryCounter
	dlq        DeadLetterPublisher
	logger     *zap.Logger
}

// handler 包装业务函数：解码失败、不可重试或超过最大重试次数时进 DLQ 并 ack
func (r *retryPolicy) handler(fn func(ctx context.Context, raw json.RawMessage) (string, error)) mq.MessageHandler {
	return func(ctx context.Context, raw json.RawMessage) (err error) {
		// Panic 恢复：毒消息直接进 DLQ
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Panic in message handler",
					zap.String("handler", r.name),
					zap.Any("panic", rec),
				)
				r.deadLetter(ctx, raw, fmt.Sprintf("panic: %v", rec))
				err = nil
			}
		}()

		id, err := fn(ctx, raw)
		return r.settle(ctx, id, raw, err)
	}
}

func (r *retryPolicy) settle(ctx context.Context, id string, raw json.RawMessage, err error) error {
	retryKey := util.FormatRetryKey(r.name, id)
	if err == nil {
		if id != "" && r.counter != nil {
			_ = r.counter.Reset(ctx, retryKey)
		}
		return nil
	}

	log := r.logger.With(zap.String("handler", r.name), zap.String("id", id))

	// 实体已不存在，重试没有意义
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("Entity not found, dropping message", zap.Error(err))
		return nil
	}

	requeue, errType := util.ShouldRequeue(err)
	if !requeue {
		log.Error("Non-retryable error, sending to DLQ",
			zap.String("error_type", errType),
			zap.Error(err),
		)
		r.deadLetter(ctx, raw, err.Error())
		return nil
	}

	var retryCount int64 = 1
	if r.counter != nil {
		n, cerr := r.counter.IncrementAndGet(ctx, retryKey)
		if cerr != nil {
			// Redis 错误不影响处理，按第一次处理
			log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		} else {
			retryCount = n
		}
	}

	if !util.ShouldRetry(retryCount, maxRetries, true) {
		log.Warn("Max retries exceeded, sending to DLQ",
			zap.String("error_type", errType),
			zap.Int64("retry_count", retryCount),
			zap.Error(err),
		)
		r.deadLetter(ctx, raw, err.Error())
		if r.counter != nil {
			_ = r.counter.Reset(ctx, retryKey)
		}
		return nil
	}

	log.Warn("Retryable error, requeueing",
		zap.String("error_type", errType),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)
	return err
}

func (r *retryPolicy) deadLetter(ctx context.Context, raw json.RawMessage, reason string) {
	if r.dlq == nil {
		return
	}
	if err := r.dlq.PublishToDLQ(ctx, r.routingKey, raw, reason); err != nil {
		r.logger.Error("Failed to publish to DLQ",
			zap.String("handler", r.name),
			zap.String("routing_key", r.routingKey),
			zap.Error(err),
		)
	}
}
