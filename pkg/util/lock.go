package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProcessingLock 基于 SETNX 的分布式锁，到期自动释放
type ProcessingLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProcessingLock(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *ProcessingLock {
	return &ProcessingLock{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// ProcessingKey 单封邮件的处理锁 key
func ProcessingKey(accountID, messageID string) string {
	return fmt.Sprintf("processing:%s:%s", accountID, messageID)
}

// AcquireOnce tries to acquire the lock for key.
// returns true if this caller owns the key until it expires
// returns false if another caller already holds it
func (l *ProcessingLock) AcquireOnce(ctx context.Context, key string) bool {
	ok, err := l.rdb.SetNX(ctx, key, time.Now().Unix(), l.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，ExecutedRule 的唯一约束兜底
		l.logger.Warn("Redis lock failed, allowing processing",
			zap.String("lock_key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		l.logger.Info("Lock already held, skip",
			zap.String("lock_key", key),
		)
	}
	return ok
}

// Release 提前释放锁
func (l *ProcessingLock) Release(ctx context.Context, key string) {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		l.logger.Warn("Redis lock release failed", zap.String("lock_key", key), zap.Error(err))
	}
}
