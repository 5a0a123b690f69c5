package logger

import (
	"context"

	"go.uber.org/zap"

	"inboxzero/pkg/trace"
)

var Log *zap.Logger

// NewLogger 创建全局 logger，local 环境使用开发模式输出
func NewLogger(env string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if env == "local" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	Log = l
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// ForMessage 附加账号和邮件维度
func ForMessage(ctx context.Context, logger *zap.Logger, accountID, messageID string) *zap.Logger {
	return WithTrace(ctx, logger).With(
		zap.String("email_account_id", accountID),
		zap.String("message_id", messageID),
	)
}
