package provider

import (
	"context"
	"errors"
	"time"

	"inboxzero/internal/model"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported email provider")
	ErrMissingTokens       = errors.New("email account has no oauth tokens")
	// ErrHistoryExpired 起始 historyId 过旧，需要从当前位置重新开始
	ErrHistoryExpired = errors.New("history id expired")
)

// OutgoingEmail 发送、回复、转发、草稿共用的内容
type OutgoingEmail struct {
	To      string
	Cc      string
	Bcc     string
	Subject string
	Content string
}

// WatchResult 推送订阅信息
type WatchResult struct {
	SubscriptionID string
	ExpiresAt      time.Time
	HistoryID      uint64
}

// HistoryEventType Gmail history 记录类型
type HistoryEventType string

const (
	HistoryMessageAdded HistoryEventType = "messageAdded"
	HistoryLabelRemoved HistoryEventType = "labelRemoved"
)

// HistoryEvent 一条与消息相关的变更
type HistoryEvent struct {
	Type      HistoryEventType
	MessageID string
	ThreadID  string
	LabelIDs  []string
}

// EmailProvider 邮箱服务的统一操作
type EmailProvider interface {
	Name() string

	GetMessage(ctx context.Context, messageID string) (*model.ParsedMessage, error)
	GetThreadMessages(ctx context.Context, threadID string) ([]model.ParsedMessage, error)
	ListInboxMessages(ctx context.Context, limit int) ([]model.ParsedMessage, error)

	Archive(ctx context.Context, msg *model.ParsedMessage) error
	GetOrCreateLabel(ctx context.Context, name string) (string, error)
	GetLabelName(ctx context.Context, labelID string) (string, error)
	LabelMessage(ctx context.Context, messageID, labelID string) error
	MarkRead(ctx context.Context, messageID string) error
	MarkSpam(ctx context.Context, msg *model.ParsedMessage) error
	MoveToFolder(ctx context.Context, messageID, folderName, folderID string) error

	Reply(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) error
	Send(ctx context.Context, email OutgoingEmail) error
	Forward(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) error
	CreateDraft(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) (string, error)

	Watch(ctx context.Context) (*WatchResult, error)
	Unwatch(ctx context.Context, subscriptionID string) error
}

// HistoryProvider 支持增量 history 的邮箱（Gmail）
type HistoryProvider interface {
	EmailProvider
	ListHistory(ctx context.Context, startHistoryID uint64) ([]HistoryEvent, uint64, error)
}
