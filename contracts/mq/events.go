package mq

import "time"

// 路由键
const (
	RoutingKeyLabelRemoved       = "email.label_removed"
	RoutingKeyScheduledActionDue = "scheduled_action.due"
	RoutingKeyMessageReceived    = "email.message_received"
)

// LabelRemovedPayload 用户移除了已处理邮件上的标签，用于学习排除规则。
// LabelIDs 为已知被移除的标签；CurrentLabelIDs 非空时，规则打过但已不在其中的标签也视为被移除
type LabelRemovedPayload struct {
	EmailAccountID  string    `json:"email_account_id"`
	MessageID       string    `json:"message_id"`
	ThreadID        string    `json:"thread_id"`
	LabelIDs        []string  `json:"label_ids,omitempty"`
	CurrentLabelIDs []string  `json:"current_label_ids,omitempty"`
	Sender          string    `json:"sender,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ScheduledActionDuePayload 延迟动作到期
type ScheduledActionDuePayload struct {
	ScheduledActionID string    `json:"scheduled_action_id"`
	EmailAccountID    string    `json:"email_account_id"`
	MessageID         string    `json:"message_id"`
	ScheduledFor      time.Time `json:"scheduled_for"`
}

// MessageReceivedPayload webhook 收到的新邮件，交给 worker 跑规则
type MessageReceivedPayload struct {
	EmailAccountID string `json:"email_account_id"`
	MessageID      string `json:"message_id"`
	ThreadID       string `json:"thread_id,omitempty"`
}
