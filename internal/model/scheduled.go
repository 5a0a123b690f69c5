package model

import (
	"fmt"
	"time"
)

type ScheduledActionStatus string

const (
	ScheduledPending   ScheduledActionStatus = "PENDING"
	ScheduledExecuting ScheduledActionStatus = "EXECUTING"
	ScheduledApplied   ScheduledActionStatus = "APPLIED"
	ScheduledFailed    ScheduledActionStatus = "FAILED"
	ScheduledCancelled ScheduledActionStatus = "CANCELLED"
)

// ScheduledAction 延迟执行的动作
type ScheduledAction struct {
	ID             string                `json:"id"`
	ExecutedRuleID string                `json:"executedRuleId"`
	EmailAccountID string                `json:"emailAccountId"`
	MessageID      string                `json:"messageId"`
	ThreadID       string                `json:"threadId"`
	Item           Action                `json:"item"`
	ScheduledFor   time.Time             `json:"scheduledFor"`
	Status         ScheduledActionStatus `json:"status"`
	ScheduledID    string                `json:"scheduledId,omitempty"`
	ErrorMessage   string                `json:"errorMessage,omitempty"`
	ExecutedAt     *time.Time            `json:"executedAt,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// DeduplicationID 队列去重 id
func (s ScheduledAction) DeduplicationID() string {
	return fmt.Sprintf("scheduled-action-%s", s.ID)
}
