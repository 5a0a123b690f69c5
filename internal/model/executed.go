package model

import "time"

type ExecutedRuleStatus string

const (
	ExecutedRulePending ExecutedRuleStatus = "PENDING"
	ExecutedRuleApplied ExecutedRuleStatus = "APPLIED"
	ExecutedRuleSkipped ExecutedRuleStatus = "SKIPPED"
)

// ExecutedRule 每个 (user, thread, message) 一行
type ExecutedRule struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	EmailAccountID string             `json:"emailAccountId"`
	ThreadID       string             `json:"threadId"`
	MessageID      string             `json:"messageId"`
	RuleID         *string            `json:"ruleId,omitempty"`
	Status         ExecutedRuleStatus `json:"status"`
	Reason         string             `json:"reason"`
	Automated      bool               `json:"automated"`
	Actions        []ExecutedAction   `json:"actions"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// ExecutedAction 解析后的动作及执行结果
type ExecutedAction struct {
	ID             string `json:"id"`
	ExecutedRuleID string `json:"executedRuleId"`
	Item           Action `json:"item"`
	DraftID        string `json:"draftId,omitempty"`
}

// ActionResult 执行动作后回写的结果
type ActionResult struct {
	LabelID string
	DraftID string
}
