package model

import "time"

// Rule 账号下的一条自动化规则
type Rule struct {
	ID             string    `json:"id"`
	EmailAccountID string    `json:"emailAccountId"`
	Name           string    `json:"name"`
	Instructions   string    `json:"instructions"`
	Enabled        bool      `json:"enabled"`
	Automate       bool      `json:"automate"`
	SystemType     *string   `json:"systemType,omitempty"`
	Position       int       `json:"position"`
	Actions        []Action  `json:"actions"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
