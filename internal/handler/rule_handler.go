package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxzero/internal/model"
	"inboxzero/internal/pipeline"
	"inboxzero/internal/provider"
	"inboxzero/internal/repository"
	"inboxzero/pkg/logger"
)

type RuleStore interface {
	ListByAccount(ctx context.Context, accountID string) ([]model.Rule, error)
	FindByID(ctx context.Context, accountID, ruleID string) (*model.Rule, error)
	Create(ctx context.Context, rule *model.Rule) error
	Update(ctx context.Context, rule *model.Rule) error
	SetFlags(ctx context.Context, accountID, ruleID string, enabled, automate *bool) error
	Delete(ctx context.Context, accountID, ruleID string) error
}

type RuleRunner interface {
	Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, opts pipeline.Options) (*pipeline.Result, error)
}

type ProviderFactory interface {
	ForAccount(ctx context.Context, account *model.EmailAccount) (provider.EmailProvider, error)
}

type RuleHandler struct {
	rules     RuleStore
	runner    RuleRunner
	providers ProviderFactory
	logger    *zap.Logger
}

func NewRuleHandler(rules RuleStore, runner RuleRunner, providers ProviderFactory, log *zap.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, runner: runner, providers: providers, logger: log}
}

type ruleRequest struct {
	Name         string         `json:"name" binding:"required"`
	Instructions string         `json:"instructions"`
	Enabled      *bool          `json:"enabled"`
	Automate     bool           `json:"automate"`
	Position     int            `json:"position"`
	Actions      []model.Action `json:"actions"`
}

func (r ruleRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	for _, a := range r.Actions {
		if !a.Type.Valid() {
			return errors.New("unknown action type: " + string(a.Type))
		}
		if a.Delay() < 0 {
			return errors.New("delayInMinutes must not be negative")
		}
		if a.Delay() > 0 && !a.Type.DelayEligible() {
			return errors.New(string(a.Type) + " cannot be delayed")
		}
	}
	return nil
}

func (r ruleRequest) apply(rule *model.Rule) {
	rule.Name = strings.TrimSpace(r.Name)
	rule.Instructions = r.Instructions
	rule.Enabled = r.Enabled == nil || *r.Enabled
	rule.Automate = r.Automate
	rule.Position = r.Position
	rule.Actions = r.Actions
}

// List handles GET /api/rules
func (h *RuleHandler) List(c *gin.Context) {
	rules, err := h.rules.ListByAccount(c.Request.Context(), currentAccount(c).ID)
	if err != nil {
		h.internalError(c, "Failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// Get handles GET /api/rules/:id
func (h *RuleHandler) Get(c *gin.Context) {
	rule, err := h.rules.FindByID(c.Request.Context(), currentAccount(c).ID, c.Param("id"))
	if err != nil {
		h.storeError(c, "Failed to load rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Create handles POST /api/rules
func (h *RuleHandler) Create(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &model.Rule{EmailAccountID: currentAccount(c).ID}
	req.apply(rule)
	if err := h.rules.Create(c.Request.Context(), rule); err != nil {
		h.storeError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// Update handles PUT /api/rules/:id
func (h *RuleHandler) Update(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &model.Rule{ID: c.Param("id"), EmailAccountID: currentAccount(c).ID}
	req.apply(rule)
	if err := h.rules.Update(c.Request.Context(), rule); err != nil {
		h.storeError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Toggle handles PATCH /api/rules/:id
func (h *RuleHandler) Toggle(c *gin.Context) {
	var req struct {
		Enabled  *bool `json:"enabled"`
		Automate *bool `json:"automate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Enabled == nil && req.Automate == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled or automate is required"})
		return
	}
	accountID := currentAccount(c).ID
	if err := h.rules.SetFlags(c.Request.Context(), accountID, c.Param("id"), req.Enabled, req.Automate); err != nil {
		h.storeError(c, "Failed to toggle rule", err)
		return
	}
	rule, err := h.rules.FindByID(c.Request.Context(), accountID, c.Param("id"))
	if err != nil {
		h.storeError(c, "Failed to load rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Delete handles DELETE /api/rules/:id
func (h *RuleHandler) Delete(c *gin.Context) {
	if err := h.rules.Delete(c.Request.Context(), currentAccount(c).ID, c.Param("id")); err != nil {
		h.storeError(c, "Failed to delete rule", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Test handles POST /api/rules/test：只选择规则和解析动作，不写库不执行
func (h *RuleHandler) Test(c *gin.Context) {
	var req struct {
		MessageID string `json:"messageId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messageId is required"})
		return
	}

	ctx := c.Request.Context()
	account := currentAccount(c)
	p, err := h.providers.ForAccount(ctx, account)
	if err != nil {
		h.internalError(c, "Failed to build provider", err)
		return
	}
	msg, err := p.GetMessage(ctx, req.MessageID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	res, err := h.runner.Run(ctx, p, account, msg, pipeline.Options{DryRun: true})
	if err != nil {
		h.internalError(c, "Failed to test rules", err)
		return
	}

	resp := gin.H{"matched": res.Rule != nil, "reason": res.Reason}
	if res.Rule != nil {
		actions := make([]model.Action, 0, len(res.ExecutedRule.Actions))
		for _, ea := range res.ExecutedRule.Actions {
			actions = append(actions, ea.Item)
		}
		resp["rule"] = gin.H{"id": res.Rule.ID, "name": res.Rule.Name}
		resp["actions"] = actions
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RuleHandler) storeError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
	case errors.Is(err, repository.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "a rule with this name already exists"})
	default:
		h.internalError(c, msg, err)
	}
}

func (h *RuleHandler) internalError(c *gin.Context, msg string, err error) {
	logger.WithTrace(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
