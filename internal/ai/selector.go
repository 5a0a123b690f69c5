package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"inboxzero/internal/llm"
	"inboxzero/internal/model"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/metrics"
)

const needsMoreInfoOption = "None of the other rules match or not enough information to make a decision."

// ruleChoice 模型返回的结构
type ruleChoice struct {
	Rule   int    `json:"rule" description:"The number of the rule to apply"`
	Reason string `json:"reason,omitempty" description:"A concise reason for choosing the rule"`
}

// Selection 规则选择结果；Rule 为 nil 表示没有规则适用
type Selection struct {
	Rule      *model.Rule
	Reason    string
	NeedsInfo bool
}

type RuleSelector struct {
	llm    llm.Client
	schema jsonschema.Definition
	logger *zap.Logger
}

func NewRuleSelector(client llm.Client, log *zap.Logger) (*RuleSelector, error) {
	schema, err := jsonschema.GenerateSchemaForType(ruleChoice{})
	if err != nil {
		return nil, fmt.Errorf("rule choice schema: %w", err)
	}
	return &RuleSelector{llm: client, schema: *schema, logger: log}, nil
}

// ChooseRule 让模型从编号规则中选择一条。
// 返回 nil 表示没有决策（响应无法解析或编号越界）；error 仅用于模型调用失败。
func (s *RuleSelector) ChooseRule(ctx context.Context, account *model.EmailAccount, msg *model.ParsedMessage, rules []model.Rule) (*Selection, error) {
	log := logger.ForMessage(ctx, s.logger, account.ID, msg.ID)
	if len(rules) == 0 {
		return nil, nil
	}

	system := buildSelectorSystemPrompt(rules, account.About)
	user := buildSelectorUserPrompt(msg)

	content, err := s.llm.CompleteJSON(ctx, "choose_rule", system, user)
	if err != nil {
		return nil, err
	}

	var choice ruleChoice
	if err := jsonschema.VerifySchemaAndUnmarshal(s.schema, []byte(stripCodeFence(content)), &choice); err != nil {
		log.Warn("Invalid rule selection response", zap.String("content", truncate(content, 500)), zap.Error(err))
		metrics.IncrementRuleSelection("invalid")
		return nil, nil
	}

	sel := selectionFromNumber(choice.Rule, choice.Reason, rules)
	switch {
	case sel == nil:
		log.Warn("Rule number out of range", zap.Int("rule", choice.Rule), zap.Int("rules", len(rules)))
		metrics.IncrementRuleSelection("invalid")
	case sel.NeedsInfo:
		metrics.IncrementRuleSelection("needs_info")
	default:
		log.Info("Rule selected", zap.String("rule_id", sel.Rule.ID), zap.String("rule", sel.Rule.Name))
		metrics.IncrementRuleSelection("matched")
	}
	return sel, nil
}

// selectionFromNumber 1..N 对应规则，N+1 为“需要更多信息”，其他编号无效
func selectionFromNumber(n int, reason string, rules []model.Rule) *Selection {
	switch {
	case n >= 1 && n <= len(rules):
		return &Selection{Rule: &rules[n-1], Reason: reason}
	case n == len(rules)+1:
		return &Selection{Reason: reason, NeedsInfo: true}
	default:
		return nil
	}
}

func buildSelectorSystemPrompt(rules []model.Rule, about string) string {
	var b strings.Builder
	b.WriteString("You are an AI assistant that helps people manage their emails.\n")
	b.WriteString("It's better not to act if you don't know how.\n\n")
	b.WriteString("These are the rules you can select from:\n")
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(ruleDescription(r)))
	}
	fmt.Fprintf(&b, "%d. %s\n", len(rules)+1, needsMoreInfoOption)
	b.WriteString(userAboutBlock(about))
	b.WriteString(`
Respond with a JSON object with the following fields:
"rule" - the number of the rule you want to apply
"reason" - the reason you chose that rule. Keep it concise`)
	return b.String()
}

func buildSelectorUserPrompt(msg *model.ParsedMessage) string {
	return "This email was received for processing. Select a rule to apply to it.\n\n" +
		StringifyEmail(msg, maxEmailContentLength)
}

func ruleDescription(r model.Rule) string {
	if r.Instructions != "" {
		return r.Instructions
	}
	return r.Name
}
