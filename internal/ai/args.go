package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"inboxzero/internal/llm"
	"inboxzero/internal/model"
	"inboxzero/pkg/logger"
)

const applyRuleTool = "apply_rule"

// ActionArgs 模型为单个动作生成的值
type ActionArgs struct {
	// Generated 整个字段由模型生成
	Generated map[model.Field]string
	// Vars 模板字段的 var1..varN
	Vars map[model.Field]map[string]string
}

// AIArgs 以动作 ID 为键
type AIArgs map[string]ActionArgs

// ThreadFetcher 生成完整草稿时读取线程
type ThreadFetcher interface {
	GetThreadMessages(ctx context.Context, threadID string) ([]model.ParsedMessage, error)
}

type ArgsGenerator struct {
	llm     llm.Client
	drafter *DraftGenerator
	logger  *zap.Logger
}

func NewArgsGenerator(client llm.Client, drafter *DraftGenerator, log *zap.Logger) *ArgsGenerator {
	return &ArgsGenerator{llm: client, drafter: drafter, logger: log}
}

// ActionItems 解析规则的动作：按需生成完整草稿与模型参数，再合并回动作
func (g *ArgsGenerator) ActionItems(ctx context.Context, account *model.EmailAccount, msg *model.ParsedMessage, rule *model.Rule, threads ThreadFetcher) ([]model.Action, error) {
	log := logger.ForMessage(ctx, g.logger, account.ID, msg.ID)

	actions := make([]model.Action, len(rule.Actions))
	for i, a := range rule.Actions {
		actions[i] = model.SanitizeActionFields(a)
	}

	var draft *string
	if needsFullDraft(actions) && g.drafter != nil {
		text, err := g.drafter.DraftForThread(ctx, account, msg, threads)
		if err != nil {
			// 草稿失败不阻塞其他动作
			log.Warn("Failed to generate draft", zap.Error(err))
		} else if text != "" {
			draft = &text
		}
	}

	var aiArgs AIArgs
	if anyNeedsAI(actions) {
		var err error
		aiArgs, err = g.Generate(ctx, account, msg, rule, actions)
		if err != nil {
			return nil, err
		}
	}

	return CombineActionsWithAIArgs(actions, aiArgs, draft), nil
}

// Generate 通过一次 tool call 生成所有动作需要的字段
func (g *ArgsGenerator) Generate(ctx context.Context, account *model.EmailAccount, msg *model.ParsedMessage, rule *model.Rule, actions []model.Action) (AIArgs, error) {
	params := BuildToolParameters(actions)
	if len(params.Properties) == 0 {
		return nil, nil
	}

	system := "You are an AI assistant that helps people manage their emails.\n" +
		"Never put placeholders in your email responses.\n" +
		"Do not mention you are an AI assistant when responding to people." +
		userAboutBlock(account.About)
	user := fmt.Sprintf("An email was received for processing and the following rule was selected to process it:\n"+
		"<rule>\n%s\n</rule>\n\nHandle the email.\n\n%s", ruleDescription(*rule), StringifyEmail(msg, maxEmailContentLength*2))

	raw, err := g.llm.CallTool(ctx, "choose_args", system, user, llm.Tool{
		Name:        applyRuleTool,
		Description: "Apply the rule with the given arguments.",
		Parameters:  params,
	})
	if err != nil {
		return nil, err
	}

	args, err := ParseAIArgs(raw, actions)
	if err != nil {
		return nil, fmt.Errorf("parse %s arguments: %w", applyRuleTool, err)
	}
	return args, nil
}

// ActionKey tool 参数中动作对应的属性名
func ActionKey(a model.Action) string {
	return fmt.Sprintf("%s-%s", a.Type, a.ID)
}

// BuildToolParameters 每个需要生成的动作一个对象；模板字段展开为 var1..varN
func BuildToolParameters(actions []model.Action) jsonschema.Definition {
	root := jsonschema.Definition{
		Type:       jsonschema.Object,
		Properties: map[string]jsonschema.Definition{},
	}

	for _, a := range actions {
		props := map[string]jsonschema.Definition{}
		var required []string

		for _, f := range model.AllFields {
			v := a.Get(f)
			switch v.Kind {
			case model.FieldGenerated:
				props[string(f)] = jsonschema.Definition{
					Type:        jsonschema.String,
					Description: fmt.Sprintf("The %s for the %s action.", f, strings.ToLower(string(a.Type))),
				}
			case model.FieldTemplate:
				ast := ParseTemplate(v.Text)
				if !ast.HasPlaceholders() {
					continue
				}
				vars := map[string]jsonschema.Definition{}
				var names []string
				for i, prompt := range ast.Prompts() {
					name := VarName(i + 1)
					vars[name] = jsonschema.Definition{Type: jsonschema.String, Description: prompt}
					names = append(names, name)
				}
				props[string(f)] = jsonschema.Definition{
					Type:        jsonschema.Object,
					Description: fmt.Sprintf("Values for the placeholders in this template: %s", ast.Reassemble()),
					Properties:  vars,
					Required:    names,
				}
			default:
				continue
			}
			required = append(required, string(f))
		}

		if len(props) == 0 {
			continue
		}
		key := ActionKey(a)
		root.Properties[key] = jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: props,
			Required:   required,
		}
		root.Required = append(root.Required, key)
	}
	return root
}

// ErrIncompleteArgs 模型遗漏了需要生成的字段或模板变量
var ErrIncompleteArgs = errors.New("model response is missing required arguments")

// ParseAIArgs 将 tool 参数 JSON 解析为按动作 ID 索引的值；
// 每个需要生成的字段和模板变量都必须返回，否则报错，不带空值或占位符执行
func ParseAIArgs(raw string, actions []model.Action) (AIArgs, error) {
	var payload map[string]map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &payload); err != nil {
		return nil, err
	}

	args := AIArgs{}
	for _, a := range actions {
		fields := payload[ActionKey(a)]
		entry := ActionArgs{
			Generated: map[model.Field]string{},
			Vars:      map[model.Field]map[string]string{},
		}
		for _, f := range model.AllFields {
			v := a.Get(f)
			if !v.NeedsAI() {
				continue
			}
			value, ok := fields[string(f)]
			if !ok {
				return nil, fmt.Errorf("%s.%s: %w", ActionKey(a), f, ErrIncompleteArgs)
			}
			switch v.Kind {
			case model.FieldGenerated:
				var s string
				if err := json.Unmarshal(value, &s); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", ActionKey(a), f, err)
				}
				if strings.TrimSpace(s) == "" {
					return nil, fmt.Errorf("%s.%s: empty value: %w", ActionKey(a), f, ErrIncompleteArgs)
				}
				entry.Generated[f] = s
			case model.FieldTemplate:
				var vars map[string]string
				if err := json.Unmarshal(value, &vars); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", ActionKey(a), f, err)
				}
				for i := range ParseTemplate(v.Text).Prompts() {
					if _, ok := vars[VarName(i+1)]; !ok {
						return nil, fmt.Errorf("%s.%s.%s: %w", ActionKey(a), f, VarName(i+1), ErrIncompleteArgs)
					}
				}
				entry.Vars[f] = vars
			}
		}
		if len(entry.Generated) > 0 || len(entry.Vars) > 0 {
			args[a.ID] = entry
		}
	}
	return args, nil
}

// CombineActionsWithAIArgs 用模型值与草稿填充动作；两者都为空时原样返回
func CombineActionsWithAIArgs(actions []model.Action, aiArgs AIArgs, draft *string) []model.Action {
	if aiArgs == nil && draft == nil {
		return actions
	}

	out := make([]model.Action, len(actions))
	for i, a := range actions {
		if args, ok := aiArgs[a.ID]; ok {
			for _, f := range model.AllFields {
				v := a.Get(f)
				switch v.Kind {
				case model.FieldGenerated:
					if s, ok := args.Generated[f]; ok {
						a.Set(f, model.Static(s))
					}
				case model.FieldTemplate:
					if vars, ok := args.Vars[f]; ok {
						a.Set(f, model.Static(MergeTemplateWithVars(ParseTemplate(v.Text).Reassemble(), vars)))
					}
				}
			}
		}
		if draft != nil && a.Type == model.ActionDraftEmail && !a.Content.IsSet() {
			a.Content = model.Static(*draft)
		}
		out[i] = a
	}
	return out
}

func needsFullDraft(actions []model.Action) bool {
	for _, a := range actions {
		if a.Type == model.ActionDraftEmail && !a.Content.IsSet() {
			return true
		}
	}
	return false
}

func anyNeedsAI(actions []model.Action) bool {
	for _, a := range actions {
		if a.NeedsAI() {
			return true
		}
	}
	return false
}
