package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"inboxzero/internal/ai"
	"inboxzero/internal/model"
	"inboxzero/internal/provider"
	"inboxzero/internal/scheduler"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/premium"
)

const noRuleReason = "No rule matched"

type RuleLister interface {
	ListEnabled(ctx context.Context, accountID, sender string) ([]model.Rule, error)
}

type Selector interface {
	ChooseRule(ctx context.Context, account *model.EmailAccount, msg *model.ParsedMessage, rules []model.Rule) (*ai.Selection, error)
}

type ArgsResolver interface {
	ActionItems(ctx context.Context, account *model.EmailAccount, msg *model.ParsedMessage, rule *model.Rule, threads ai.ThreadFetcher) ([]model.Action, error)
}

type ExecutedRuleStore interface {
	Upsert(ctx context.Context, er *model.ExecutedRule) error
}

type ActionExecutor interface {
	Execute(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, er *model.ExecutedRule, actions []model.ExecutedAction) error
	Finalize(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, executedRuleID string) error
}

type Scheduler interface {
	Cancel(ctx context.Context, accountID, messageID, threadID, reason string) (int64, error)
	ScheduleAll(ctx context.Context, er *model.ExecutedRule, actions []model.Action) error
}

// Options 控制是否真正执行动作
type Options struct {
	// AllowExecute 为 false 时只记录计划
	AllowExecute bool
	// ForceExecute 忽略规则的 automate 开关
	ForceExecute bool
	// DryRun 不写库，只返回选择和解析结果
	DryRun bool
}

// Result 单封邮件的处理结果
type Result struct {
	ExecutedRule *model.ExecutedRule
	Rule         *model.Rule
	Reason       string
	Executed     bool
	Scheduled    int
	// ActionErr 动作或延迟调度的部分失败，记录已落库
	ActionErr error
}

type Runner struct {
	rules     RuleLister
	selector  Selector
	args      ArgsResolver
	executed  ExecutedRuleStore
	executor  ActionExecutor
	scheduler Scheduler
	logger    *zap.Logger
}

type Deps struct {
	Rules     RuleLister
	Selector  Selector
	Args      ArgsResolver
	Executed  ExecutedRuleStore
	Executor  ActionExecutor
	Scheduler Scheduler
	Logger    *zap.Logger
}

func NewRunner(d Deps) *Runner {
	return &Runner{
		rules:     d.Rules,
		selector:  d.Selector,
		args:      d.Args,
		executed:  d.Executed,
		executor:  d.Executor,
		scheduler: d.Scheduler,
		logger:    d.Logger,
	}
}

// Run 选择规则、解析动作、落库，然后按 allowExecute && (automate || force) 决定是否执行
func (r *Runner) Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, opts Options) (*Result, error) {
	log := logger.ForMessage(ctx, r.logger, account.ID, msg.ID)

	rules, err := r.rules.ListEnabled(ctx, account.ID, msg.SenderAddress())
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var sel *ai.Selection
	if len(rules) > 0 {
		sel, err = r.selector.ChooseRule(ctx, account, msg, rules)
		if err != nil {
			return nil, fmt.Errorf("choose rule: %w", err)
		}
	}

	er := &model.ExecutedRule{
		UserID:         account.UserID,
		EmailAccountID: account.ID,
		ThreadID:       msg.ThreadID,
		MessageID:      msg.ID,
	}

	if sel == nil || sel.Rule == nil {
		er.Status = model.ExecutedRuleSkipped
		er.Reason = noRuleReason
		if sel != nil && sel.Reason != "" {
			er.Reason = sel.Reason
		}
		log.Info("No rule applies", zap.String("reason", er.Reason))
		if !opts.DryRun {
			if err := r.executed.Upsert(ctx, er); err != nil {
				return nil, fmt.Errorf("record skipped rule: %w", err)
			}
		}
		return &Result{ExecutedRule: er, Reason: er.Reason}, nil
	}

	rule := sel.Rule
	items, err := r.args.ActionItems(ctx, account, msg, rule, p)
	if err != nil {
		return nil, fmt.Errorf("resolve actions: %w", err)
	}

	shouldExecute := opts.AllowExecute && (rule.Automate || opts.ForceExecute)

	er.RuleID = &rule.ID
	er.Status = model.ExecutedRulePending
	er.Reason = sel.Reason
	er.Automated = shouldExecute && !opts.ForceExecute
	er.Actions = make([]model.ExecutedAction, len(items))
	for i, item := range items {
		er.Actions[i] = model.ExecutedAction{Item: item}
	}

	res := &Result{ExecutedRule: er, Rule: rule, Reason: sel.Reason}
	if opts.DryRun {
		return res, nil
	}

	if err := r.executed.Upsert(ctx, er); err != nil {
		return nil, fmt.Errorf("record executed rule: %w", err)
	}
	log = log.With(zap.String("executed_rule_id", er.ID), zap.String("rule_id", rule.ID))

	if !shouldExecute {
		log.Info("Rule planned, not executing", zap.Bool("automate", rule.Automate), zap.Bool("allow_execute", opts.AllowExecute))
		return res, nil
	}

	if _, err := r.scheduler.Cancel(ctx, account.ID, msg.ID, msg.ThreadID, scheduler.DefaultCancelReason); err != nil {
		log.Warn("Failed to cancel earlier scheduled actions", zap.Error(err))
	}

	immediate, delayed := r.split(log, account, er.Actions)

	var errs []error
	if err := r.executor.Execute(ctx, p, account, msg, er, immediate); err != nil {
		errs = append(errs, err)
	}
	if err := r.executor.Finalize(ctx, p, account, msg, er.ID); err != nil {
		errs = append(errs, err)
	}
	er.Status = model.ExecutedRuleApplied
	res.Executed = true

	if len(delayed) > 0 {
		if err := r.scheduler.ScheduleAll(ctx, er, delayed); err != nil {
			log.Error("Failed to schedule delayed actions", zap.Error(err))
			errs = append(errs, err)
		}
		res.Scheduled = len(delayed)
	}

	res.ActionErr = errors.Join(errs...)
	log.Info("Rule executed",
		zap.Int("immediate_actions", len(immediate)),
		zap.Int("delayed_actions", len(delayed)),
		zap.Bool("partial_failure", res.ActionErr != nil),
	)
	return res, nil
}

// split 延迟动作需要套餐支持，不支持时立即执行
func (r *Runner) split(log *zap.Logger, account *model.EmailAccount, actions []model.ExecutedAction) ([]model.ExecutedAction, []model.Action) {
	canDelay := premium.HasFeature(account.PremiumTier, premium.FeatureDelayedActions)
	var (
		immediate []model.ExecutedAction
		delayed   []model.Action
	)
	for _, ea := range actions {
		if ea.Item.Delay() > 0 && ea.Item.Type.DelayEligible() {
			if canDelay {
				delayed = append(delayed, ea.Item)
				continue
			}
			log.Warn("Delayed actions not available on plan, executing now",
				zap.String("action_type", string(ea.Item.Type)),
				zap.String("premium_tier", account.PremiumTier),
			)
		}
		immediate = append(immediate, ea)
	}
	return immediate, delayed
}
