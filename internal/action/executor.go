package action

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxzero/internal/model"
	"inboxzero/internal/provider"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/metrics"
	"inboxzero/pkg/premium"
)

var ErrUnknownAction = errors.New("unknown action type")

// ResultStore 回写动作结果与规则状态
type ResultStore interface {
	SetActionResult(ctx context.Context, executedActionID string, result model.ActionResult) error
	SetStatus(ctx context.Context, id string, status model.ExecutedRuleStatus) error
}

type Executor struct {
	store   ResultStore
	webhook *WebhookCaller
	logger  *zap.Logger
}

func NewExecutor(store ResultStore, webhook *WebhookCaller, log *zap.Logger) *Executor {
	return &Executor{store: store, webhook: webhook, logger: log}
}

// Execute 并发执行已解析的动作，单个失败不影响其他动作，错误合并返回
func (e *Executor) Execute(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, er *model.ExecutedRule, actions []model.ExecutedAction) error {
	log := logger.ForMessage(ctx, e.logger, account.ID, msg.ID)

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, ea := range actions {
		g.Go(func() error {
			result, err := e.Run(ctx, p, account, msg, er, ea.Item)
			if err != nil {
				log.Error("Action failed",
					zap.String("action_type", string(ea.Item.Type)),
					zap.String("executed_action_id", ea.ID),
					zap.Error(err),
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ea.Item.Type, err))
				mu.Unlock()
				return nil
			}
			if result != (model.ActionResult{}) && ea.ID != "" {
				if err := e.store.SetActionResult(ctx, ea.ID, result); err != nil {
					log.Warn("Failed to store action result", zap.String("executed_action_id", ea.ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run 执行单个动作
func (e *Executor) Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, er *model.ExecutedRule, a model.Action) (model.ActionResult, error) {
	result, err := e.run(ctx, p, account, msg, er, a)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncrementActionExecuted(string(a.Type), status)
	return result, err
}

func (e *Executor) run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, er *model.ExecutedRule, a model.Action) (model.ActionResult, error) {
	var result model.ActionResult

	switch a.Type {
	case model.ActionArchive:
		return result, p.Archive(ctx, msg)

	case model.ActionLabel:
		labelID := a.LabelID.Value()
		if labelID == "" {
			name := a.Label.Value()
			if name == "" {
				return result, errors.New("label action without label")
			}
			var err error
			if labelID, err = p.GetOrCreateLabel(ctx, name); err != nil {
				return result, err
			}
		}
		result.LabelID = labelID
		return result, p.LabelMessage(ctx, msg.ID, labelID)

	case model.ActionReply:
		return result, p.Reply(ctx, msg, provider.OutgoingEmail{
			Cc:      a.Cc.Value(),
			Bcc:     a.Bcc.Value(),
			Content: a.Content.Value(),
		})

	case model.ActionSendEmail:
		return result, p.Send(ctx, outgoing(a))

	case model.ActionForward:
		return result, p.Forward(ctx, msg, outgoing(a))

	case model.ActionDraftEmail:
		draftID, err := p.CreateDraft(ctx, msg, outgoing(a))
		if err != nil {
			return result, err
		}
		result.DraftID = draftID
		return result, nil

	case model.ActionMarkSpam:
		return result, p.MarkSpam(ctx, msg)

	case model.ActionMarkRead:
		return result, p.MarkRead(ctx, msg.ID)

	case model.ActionMoveFolder:
		if a.FolderID.Value() == "" && a.FolderName.Value() == "" {
			return result, errors.New("move folder action without folder")
		}
		return result, p.MoveToFolder(ctx, msg.ID, a.FolderName.Value(), a.FolderID.Value())

	case model.ActionCallWebhook:
		if err := premium.CheckFeature(account.PremiumTier, premium.FeatureWebhookActions); err != nil {
			return result, err
		}
		url := a.URL.Value()
		if url == "" {
			return result, errors.New("webhook action without url")
		}
		return result, e.webhook.Call(ctx, url, NewWebhookPayload(msg, er))
	}

	return result, fmt.Errorf("%w: %s", ErrUnknownAction, a.Type)
}

func outgoing(a model.Action) provider.OutgoingEmail {
	return provider.OutgoingEmail{
		To:      a.To.Value(),
		Cc:      a.Cc.Value(),
		Bcc:     a.Bcc.Value(),
		Subject: a.Subject.Value(),
		Content: a.Content.Value(),
	}
}

// Finalize 给消息打上已处理标签并将规则标记为 APPLIED；两步互不影响
func (e *Executor) Finalize(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, executedRuleID string) error {
	log := logger.ForMessage(ctx, e.logger, account.ID, msg.ID)

	var (
		mu   sync.Mutex
		errs []error
	)
	settle := func(step string, err error) {
		if err == nil {
			return
		}
		log.Error("Post-execution step failed", zap.String("step", step), zap.Error(err))
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		labelID, err := p.GetOrCreateLabel(ctx, model.ActedLabel)
		if err == nil {
			err = p.LabelMessage(ctx, msg.ID, labelID)
		}
		settle("label_acted", err)
		return nil
	})
	g.Go(func() error {
		settle("mark_applied", e.store.SetStatus(ctx, executedRuleID, model.ExecutedRuleApplied))
		return nil
	})
	_ = g.Wait()
	return errors.Join(errs...)
}
