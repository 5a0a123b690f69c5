package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/model"
	"inboxzero/internal/pipeline"
	"inboxzero/internal/provider"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/metrics"
	"inboxzero/pkg/premium"
	"inboxzero/pkg/util"
)

var (
	ErrNotEntitled        = errors.New("account is not entitled to automated processing")
	ErrInvalidClientState = errors.New("notification client state mismatch")
)

type AccountStore interface {
	FindByID(ctx context.Context, id string) (*model.EmailAccount, error)
	FindByEmail(ctx context.Context, email string) (*model.EmailAccount, error)
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.EmailAccount, error)
	ClearWatch(ctx context.Context, id string) error
	AdvanceHistoryID(ctx context.Context, id string, historyID uint64) (bool, error)
}

type RuleCounter interface {
	CountEnabled(ctx context.Context, accountID string) (int, error)
}

type ProviderFactory interface {
	ForAccount(ctx context.Context, account *model.EmailAccount) (provider.EmailProvider, error)
}

// Locker 单封邮件的分布式处理锁
type Locker interface {
	AcquireOnce(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
}

type ExecutedRuleChecker interface {
	Exists(ctx context.Context, userID, threadID, messageID string) (bool, error)
}

type Pipeline interface {
	Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, opts pipeline.Options) (*pipeline.Result, error)
}

type EventPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Processor 推送通知到规则流水线之间的入口逻辑
type Processor struct {
	accounts    AccountStore
	rules       RuleCounter
	providers   ProviderFactory
	lock        Locker
	executed    ExecutedRuleChecker
	pipeline    Pipeline
	learner     *Learner
	events      EventPublisher
	async       bool
	clientState string
	inflight    sync.WaitGroup
	logger      *zap.Logger
}

type Deps struct {
	Accounts  AccountStore
	Rules     RuleCounter
	Providers ProviderFactory
	Lock      Locker
	Executed  ExecutedRuleChecker
	Pipeline  Pipeline
	Learner   *Learner
	// Events 为空时学习在后台 goroutine 中进行
	Events EventPublisher
	// Async 新邮件发布到 MQ，由 worker 跑规则
	Async bool
	// ClientState Graph 订阅的共享密钥
	ClientState string
	Logger      *zap.Logger
}

func NewProcessor(d Deps) *Processor {
	return &Processor{
		accounts:    d.Accounts,
		rules:       d.Rules,
		providers:   d.Providers,
		lock:        d.Lock,
		executed:    d.Executed,
		pipeline:    d.Pipeline,
		learner:     d.Learner,
		events:      d.Events,
		async:       d.Async && d.Events != nil,
		clientState: d.ClientState,
		logger:      d.Logger,
	}
}

// Wait 等待后台学习任务结束
func (p *Processor) Wait() {
	p.inflight.Wait()
}

// Entitle 校验账号是否可以自动处理；不满足时取消订阅并清理监听字段
func (p *Processor) Entitle(ctx context.Context, account *model.EmailAccount) (provider.EmailProvider, error) {
	reason, err := p.entitlementFailure(ctx, account)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		p.logger.Info("Account not entitled, unwatching",
			zap.String("email_account_id", account.ID),
			zap.String("reason", reason),
		)
		p.unwatch(ctx, account)
		return nil, fmt.Errorf("%w: %s", ErrNotEntitled, reason)
	}

	ep, err := p.providers.ForAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	return ep, nil
}

func (p *Processor) entitlementFailure(ctx context.Context, account *model.EmailAccount) (string, error) {
	if err := premium.CheckFeature(account.PremiumTier, premium.FeatureAIRules); err != nil {
		return "not_premium", nil
	}
	if !account.AIAccess {
		return "no_ai_access", nil
	}
	n, err := p.rules.CountEnabled(ctx, account.ID)
	if err != nil {
		return "", fmt.Errorf("count rules: %w", err)
	}
	if n == 0 {
		return "no_rules", nil
	}
	if !account.HasTokens() {
		return "no_tokens", nil
	}
	return "", nil
}

func (p *Processor) unwatch(ctx context.Context, account *model.EmailAccount) {
	log := p.logger.With(zap.String("email_account_id", account.ID))
	if account.HasTokens() {
		ep, err := p.providers.ForAccount(ctx, account)
		if err == nil {
			subID := ""
			if account.WatchSubscriptionID != nil {
				subID = *account.WatchSubscriptionID
			}
			err = ep.Unwatch(ctx, subID)
		}
		if err != nil {
			log.Warn("Failed to unwatch mailbox", zap.Error(err))
		}
	}
	if err := p.accounts.ClearWatch(ctx, account.ID); err != nil {
		log.Error("Failed to clear watch", zap.Error(err))
	}
}

// ProcessQueued worker 侧处理 MessageReceived 事件
func (p *Processor) ProcessQueued(ctx context.Context, ev contractmq.MessageReceivedPayload) error {
	account, err := p.accounts.FindByID(ctx, ev.EmailAccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	ep, err := p.Entitle(ctx, account)
	if err != nil {
		return err
	}
	return p.ProcessMessage(ctx, ep, account, ev.MessageID)
}

func (p *Processor) dispatch(ctx context.Context, ep provider.EmailProvider, account *model.EmailAccount, messageID, threadID string) error {
	if p.async {
		err := p.events.PublishWithContext(ctx, contractmq.RoutingKeyMessageReceived, contractmq.MessageReceivedPayload{
			EmailAccountID: account.ID,
			MessageID:      messageID,
			ThreadID:       threadID,
		})
		if err == nil {
			metrics.IncrementWebhookEvent(ep.Name(), "queued")
			return nil
		}
		p.logger.Warn("Failed to queue message, processing inline",
			zap.String("email_account_id", account.ID),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
	return p.ProcessMessage(ctx, ep, account, messageID)
}

// ProcessMessage 拉取邮件，过滤文件夹，加锁，然后跑规则
func (p *Processor) ProcessMessage(ctx context.Context, ep provider.EmailProvider, account *model.EmailAccount, messageID string) error {
	log := logger.ForMessage(ctx, p.logger, account.ID, messageID)
	outcome := "processed"
	defer func() {
		metrics.IncrementWebhookEvent(ep.Name(), outcome)
	}()

	msg, err := ep.GetMessage(ctx, messageID)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("fetch message: %w", err)
	}

	// 加锁前过滤，避免草稿事件占住锁导致发送事件被跳过
	inbox, sent := msg.HasLabel(model.LabelInbox), msg.HasLabel(model.LabelSent)
	if msg.HasLabel(model.LabelDraft) || (!inbox && !sent) {
		log.Debug("Message not in inbox or sent, skip", zap.Strings("label_ids", msg.LabelIDs))
		outcome = "ignored_folder"
		return nil
	}

	lockKey := util.ProcessingKey(account.ID, msg.ID)
	if !p.lock.AcquireOnce(ctx, lockKey) {
		outcome = "locked"
		return nil
	}
	// 出错时释放锁，让重投递的消息能再次处理
	release := func() { p.lock.Release(context.WithoutCancel(ctx), lockKey) }

	if sent && !inbox {
		log.Debug("Outbound message, skip rules")
		outcome = "outbound"
		return nil
	}

	exists, err := p.executed.Exists(ctx, account.UserID, msg.ThreadID, msg.ID)
	if err != nil {
		outcome = "error"
		release()
		return fmt.Errorf("check executed rule: %w", err)
	}
	if exists {
		log.Info("Message already processed, checking label changes")
		p.emitLearn(ctx, contractmq.LabelRemovedPayload{
			EmailAccountID:  account.ID,
			MessageID:       msg.ID,
			ThreadID:        msg.ThreadID,
			CurrentLabelIDs: nonNil(msg.LabelIDs),
			Sender:          msg.SenderAddress(),
			OccurredAt:      time.Now(),
		})
		outcome = "already_processed"
		return nil
	}

	res, err := p.pipeline.Run(ctx, ep, account, msg, pipeline.Options{AllowExecute: true})
	if err != nil {
		outcome = "error"
		release()
		return fmt.Errorf("run rules: %w", err)
	}
	if res.ActionErr != nil {
		log.Warn("Rule applied with failures", zap.Error(res.ActionErr))
	}
	return nil
}

// emitLearn 有 MQ 时交给 worker，否则后台执行
func (p *Processor) emitLearn(ctx context.Context, ev contractmq.LabelRemovedPayload) {
	if p.learner == nil {
		return
	}
	if p.events != nil {
		err := p.events.PublishWithContext(ctx, contractmq.RoutingKeyLabelRemoved, ev)
		if err == nil {
			return
		}
		p.logger.Warn("Failed to publish label removal, learning inline",
			zap.String("email_account_id", ev.EmailAccountID),
			zap.String("message_id", ev.MessageID),
			zap.Error(err),
		)
	}

	bg := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		if _, err := p.learner.Learn(bg, ev); err != nil {
			p.logger.Error("Failed to learn from label removal",
				zap.String("email_account_id", ev.EmailAccountID),
				zap.String("message_id", ev.MessageID),
				zap.Error(err),
			)
		}
	}()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
