package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inboxzero/internal/model"
	"inboxzero/internal/provider"
	"inboxzero/internal/repository"
	"inboxzero/pkg/metrics"
)

var (
	ErrQueueUnavailable = errors.New("scheduled action queue is not configured")
	ErrNotDelayable     = errors.New("action type cannot be delayed")
	ErrInvalidDelay     = errors.New("delay must be greater than zero")
)

const DefaultCancelReason = "Superseded by new rule"

// Queue 延迟回调的投递方式
type Queue interface {
	// Enqueue 在 notBefore 之后触发回调，返回用于取消的消息 id
	Enqueue(ctx context.Context, sa *model.ScheduledAction, notBefore time.Time) (string, error)
	Cancel(ctx context.Context, sa *model.ScheduledAction) error
}

// tombstoneChecker 取消后仍可能被投递的队列需要实现
type tombstoneChecker interface {
	IsCancelled(ctx context.Context, scheduledActionID string) bool
}

type Store interface {
	Create(ctx context.Context, sa *model.ScheduledAction) error
	SetScheduledID(ctx context.Context, id, scheduledID string) error
	MarkFailed(ctx context.Context, id, message string) error
	MarkApplied(ctx context.Context, id string) error
	ListPending(ctx context.Context, accountID, messageID, threadID string) ([]model.ScheduledAction, error)
	CancelPending(ctx context.Context, ids []string, reason string) (int64, error)
	Claim(ctx context.Context, id string) (*model.ScheduledAction, error)
}

type AccountLoader interface {
	FindByID(ctx context.Context, id string) (*model.EmailAccount, error)
}

type ProviderFactory interface {
	ForAccount(ctx context.Context, account *model.EmailAccount) (provider.EmailProvider, error)
}

type ActionRunner interface {
	Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, er *model.ExecutedRule, a model.Action) (model.ActionResult, error)
}

// Outcome 回调执行结果
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

type Service struct {
	store     Store
	queue     Queue
	accounts  AccountLoader
	providers ProviderFactory
	runner    ActionRunner
	now       func() time.Time
	logger    *zap.Logger
}

type Deps struct {
	Store     Store
	Queue     Queue
	Accounts  AccountLoader
	Providers ProviderFactory
	Runner    ActionRunner
	Logger    *zap.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		queue:     d.Queue,
		accounts:  d.Accounts,
		providers: d.Providers,
		runner:    d.Runner,
		now:       time.Now,
		logger:    d.Logger,
	}
}

// Create 持久化并投递一个延迟动作；队列未配置时不写库直接失败
func (s *Service) Create(ctx context.Context, er *model.ExecutedRule, a model.Action) (*model.ScheduledAction, error) {
	if !a.Type.DelayEligible() {
		return nil, fmt.Errorf("%w: %s", ErrNotDelayable, a.Type)
	}
	if a.Delay() <= 0 {
		return nil, ErrInvalidDelay
	}
	if s.queue == nil {
		return nil, ErrQueueUnavailable
	}

	now := s.now()
	sa := &model.ScheduledAction{
		ExecutedRuleID: er.ID,
		EmailAccountID: er.EmailAccountID,
		MessageID:      er.MessageID,
		ThreadID:       er.ThreadID,
		Item:           a,
		ScheduledFor:   now.Add(time.Duration(a.Delay()) * time.Minute),
	}
	if err := s.store.Create(ctx, sa); err != nil {
		return nil, fmt.Errorf("create scheduled action: %w", err)
	}

	log := s.logger.With(
		zap.String("scheduled_action_id", sa.ID),
		zap.String("email_account_id", sa.EmailAccountID),
		zap.String("message_id", sa.MessageID),
	)

	scheduledID, err := s.queue.Enqueue(ctx, sa, sa.ScheduledFor)
	if err != nil {
		log.Error("Failed to enqueue scheduled action", zap.Error(err))
		if markErr := s.store.MarkFailed(ctx, sa.ID, err.Error()); markErr != nil {
			log.Error("Failed to mark scheduled action failed", zap.Error(markErr))
		}
		sa.Status = model.ScheduledFailed
		metrics.IncrementScheduledAction(string(model.ScheduledFailed))
		return nil, fmt.Errorf("enqueue scheduled action: %w", err)
	}

	sa.ScheduledID = scheduledID
	if err := s.store.SetScheduledID(ctx, sa.ID, scheduledID); err != nil {
		log.Warn("Failed to store queue message id", zap.Error(err))
	}
	metrics.IncrementScheduledAction(string(model.ScheduledPending))
	log.Info("Scheduled delayed action",
		zap.String("action_type", string(a.Type)),
		zap.Time("scheduled_for", sa.ScheduledFor),
	)
	return sa, nil
}

// ScheduleAll 为每个延迟动作创建调度，返回合并的错误
func (s *Service) ScheduleAll(ctx context.Context, er *model.ExecutedRule, actions []model.Action) error {
	var errs []error
	for _, a := range actions {
		if _, err := s.Create(ctx, er, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cancel 取消消息上所有 PENDING 的延迟动作；队列侧取消尽力而为
func (s *Service) Cancel(ctx context.Context, accountID, messageID, threadID, reason string) (int64, error) {
	if reason == "" {
		reason = DefaultCancelReason
	}
	pending, err := s.store.ListPending(ctx, accountID, messageID, threadID)
	if err != nil {
		return 0, fmt.Errorf("list pending scheduled actions: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(pending))
	for i := range pending {
		sa := &pending[i]
		ids = append(ids, sa.ID)
		if s.queue == nil {
			continue
		}
		if err := s.queue.Cancel(ctx, sa); err != nil {
			s.logger.Warn("Failed to cancel queued callback",
				zap.String("scheduled_action_id", sa.ID),
				zap.String("scheduled_id", sa.ScheduledID),
				zap.Error(err),
			)
		}
	}

	n, err := s.store.CancelPending(ctx, ids, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled actions: %w", err)
	}
	for i := int64(0); i < n; i++ {
		metrics.IncrementScheduledAction(string(model.ScheduledCancelled))
	}
	s.logger.Info("Cancelled scheduled actions",
		zap.String("email_account_id", accountID),
		zap.String("message_id", messageID),
		zap.Int64("count", n),
		zap.String("reason", reason),
	)
	return n, nil
}

// Execute 到期回调：原子地 PENDING→EXECUTING，未抢到则跳过
func (s *Service) Execute(ctx context.Context, scheduledActionID string) (Outcome, error) {
	log := s.logger.With(zap.String("scheduled_action_id", scheduledActionID))

	if tc, ok := s.queue.(tombstoneChecker); ok && tc.IsCancelled(ctx, scheduledActionID) {
		log.Info("Scheduled action cancelled, skip")
		return OutcomeSkipped, nil
	}

	sa, err := s.store.Claim(ctx, scheduledActionID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("Scheduled action no longer pending, skip")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim scheduled action: %w", err)
	}

	if err := s.run(ctx, sa); err != nil {
		log.Error("Scheduled action failed", zap.String("action_type", string(sa.Item.Type)), zap.Error(err))
		if markErr := s.store.MarkFailed(ctx, sa.ID, err.Error()); markErr != nil {
			log.Error("Failed to mark scheduled action failed", zap.Error(markErr))
		}
		metrics.IncrementScheduledAction(string(model.ScheduledFailed))
		return OutcomeFailed, nil
	}

	if err := s.store.MarkApplied(ctx, sa.ID); err != nil {
		return OutcomeApplied, fmt.Errorf("mark scheduled action applied: %w", err)
	}
	metrics.IncrementScheduledAction(string(model.ScheduledApplied))
	log.Info("Scheduled action applied", zap.String("action_type", string(sa.Item.Type)))
	return OutcomeApplied, nil
}

func (s *Service) run(ctx context.Context, sa *model.ScheduledAction) error {
	account, err := s.accounts.FindByID(ctx, sa.EmailAccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	p, err := s.providers.ForAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}
	msg, err := p.GetMessage(ctx, sa.MessageID)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}
	er := &model.ExecutedRule{
		ID:             sa.ExecutedRuleID,
		EmailAccountID: sa.EmailAccountID,
		ThreadID:       sa.ThreadID,
		MessageID:      sa.MessageID,
		Automated:      true,
	}
	_, err = s.runner.Run(ctx, p, account, msg, er, sa.Item)
	return err
}
