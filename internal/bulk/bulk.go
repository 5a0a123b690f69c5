package bulk

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxzero/internal/model"
	"inboxzero/internal/pipeline"
	"inboxzero/internal/provider"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/premium"
)

const (
	DefaultLimit       = 50
	DefaultConcurrency = 3
)

type Pipeline interface {
	Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, msg *model.ParsedMessage, opts pipeline.Options) (*pipeline.Result, error)
}

type ExecutedRuleChecker interface {
	Exists(ctx context.Context, userID, threadID, messageID string) (bool, error)
}

type Options struct {
	Limit       int
	Concurrency int
	// Execute 为 false 时只记录计划，不执行动作
	Execute bool
}

type Summary struct {
	Listed    int
	Skipped   int
	Matched   int
	NoMatch   int
	Failed    int
	Scheduled int
}

type Runner struct {
	pipeline Pipeline
	executed ExecutedRuleChecker
	logger   *zap.Logger
}

func NewRunner(p Pipeline, executed ExecutedRuleChecker, log *zap.Logger) *Runner {
	return &Runner{pipeline: p, executed: executed, logger: log}
}

// Run 对收件箱最近的邮件批量跑规则，已有 ExecutedRule 的邮件跳过；单封失败不中断
func (r *Runner) Run(ctx context.Context, p provider.EmailProvider, account *model.EmailAccount, opts Options) (Summary, error) {
	var sum Summary
	if err := premium.CheckFeature(account.PremiumTier, premium.FeatureBulkRun); err != nil {
		return sum, err
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	msgs, err := p.ListInboxMessages(ctx, opts.Limit)
	if err != nil {
		return sum, fmt.Errorf("list inbox: %w", err)
	}
	sum.Listed = len(msgs)

	var skipped, matched, noMatch, failed, scheduled atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range msgs {
		msg := &msgs[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			log := logger.ForMessage(gctx, r.logger, account.ID, msg.ID)

			exists, err := r.executed.Exists(gctx, account.UserID, msg.ThreadID, msg.ID)
			if err != nil {
				log.Error("Failed to check executed rule", zap.Error(err))
				failed.Add(1)
				return nil
			}
			if exists {
				skipped.Add(1)
				return nil
			}

			res, err := r.pipeline.Run(gctx, p, account, msg, pipeline.Options{AllowExecute: opts.Execute})
			if err != nil {
				log.Error("Bulk run failed for message", zap.Error(err))
				failed.Add(1)
				return nil
			}
			if res.Rule == nil {
				noMatch.Add(1)
				return nil
			}
			matched.Add(1)
			scheduled.Add(int64(res.Scheduled))
			if res.ActionErr != nil {
				log.Warn("Some actions failed", zap.Error(res.ActionErr))
				failed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	sum.Skipped = int(skipped.Load())
	sum.Matched = int(matched.Load())
	sum.NoMatch = int(noMatch.Load())
	sum.Failed = int(failed.Load())
	sum.Scheduled = int(scheduled.Load())

	r.logger.Info("Bulk run finished",
		zap.String("email_account_id", account.ID),
		zap.Int("listed", sum.Listed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("matched", sum.Matched),
		zap.Int("no_match", sum.NoMatch),
		zap.Int("failed", sum.Failed),
		zap.Int("scheduled", sum.Scheduled),
		zap.Bool("execute", opts.Execute),
	)
	return sum, err
}
