package webhook

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/repository"
	"inboxzero/pkg/logger"
)

type LabelActionFinder interface {
	FindLabelActions(ctx context.Context, accountID, messageID string) ([]repository.LabelActionRef, error)
}

type ExclusionStore interface {
	AddExclusion(ctx context.Context, ruleID, sender string) error
}

// Learner 用户移除规则打的标签时，记录该发件人不再匹配此规则
type Learner struct {
	actions    LabelActionFinder
	exclusions ExclusionStore
	logger     *zap.Logger
}

func NewLearner(actions LabelActionFinder, exclusions ExclusionStore, log *zap.Logger) *Learner {
	return &Learner{actions: actions, exclusions: exclusions, logger: log}
}

// Learn 返回新增的排除条数
func (l *Learner) Learn(ctx context.Context, p contractmq.LabelRemovedPayload) (int, error) {
	log := logger.ForMessage(ctx, l.logger, p.EmailAccountID, p.MessageID)
	if p.Sender == "" {
		log.Debug("Label removal without sender, skip")
		return 0, nil
	}

	refs, err := l.actions.FindLabelActions(ctx, p.EmailAccountID, p.MessageID)
	if err != nil {
		return 0, fmt.Errorf("find label actions: %w", err)
	}

	removed := make(map[string]bool, len(p.LabelIDs))
	for _, id := range p.LabelIDs {
		removed[strings.ToLower(id)] = true
	}
	var current map[string]bool
	if p.CurrentLabelIDs != nil {
		current = make(map[string]bool, len(p.CurrentLabelIDs))
		for _, id := range p.CurrentLabelIDs {
			current[strings.ToLower(id)] = true
		}
	}

	learned := 0
	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[ref.RuleID] || !wasRemoved(ref, removed, current) {
			continue
		}
		seen[ref.RuleID] = true
		if err := l.exclusions.AddExclusion(ctx, ref.RuleID, p.Sender); err != nil {
			return learned, fmt.Errorf("add exclusion: %w", err)
		}
		learned++
		log.Info("Learned rule exclusion",
			zap.String("rule_id", ref.RuleID),
			zap.String("label", ref.Label),
			zap.String("sender", p.Sender),
		)
	}
	return learned, nil
}

func wasRemoved(ref repository.LabelActionRef, removed, current map[string]bool) bool {
	keys := make([]string, 0, 2)
	for _, k := range []string{ref.LabelID, ref.Label} {
		if k != "" {
			keys = append(keys, strings.ToLower(k))
		}
	}
	for _, k := range keys {
		if removed[k] {
			return true
		}
	}
	if current == nil || len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if current[k] {
			return false
		}
	}
	return true
}
