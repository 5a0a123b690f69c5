package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/model"
	"inboxzero/internal/provider"
)

// historyLookback 无游标或游标过旧时最多回看的 history 数
const historyLookback = 500

// PubSubPush Pub/Sub push 请求体
type PubSubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotification data 字段解码后的内容
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// DecodeGmailNotification 解码 base64 的 data；historyId 可能是数字或字符串
func DecodeGmailNotification(data string) (GmailNotification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(data); err != nil {
			return GmailNotification{}, fmt.Errorf("decode pubsub data: %w", err)
		}
	}
	var payload struct {
		EmailAddress string          `json:"emailAddress"`
		HistoryID    json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return GmailNotification{}, fmt.Errorf("decode pubsub payload: %w", err)
	}
	id, err := strconv.ParseUint(strings.Trim(string(payload.HistoryID), `"`), 10, 64)
	if err != nil {
		return GmailNotification{}, fmt.Errorf("invalid history id %s: %w", payload.HistoryID, err)
	}
	return GmailNotification{EmailAddress: strings.ToLower(payload.EmailAddress), HistoryID: id}, nil
}

// ProcessGmail 处理一次 Gmail 推送：同步 history 并逐条处理
func (p *Processor) ProcessGmail(ctx context.Context, n GmailNotification) error {
	account, err := p.accounts.FindByEmail(ctx, n.EmailAddress)
	if err != nil {
		return fmt.Errorf("load account %s: %w", n.EmailAddress, err)
	}
	log := p.logger.With(
		zap.String("email_account_id", account.ID),
		zap.Uint64("history_id", n.HistoryID),
	)

	ep, err := p.Entitle(ctx, account)
	if err != nil {
		return err
	}
	hp, ok := ep.(provider.HistoryProvider)
	if !ok {
		return fmt.Errorf("%w: %s has no history api", provider.ErrUnsupportedProvider, ep.Name())
	}

	var last uint64
	if account.LastSyncedHistoryID != nil {
		last = *account.LastSyncedHistoryID
	}
	if last >= n.HistoryID {
		log.Debug("History already synced", zap.Uint64("last_synced_history_id", last))
		return nil
	}
	start := last
	if n.HistoryID > historyLookback && n.HistoryID-historyLookback > start {
		start = n.HistoryID - historyLookback
	}

	events, latest, err := hp.ListHistory(ctx, start)
	if errors.Is(err, provider.ErrHistoryExpired) {
		log.Warn("History expired, resetting cursor", zap.Uint64("start_history_id", start))
		_, err = p.accounts.AdvanceHistoryID(ctx, account.ID, n.HistoryID)
		return err
	}
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	p.applyHistory(ctx, ep, account, events)

	if latest < n.HistoryID {
		latest = n.HistoryID
	}
	if _, err := p.accounts.AdvanceHistoryID(ctx, account.ID, latest); err != nil {
		return fmt.Errorf("advance history cursor: %w", err)
	}
	return nil
}

func (p *Processor) applyHistory(ctx context.Context, ep provider.EmailProvider, account *model.EmailAccount, events []provider.HistoryEvent) {
	seen := map[string]bool{}
	for _, ev := range events {
		log := p.logger.With(
			zap.String("email_account_id", account.ID),
			zap.String("message_id", ev.MessageID),
			zap.String("history_type", string(ev.Type)),
		)
		switch ev.Type {
		case provider.HistoryMessageAdded:
			if seen[ev.MessageID] {
				continue
			}
			seen[ev.MessageID] = true
			if err := p.dispatch(ctx, ep, account, ev.MessageID, ev.ThreadID); err != nil {
				log.Error("Failed to process message", zap.Error(err))
			}
		case provider.HistoryLabelRemoved:
			p.labelRemoved(ctx, ep, account, ev)
		}
	}
}

func (p *Processor) labelRemoved(ctx context.Context, ep provider.EmailProvider, account *model.EmailAccount, ev provider.HistoryEvent) {
	msg, err := ep.GetMessage(ctx, ev.MessageID)
	if err != nil {
		// 邮件可能已被删除
		p.logger.Debug("Skip label removal, message unavailable",
			zap.String("email_account_id", account.ID),
			zap.String("message_id", ev.MessageID),
			zap.Error(err),
		)
		return
	}
	p.emitLearn(ctx, contractmq.LabelRemovedPayload{
		EmailAccountID: account.ID,
		MessageID:      ev.MessageID,
		ThreadID:       ev.ThreadID,
		LabelIDs:       ev.LabelIDs,
		Sender:         msg.SenderAddress(),
		OccurredAt:     time.Now(),
	})
}
