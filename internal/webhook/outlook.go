package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// OutlookNotification Graph 变更通知中的一项
type OutlookNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// OutlookNotifications 通知请求体
type OutlookNotifications struct {
	Value []OutlookNotification `json:"value"`
}

// MessageID 优先取 resourceData.id，否则取 resource 的最后一段
func (n OutlookNotification) MessageID() string {
	if n.ResourceData.ID != "" {
		return n.ResourceData.ID
	}
	if i := strings.LastIndex(n.Resource, "/"); i >= 0 {
		return n.Resource[i+1:]
	}
	return n.Resource
}

// ProcessOutlook 处理一条 Graph 通知
func (p *Processor) ProcessOutlook(ctx context.Context, n OutlookNotification) error {
	if p.clientState != "" && subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(p.clientState)) != 1 {
		p.logger.Warn("Outlook notification with invalid client state", zap.String("subscription_id", n.SubscriptionID))
		return ErrInvalidClientState
	}

	account, err := p.accounts.FindBySubscriptionID(ctx, n.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load account for subscription %s: %w", n.SubscriptionID, err)
	}

	ep, err := p.Entitle(ctx, account)
	if err != nil {
		return err
	}

	messageID := n.MessageID()
	if messageID == "" {
		return errors.New("notification without message id")
	}
	return p.dispatch(ctx, ep, account, messageID, "")
}
