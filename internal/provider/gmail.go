package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"inboxzero/internal/model"
	"inboxzero/pkg/circuitbreaker"
	"inboxzero/pkg/metrics"
	"inboxzero/pkg/util"
)

const (
	gmailUser        = "me"
	gmailMaxAttempts = 3
)

// GmailProvider Gmail API 实现，每个账号一个实例
type GmailProvider struct {
	svc    *gmail.Service
	email  string
	topic  string
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger

	mu     sync.Mutex
	labels map[string]string // lower(name) -> id
}

func NewGmailProvider(svc *gmail.Service, email, topic string, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) *GmailProvider {
	return &GmailProvider{
		svc:    svc,
		email:  email,
		topic:  topic,
		cb:     cb,
		logger: logger,
	}
}

func (g *GmailProvider) Name() string {
	return model.ProviderGoogle
}

// call 熔断 + 限流/5xx 退避重试 + 指标
func (g *GmailProvider) call(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := util.WithRetry(ctx, gmailMaxAttempts, func() error {
		return g.cb.Execute(fn)
	})
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderCall(model.ProviderGoogle, operation, status, time.Since(start))
	return err
}

func (g *GmailProvider) GetMessage(ctx context.Context, messageID string) (*model.ParsedMessage, error) {
	var msg *gmail.Message
	err := g.call(ctx, "messages.get", func() error {
		var apiErr error
		msg, apiErr = g.svc.Users.Messages.Get(gmailUser, messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	parsed := parseGmailMessage(msg)
	return &parsed, nil
}

func (g *GmailProvider) GetThreadMessages(ctx context.Context, threadID string) ([]model.ParsedMessage, error) {
	var thread *gmail.Thread
	err := g.call(ctx, "threads.get", func() error {
		var apiErr error
		thread, apiErr = g.svc.Users.Threads.Get(gmailUser, threadID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	out := make([]model.ParsedMessage, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		out = append(out, parseGmailMessage(m))
	}
	return out, nil
}

func (g *GmailProvider) ListInboxMessages(ctx context.Context, limit int) ([]model.ParsedMessage, error) {
	var resp *gmail.ListMessagesResponse
	err := g.call(ctx, "messages.list", func() error {
		var apiErr error
		resp, apiErr = g.svc.Users.Messages.List(gmailUser).
			LabelIds(model.LabelInbox).
			MaxResults(int64(limit)).
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}

	out := make([]model.ParsedMessage, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		m, err := g.GetMessage(ctx, ref.Id)
		if err != nil {
			g.logger.Warn("Failed to fetch inbox message", zap.String("message_id", ref.Id), zap.Error(err))
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// ListHistory 从 startHistoryID 起列出新增消息与移除标签事件，返回最新 historyId
func (g *GmailProvider) ListHistory(ctx context.Context, startHistoryID uint64) ([]HistoryEvent, uint64, error) {
	var events []HistoryEvent
	latest := startHistoryID
	pageToken := ""

	for {
		var resp *gmail.ListHistoryResponse
		err := g.call(ctx, "history.list", func() error {
			req := g.svc.Users.History.List(gmailUser).
				StartHistoryId(startHistoryID).
				HistoryTypes(string(HistoryMessageAdded), string(HistoryLabelRemoved)).
				MaxResults(500)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var apiErr error
			resp, apiErr = req.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
				return nil, 0, ErrHistoryExpired
			}
			return nil, 0, fmt.Errorf("list history: %w", err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				events = append(events, HistoryEvent{
					Type:      HistoryMessageAdded,
					MessageID: added.Message.Id,
					ThreadID:  added.Message.ThreadId,
					LabelIDs:  added.Message.LabelIds,
				})
			}
			for _, removed := range h.LabelsRemoved {
				if removed.Message == nil {
					continue
				}
				events = append(events, HistoryEvent{
					Type:      HistoryLabelRemoved,
					MessageID: removed.Message.Id,
					ThreadID:  removed.Message.ThreadId,
					LabelIDs:  removed.LabelIds,
				})
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return events, latest, nil
}

func (g *GmailProvider) modifyThread(ctx context.Context, operation, threadID string, add, remove []string) error {
	return g.call(ctx, operation, func() error {
		_, err := g.svc.Users.Threads.Modify(gmailUser, threadID, &gmail.ModifyThreadRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

func (g *GmailProvider) modifyMessage(ctx context.Context, operation, messageID string, add, remove []string) error {
	return g.call(ctx, operation, func() error {
		_, err := g.svc.Users.Messages.Modify(gmailUser, messageID, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

func (g *GmailProvider) Archive(ctx context.Context, msg *model.ParsedMessage) error {
	if msg.ThreadID == "" {
		return g.modifyMessage(ctx, "messages.modify", msg.ID, nil, []string{model.LabelInbox})
	}
	return g.modifyThread(ctx, "threads.modify", msg.ThreadID, nil, []string{model.LabelInbox})
}

func (g *GmailProvider) MarkSpam(ctx context.Context, msg *model.ParsedMessage) error {
	if msg.ThreadID == "" {
		return g.modifyMessage(ctx, "messages.modify", msg.ID, []string{model.LabelSpam}, []string{model.LabelInbox})
	}
	return g.modifyThread(ctx, "threads.modify", msg.ThreadID, []string{model.LabelSpam}, []string{model.LabelInbox})
}

func (g *GmailProvider) MarkRead(ctx context.Context, messageID string) error {
	return g.modifyMessage(ctx, "messages.modify", messageID, nil, []string{model.LabelUnread})
}

func (g *GmailProvider) LabelMessage(ctx context.Context, messageID, labelID string) error {
	return g.modifyMessage(ctx, "messages.modify", messageID, []string{labelID}, nil)
}

// MoveToFolder Gmail 没有文件夹：打上同名标签并移出收件箱
func (g *GmailProvider) MoveToFolder(ctx context.Context, messageID, folderName, folderID string) error {
	labelID := folderID
	if labelID == "" {
		var err error
		if labelID, err = g.GetOrCreateLabel(ctx, folderName); err != nil {
			return err
		}
	}
	return g.modifyMessage(ctx, "messages.modify", messageID, []string{labelID}, []string{model.LabelInbox})
}

func (g *GmailProvider) loadLabels(ctx context.Context) error {
	if g.labels != nil {
		return nil
	}
	var resp *gmail.ListLabelsResponse
	err := g.call(ctx, "labels.list", func() error {
		var apiErr error
		resp, apiErr = g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	g.labels = make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		g.labels[strings.ToLower(l.Name)] = l.Id
	}
	return nil
}

func (g *GmailProvider) GetOrCreateLabel(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.loadLabels(ctx); err != nil {
		return "", err
	}
	if id, ok := g.labels[strings.ToLower(name)]; ok {
		return id, nil
	}

	var created *gmail.Label
	err := g.call(ctx, "labels.create", func() error {
		var apiErr error
		created, apiErr = g.svc.Users.Labels.Create(gmailUser, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	g.labels[strings.ToLower(name)] = created.Id
	return created.Id, nil
}

func (g *GmailProvider) GetLabelName(ctx context.Context, labelID string) (string, error) {
	var label *gmail.Label
	err := g.call(ctx, "labels.get", func() error {
		var apiErr error
		label, apiErr = g.svc.Users.Labels.Get(gmailUser, labelID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("get label %s: %w", labelID, err)
	}
	return label.Name, nil
}

func (g *GmailProvider) send(ctx context.Context, raw []byte, threadID string) error {
	return g.call(ctx, "messages.send", func() error {
		_, err := g.svc.Users.Messages.Send(gmailUser, &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: threadID,
		}).Context(ctx).Do()
		return err
	})
}

func (g *GmailProvider) Reply(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) error {
	raw, err := BuildRawMessage(g.email, ReplyEmail(msg, email), msg)
	if err != nil {
		return err
	}
	return g.send(ctx, raw, msg.ThreadID)
}

func (g *GmailProvider) Send(ctx context.Context, email OutgoingEmail) error {
	raw, err := BuildRawMessage(g.email, email, nil)
	if err != nil {
		return err
	}
	return g.send(ctx, raw, "")
}

func (g *GmailProvider) Forward(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) error {
	raw, err := BuildRawMessage(g.email, ForwardEmail(msg, email), nil)
	if err != nil {
		return err
	}
	return g.send(ctx, raw, "")
}

func (g *GmailProvider) CreateDraft(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) (string, error) {
	raw, err := BuildRawMessage(g.email, ReplyEmail(msg, email), msg)
	if err != nil {
		return "", err
	}
	var draft *gmail.Draft
	err = g.call(ctx, "drafts.create", func() error {
		var apiErr error
		draft, apiErr = g.svc.Users.Drafts.Create(gmailUser, &gmail.Draft{
			Message: &gmail.Message{
				Raw:      base64.URLEncoding.EncodeToString(raw),
				ThreadId: msg.ThreadID,
			},
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("create draft: %w", err)
	}
	return draft.Id, nil
}

func (g *GmailProvider) Watch(ctx context.Context) (*WatchResult, error) {
	var resp *gmail.WatchResponse
	err := g.call(ctx, "users.watch", func() error {
		var apiErr error
		resp, apiErr = g.svc.Users.Watch(gmailUser, &gmail.WatchRequest{
			TopicName: g.topic,
			LabelIds:  []string{model.LabelInbox, model.LabelSent},
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &WatchResult{
		ExpiresAt: time.UnixMilli(resp.Expiration),
		HistoryID: resp.HistoryId,
	}, nil
}

func (g *GmailProvider) Unwatch(ctx context.Context, _ string) error {
	return g.call(ctx, "users.stop", func() error {
		return g.svc.Users.Stop(gmailUser).Context(ctx).Do()
	})
}

func parseGmailMessage(m *gmail.Message) model.ParsedMessage {
	out := model.ParsedMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		LabelIDs:     m.LabelIds,
		Snippet:      m.Snippet,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
	if m.Payload == nil {
		return out
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.Headers.From = h.Value
		case "to":
			out.Headers.To = h.Value
		case "cc":
			out.Headers.Cc = h.Value
		case "bcc":
			out.Headers.Bcc = h.Value
		case "reply-to":
			out.Headers.ReplyTo = h.Value
		case "subject":
			out.Headers.Subject = h.Value
		case "date":
			out.Headers.Date = h.Value
		case "message-id":
			out.Headers.MessageID = h.Value
		case "in-reply-to":
			out.Headers.InReplyTo = h.Value
		case "references":
			out.Headers.References = h.Value
		}
	}
	extractGmailBody(m.Payload, &out, 0)
	out.Text = fillText(out.Text, out.HTML)
	return out
}

const maxPartDepth = 10

func extractGmailBody(part *gmail.MessagePart, out *model.ParsedMessage, depth int) {
	if part == nil || depth > maxPartDepth {
		return
	}
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if out.Text == "" {
				out.Text = decodeBase64URL(part.Body.Data)
			}
		case "text/html":
			if out.HTML == "" {
				out.HTML = decodeBase64URL(part.Body.Data)
			}
		}
	}
	for _, p := range part.Parts {
		extractGmailBody(p, out, depth+1)
	}
}

func decodeBase64URL(s string) string {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(data)
	}
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return string(data)
	}
	return ""
}
