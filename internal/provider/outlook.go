package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"inboxzero/internal/model"
	"inboxzero/pkg/circuitbreaker"
	"inboxzero/pkg/metrics"
	"inboxzero/pkg/util"
)

const (
	GraphBaseURL = "https://graph.microsoft.com/v1.0"

	graphMaxAttempts = 3
	// Graph 邮件订阅最长 4230 分钟
	graphSubscriptionTTL = 4230 * time.Minute
)

// 知名文件夹与标签的对应关系
var wellKnownFolders = map[string]string{
	"inbox":        model.LabelInbox,
	"sentitems":    model.LabelSent,
	"drafts":       model.LabelDraft,
	"deleteditems": model.LabelTrash,
	"junkemail":    model.LabelSpam,
}

// graphError Graph API 错误响应
type graphError struct {
	Status     int
	Code       string
	Message    string
	retryAfter time.Duration
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *graphError) HTTPStatus() int {
	return e.Status
}

func (e *graphError) Reason() string {
	return e.Code
}

func (e *graphError) RetryAfter() time.Duration {
	return e.retryAfter
}

// OutlookProvider Microsoft Graph 实现
type OutlookProvider struct {
	client          *http.Client
	baseURL         string
	email           string
	notificationURL string
	clientState     string
	cb              *circuitbreaker.CircuitBreaker
	logger          *zap.Logger

	mu      sync.Mutex
	folders map[string]string // folder id -> label
}

// OutlookOptions 订阅回调配置
type OutlookOptions struct {
	BaseURL         string
	NotificationURL string
	ClientState     string
}

func NewOutlookProvider(client *http.Client, email string, opts OutlookOptions, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) *OutlookProvider {
	base := opts.BaseURL
	if base == "" {
		base = GraphBaseURL
	}
	return &OutlookProvider{
		client:          client,
		baseURL:         strings.TrimRight(base, "/"),
		email:           email,
		notificationURL: opts.NotificationURL,
		clientState:     opts.ClientState,
		cb:              cb,
		logger:          logger,
	}
}

func (o *OutlookProvider) Name() string {
	return model.ProviderMicrosoft
}

// do 发送请求并解码响应；out 为 nil 时丢弃响应体
func (o *OutlookProvider) do(ctx context.Context, operation, method, path string, body, out any) error {
	start := time.Now()
	err := util.WithRetry(ctx, graphMaxAttempts, func() error {
		return o.cb.Execute(func() error {
			return o.roundTrip(ctx, method, path, body, out)
		})
	})
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderCall(model.ProviderMicrosoft, operation, status, time.Since(start))
	if err != nil {
		return fmt.Errorf("graph %s: %w", operation, err)
	}
	return nil
}

func (o *OutlookProvider) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeGraphError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeGraphError(resp *http.Response) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &payload)

	e := &graphError{
		Status:  resp.StatusCode,
		Code:    payload.Error.Code,
		Message: payload.Error.Message,
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(data))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.retryAfter = time.Duration(secs) * time.Second
	}
	return e
}

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversationId"`
	Subject           string           `json:"subject"`
	BodyPreview       string           `json:"bodyPreview"`
	From              *graphRecipient  `json:"from"`
	ToRecipients      []graphRecipient `json:"toRecipients"`
	CcRecipients      []graphRecipient `json:"ccRecipients"`
	BccRecipients     []graphRecipient `json:"bccRecipients"`
	ReplyTo           []graphRecipient `json:"replyTo"`
	ReceivedDateTime  time.Time        `json:"receivedDateTime"`
	InternetMessageID string           `json:"internetMessageId"`
	ParentFolderID    string           `json:"parentFolderId"`
	IsRead            bool             `json:"isRead"`
	IsDraft           bool             `json:"isDraft"`
	Categories        []string         `json:"categories"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

const graphMessageSelect = "id,conversationId,subject,bodyPreview,from,toRecipients,ccRecipients,bccRecipients," +
	"replyTo,receivedDateTime,internetMessageId,parentFolderId,isRead,isDraft,categories,body"

func formatRecipient(r graphRecipient) string {
	if r.EmailAddress.Name == "" {
		return r.EmailAddress.Address
	}
	return fmt.Sprintf("%s <%s>", r.EmailAddress.Name, r.EmailAddress.Address)
}

func formatRecipients(rs []graphRecipient) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, formatRecipient(r))
	}
	return strings.Join(parts, ", ")
}

// toRecipients 将逗号分隔的地址转换为 Graph 收件人
func toRecipients(list string) []graphRecipient {
	var out []graphRecipient
	for _, part := range strings.Split(list, ",") {
		addr := model.ExtractEmailAddress(strings.TrimSpace(part))
		if addr == "" {
			continue
		}
		var r graphRecipient
		r.EmailAddress.Address = addr
		out = append(out, r)
	}
	return out
}

// folderLabels 解析知名文件夹 id，结果缓存在实例上
func (o *OutlookProvider) folderLabels(ctx context.Context) (map[string]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.folders != nil {
		return o.folders, nil
	}

	folders := make(map[string]string, len(wellKnownFolders))
	for name, label := range wellKnownFolders {
		var f struct {
			ID string `json:"id"`
		}
		if err := o.do(ctx, "mailFolders.get", http.MethodGet, "/me/mailFolders/"+name+"?$select=id", nil, &f); err != nil {
			return nil, err
		}
		folders[f.ID] = label
	}
	o.folders = folders
	return folders, nil
}

func (o *OutlookProvider) convert(ctx context.Context, m graphMessage) (model.ParsedMessage, error) {
	out := model.ParsedMessage{
		ID:           m.ID,
		ThreadID:     m.ConversationID,
		Snippet:      m.BodyPreview,
		InternalDate: m.ReceivedDateTime,
		Headers: model.MessageHeaders{
			To:        formatRecipients(m.ToRecipients),
			Cc:        formatRecipients(m.CcRecipients),
			Bcc:       formatRecipients(m.BccRecipients),
			ReplyTo:   formatRecipients(m.ReplyTo),
			Subject:   m.Subject,
			Date:      m.ReceivedDateTime.Format(time.RFC1123Z),
			MessageID: m.InternetMessageID,
		},
	}
	if m.From != nil {
		out.Headers.From = formatRecipient(*m.From)
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		out.HTML = m.Body.Content
		out.Text = HTMLToText(m.Body.Content)
	} else {
		out.Text = m.Body.Content
	}

	folders, err := o.folderLabels(ctx)
	if err != nil {
		return out, err
	}
	if label, ok := folders[m.ParentFolderID]; ok {
		out.LabelIDs = append(out.LabelIDs, label)
	}
	if m.IsDraft && !out.HasLabel(model.LabelDraft) {
		out.LabelIDs = append(out.LabelIDs, model.LabelDraft)
	}
	if !m.IsRead {
		out.LabelIDs = append(out.LabelIDs, model.LabelUnread)
	}
	out.LabelIDs = append(out.LabelIDs, m.Categories...)
	return out, nil
}

func (o *OutlookProvider) GetMessage(ctx context.Context, messageID string) (*model.ParsedMessage, error) {
	var m graphMessage
	path := "/me/messages/" + url.PathEscape(messageID) + "?$select=" + graphMessageSelect
	if err := o.do(ctx, "messages.get", http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	parsed, err := o.convert(ctx, m)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (o *OutlookProvider) listMessages(ctx context.Context, operation, path string) ([]model.ParsedMessage, error) {
	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := o.do(ctx, operation, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.ParsedMessage, 0, len(resp.Value))
	for _, m := range resp.Value {
		parsed, err := o.convert(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

func (o *OutlookProvider) GetThreadMessages(ctx context.Context, threadID string) ([]model.ParsedMessage, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(threadID, "'", "''")))
	q.Set("$select", graphMessageSelect)
	q.Set("$top", "50")
	msgs, err := o.listMessages(ctx, "messages.thread", "/me/messages?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// $filter 与 $orderby 组合受限，本地按时间排序
	sortByDate(msgs)
	return msgs, nil
}

func sortByDate(msgs []model.ParsedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].InternalDate.Before(msgs[j].InternalDate)
	})
}

func (o *OutlookProvider) ListInboxMessages(ctx context.Context, limit int) ([]model.ParsedMessage, error) {
	q := url.Values{}
	q.Set("$top", strconv.Itoa(limit))
	q.Set("$select", graphMessageSelect)
	q.Set("$orderby", "receivedDateTime desc")
	return o.listMessages(ctx, "messages.inbox", "/me/mailFolders/inbox/messages?"+q.Encode())
}

func (o *OutlookProvider) move(ctx context.Context, messageID, destination string) error {
	return o.do(ctx, "messages.move", http.MethodPost, "/me/messages/"+url.PathEscape(messageID)+"/move",
		map[string]string{"destinationId": destination}, nil)
}

func (o *OutlookProvider) Archive(ctx context.Context, msg *model.ParsedMessage) error {
	return o.move(ctx, msg.ID, "archive")
}

func (o *OutlookProvider) MarkSpam(ctx context.Context, msg *model.ParsedMessage) error {
	return o.move(ctx, msg.ID, "junkemail")
}

func (o *OutlookProvider) MarkRead(ctx context.Context, messageID string) error {
	return o.do(ctx, "messages.update", http.MethodPatch, "/me/messages/"+url.PathEscape(messageID),
		map[string]bool{"isRead": true}, nil)
}

func (o *OutlookProvider) MoveToFolder(ctx context.Context, messageID, folderName, folderID string) error {
	if folderID == "" {
		var err error
		if folderID, err = o.findOrCreateFolder(ctx, folderName); err != nil {
			return err
		}
	}
	return o.move(ctx, messageID, folderID)
}

func (o *OutlookProvider) findOrCreateFolder(ctx context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))
	var resp struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := o.do(ctx, "mailFolders.list", http.MethodGet, "/me/mailFolders?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Value) > 0 {
		return resp.Value[0].ID, nil
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := o.do(ctx, "mailFolders.create", http.MethodPost, "/me/mailFolders",
		map[string]string{"displayName": name}, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

type graphCategory struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}

// GetOrCreateLabel Outlook 用分类（category）表示标签
func (o *OutlookProvider) GetOrCreateLabel(ctx context.Context, name string) (string, error) {
	var resp struct {
		Value []graphCategory `json:"value"`
	}
	if err := o.do(ctx, "categories.list", http.MethodGet, "/me/outlook/masterCategories", nil, &resp); err != nil {
		return "", err
	}
	for _, c := range resp.Value {
		if strings.EqualFold(c.DisplayName, name) {
			return c.ID, nil
		}
	}
	var created graphCategory
	if err := o.do(ctx, "categories.create", http.MethodPost, "/me/outlook/masterCategories",
		graphCategory{DisplayName: name, Color: "preset0"}, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (o *OutlookProvider) GetLabelName(ctx context.Context, labelID string) (string, error) {
	var c graphCategory
	if err := o.do(ctx, "categories.get", http.MethodGet, "/me/outlook/masterCategories/"+url.PathEscape(labelID), nil, &c); err != nil {
		return "", err
	}
	return c.DisplayName, nil
}

func (o *OutlookProvider) LabelMessage(ctx context.Context, messageID, labelID string) error {
	name, err := o.GetLabelName(ctx, labelID)
	if err != nil {
		return err
	}
	var m struct {
		Categories []string `json:"categories"`
	}
	path := "/me/messages/" + url.PathEscape(messageID)
	if err := o.do(ctx, "messages.get", http.MethodGet, path+"?$select=categories", nil, &m); err != nil {
		return err
	}
	for _, c := range m.Categories {
		if strings.EqualFold(c, name) {
			return nil
		}
	}
	return o.do(ctx, "messages.update", http.MethodPatch, path,
		map[string][]string{"categories": append(m.Categories, name)}, nil)
}

func (o *OutlookProvider) Reply(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) error {
	body := map[string]any{"comment": email.Content}
	if extra := recipientsPatch(email); len(extra) > 0 {
		body["message"] = extra
	}
	return o.do(ctx, "messages.reply", http.MethodPost, "/me/messages/"+url.PathEscape(msg.ID)+"/reply", body, nil)
}

func recipientsPatch(email OutgoingEmail) map[string]any {
	patch := map[string]any{}
	if rs := toRecipients(email.To); len(rs) > 0 {
		patch["toRecipients"] = rs
	}
	if rs := toRecipients(email.Cc); len(rs) > 0 {
		patch["ccRecipients"] = rs
	}
	if rs := toRecipients(email.Bcc); len(rs) > 0 {
		patch["bccRecipients"] = rs
	}
	return patch
}

func (o *OutlookProvider) Send(ctx context.Context, email OutgoingEmail) error {
	message := recipientsPatch(email)
	message["subject"] = email.Subject
	message["body"] = map[string]string{"contentType": "Text", "content": email.Content}
	return o.do(ctx, "sendMail", http.MethodPost, "/me/sendMail", map[string]any{"message": message}, nil)
}

func (o *OutlookProvider) Forward(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) error {
	body := recipientsPatch(email)
	body["comment"] = email.Content
	return o.do(ctx, "messages.forward", http.MethodPost, "/me/messages/"+url.PathEscape(msg.ID)+"/forward", body, nil)
}

func (o *OutlookProvider) CreateDraft(ctx context.Context, msg *model.ParsedMessage, email OutgoingEmail) (string, error) {
	body := map[string]any{"comment": email.Content}
	if extra := recipientsPatch(email); len(extra) > 0 {
		body["message"] = extra
	}
	var draft struct {
		ID string `json:"id"`
	}
	if err := o.do(ctx, "messages.createReply", http.MethodPost, "/me/messages/"+url.PathEscape(msg.ID)+"/createReply", body, &draft); err != nil {
		return "", err
	}
	return draft.ID, nil
}

func (o *OutlookProvider) Watch(ctx context.Context) (*WatchResult, error) {
	expires := time.Now().Add(graphSubscriptionTTL).UTC()
	req := map[string]string{
		"changeType":         "created",
		"notificationUrl":    o.notificationURL,
		"resource":           "/me/messages",
		"expirationDateTime": expires.Format(time.RFC3339),
		"clientState":        o.clientState,
	}
	var resp struct {
		ID                 string    `json:"id"`
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}
	if err := o.do(ctx, "subscriptions.create", http.MethodPost, "/subscriptions", req, &resp); err != nil {
		return nil, err
	}
	return &WatchResult{SubscriptionID: resp.ID, ExpiresAt: resp.ExpirationDateTime}, nil
}

func (o *OutlookProvider) Unwatch(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}
	err := o.do(ctx, "subscriptions.delete", http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil, nil)
	if util.IsRetryableError(err).Status == http.StatusNotFound {
		return nil
	}
	return err
}
