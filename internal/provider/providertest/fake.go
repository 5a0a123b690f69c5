// Package providertest 提供内存版 EmailProvider，供各包测试使用
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"inboxzero/internal/model"
	"inboxzero/internal/provider"
)

// Call 记录一次调用
type Call struct {
	Method string
	Args   []string
}

// Fake 内存邮箱，所有调用被记录
type Fake struct {
	ProviderName string
	Messages     map[string]*model.ParsedMessage
	History      []provider.HistoryEvent
	LatestID     uint64
	// Errors 按方法名注入错误
	Errors map[string]error

	mu     sync.Mutex
	calls  []Call
	labels map[string]string
	drafts int
}

func New() *Fake {
	return &Fake{
		ProviderName: model.ProviderGoogle,
		Messages:     map[string]*model.ParsedMessage{},
		Errors:       map[string]error{},
		labels:       map[string]string{},
	}
}

// AddMessage 加入一封邮件
func (f *Fake) AddMessage(m *model.ParsedMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages[m.ID] = m
}

func (f *Fake) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Args: args})
	return f.Errors[method]
}

// Calls 返回调用记录副本
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods 按调用顺序返回方法名
func (f *Fake) Methods() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// Called 方法被调用的次数
func (f *Fake) Called(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *Fake) Name() string {
	return f.ProviderName
}

func (f *Fake) GetMessage(_ context.Context, messageID string) (*model.ParsedMessage, error) {
	if err := f.record("GetMessage", messageID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	cp := *m
	return &cp, nil
}

func (f *Fake) GetThreadMessages(_ context.Context, threadID string) ([]model.ParsedMessage, error) {
	if err := f.record("GetThreadMessages", threadID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ParsedMessage
	for _, m := range f.Messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InternalDate.Before(out[j].InternalDate) })
	return out, nil
}

func (f *Fake) ListInboxMessages(_ context.Context, limit int) ([]model.ParsedMessage, error) {
	if err := f.record("ListInboxMessages"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ParsedMessage
	for _, m := range f.Messages {
		if m.HasLabel(model.LabelInbox) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListHistory(_ context.Context, startHistoryID uint64) ([]provider.HistoryEvent, uint64, error) {
	if err := f.record("ListHistory", fmt.Sprint(startHistoryID)); err != nil {
		return nil, 0, err
	}
	return f.History, f.LatestID, nil
}

func (f *Fake) Archive(_ context.Context, msg *model.ParsedMessage) error {
	return f.record("Archive", msg.ID)
}

func (f *Fake) GetOrCreateLabel(_ context.Context, name string) (string, error) {
	if err := f.record("GetOrCreateLabel", name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(name)
	if id, ok := f.labels[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("Label_%d", len(f.labels)+1)
	f.labels[key] = id
	return id, nil
}

// SetLabel 预置标签
func (f *Fake) SetLabel(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[strings.ToLower(name)] = id
}

func (f *Fake) GetLabelName(_ context.Context, labelID string) (string, error) {
	if err := f.record("GetLabelName", labelID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, id := range f.labels {
		if id == labelID {
			return name, nil
		}
	}
	return "", fmt.Errorf("label %s not found", labelID)
}

func (f *Fake) LabelMessage(_ context.Context, messageID, labelID string) error {
	return f.record("LabelMessage", messageID, labelID)
}

func (f *Fake) MarkRead(_ context.Context, messageID string) error {
	return f.record("MarkRead", messageID)
}

func (f *Fake) MarkSpam(_ context.Context, msg *model.ParsedMessage) error {
	return f.record("MarkSpam", msg.ID)
}

func (f *Fake) MoveToFolder(_ context.Context, messageID, folderName, folderID string) error {
	return f.record("MoveToFolder", messageID, folderName, folderID)
}

func (f *Fake) Reply(_ context.Context, msg *model.ParsedMessage, email provider.OutgoingEmail) error {
	return f.record("Reply", msg.ID, email.Content)
}

func (f *Fake) Send(_ context.Context, email provider.OutgoingEmail) error {
	return f.record("Send", email.To, email.Subject, email.Content)
}

func (f *Fake) Forward(_ context.Context, msg *model.ParsedMessage, email provider.OutgoingEmail) error {
	return f.record("Forward", msg.ID, email.To)
}

func (f *Fake) CreateDraft(_ context.Context, msg *model.ParsedMessage, email provider.OutgoingEmail) (string, error) {
	if err := f.record("CreateDraft", msg.ID, email.Content); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts++
	return fmt.Sprintf("draft-%d", f.drafts), nil
}

func (f *Fake) Watch(_ context.Context) (*provider.WatchResult, error) {
	if err := f.record("Watch"); err != nil {
		return nil, err
	}
	return &provider.WatchResult{SubscriptionID: "sub-1", HistoryID: f.LatestID}, nil
}

func (f *Fake) Unwatch(_ context.Context, subscriptionID string) error {
	return f.record("Unwatch", subscriptionID)
}

var _ provider.HistoryProvider = (*Fake)(nil)
