package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/model"
	"inboxzero/internal/pipeline"
	"inboxzero/internal/provider"
	"inboxzero/internal/provider/providertest"
	"inboxzero/internal/repository"
	"inboxzero/pkg/premium"
)

type memAccounts struct {
	mu       sync.Mutex
	byID     map[string]*model.EmailAccount
	cleared  []string
	advanced []uint64
}

func (m *memAccounts) FindByID(_ context.Context, id string) (*model.EmailAccount, error) {
	if a, ok := m.byID[id]; ok {
		return a, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memAccounts) FindByEmail(_ context.Context, email string) (*model.EmailAccount, error) {
	for _, a := range m.byID {
		if a.Email == email {
			return a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAccounts) FindBySubscriptionID(_ context.Context, subID string) (*model.EmailAccount, error) {
	for _, a := range m.byID {
		if a.WatchSubscriptionID != nil && *a.WatchSubscriptionID == subID {
			return a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAccounts) ClearWatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, id)
	return nil
}

func (m *memAccounts) AdvanceHistoryID(_ context.Context, _ string, h uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced = append(m.advanced, h)
	return true, nil
}

type countRules int

func (c countRules) CountEnabled(context.Context, string) (int, error) { return int(c), nil }

type staticFactory struct{ p provider.EmailProvider }

func (s staticFactory) ForAccount(context.Context, *model.EmailAccount) (provider.EmailProvider, error) {
	return s.p, nil
}

type recordingLock struct {
	mu       sync.Mutex
	keys     map[string]bool
	log      []string
	released []string
}

func newRecordingLock() *recordingLock { return &recordingLock{keys: map[string]bool{}} }

func (l *recordingLock) AcquireOnce(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, key)
	if l.keys[key] {
		return false
	}
	l.keys[key] = true
	return true
}

func (l *recordingLock) Release(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	l.released = append(l.released, key)
}

type staticExecuted struct{ exists bool }

func (s staticExecuted) Exists(context.Context, string, string, string) (bool, error) {
	return s.exists, nil
}

type recordingPipeline struct {
	mu   sync.Mutex
	msgs []string
	// failures 前 N 次调用返回 err
	failures int
	err      error
}

func (r *recordingPipeline) Run(_ context.Context, _ provider.EmailProvider, _ *model.EmailAccount, msg *model.ParsedMessage, opts pipeline.Options) (*pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.ID)
	if r.failures > 0 {
		r.failures--
		return nil, r.err
	}
	if !opts.AllowExecute {
		return nil, errors.New("webhook runs must allow execution")
	}
	return &pipeline.Result{}, nil
}

type published struct {
	key     string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, key string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{key, payload})
	return nil
}

type fakeLabelActions struct{ refs []repository.LabelActionRef }

func (f fakeLabelActions) FindLabelActions(context.Context, string, string) ([]repository.LabelActionRef, error) {
	return f.refs, nil
}

type fakeExclusions struct {
	mu    sync.Mutex
	added []string
}

func (f *fakeExclusions) AddExclusion(_ context.Context, ruleID, sender string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, ruleID+"|"+sender)
	return nil
}

type harness struct {
	proc       *Processor
	accounts   *memAccounts
	account    *model.EmailAccount
	provider   *providertest.Fake
	lock       *recordingLock
	pipeline   *recordingPipeline
	exclusions *fakeExclusions
}

type harnessOpts struct {
	rules    int
	exists   bool
	events   EventPublisher
	async    bool
	refs     []repository.LabelActionRef
	mutate   func(*model.EmailAccount)
	provider string
}

func newHarness(o harnessOpts) *harness {
	sub := "sub-1"
	account := &model.EmailAccount{
		ID:                  "acc-1",
		UserID:              "user-1",
		Email:               "me@example.com",
		Provider:            model.ProviderGoogle,
		AccessToken:         "at",
		RefreshToken:        "rt",
		PremiumTier:         premium.TierPro,
		AIAccess:            true,
		WatchSubscriptionID: &sub,
	}
	if o.mutate != nil {
		o.mutate(account)
	}
	h := &harness{
		accounts:   &memAccounts{byID: map[string]*model.EmailAccount{account.ID: account}},
		account:    account,
		provider:   providertest.New(),
		lock:       newRecordingLock(),
		pipeline:   &recordingPipeline{},
		exclusions: &fakeExclusions{},
	}
	if o.provider != "" {
		h.provider.ProviderName = o.provider
	}
	h.proc = NewProcessor(Deps{
		Accounts:    h.accounts,
		Rules:       countRules(o.rules),
		Providers:   staticFactory{p: h.provider},
		Lock:        h.lock,
		Executed:    staticExecuted{exists: o.exists},
		Pipeline:    h.pipeline,
		Learner:     NewLearner(fakeLabelActions{refs: o.refs}, h.exclusions, zap.NewNop()),
		Events:      o.events,
		Async:       o.async,
		ClientState: "secret-state",
		Logger:      zap.NewNop(),
	})
	return h
}

func (h *harness) addMessage(id string, labels ...string) {
	h.provider.AddMessage(&model.ParsedMessage{
		ID:       id,
		ThreadID: "thread-" + id,
		LabelIDs: labels,
		Headers:  model.MessageHeaders{From: "Sender <sender@example.com>", Subject: "Hi"},
	})
}

func TestDraftNeverTakesLock(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1, provider: model.ProviderMicrosoft})
	h.addMessage("m1", model.LabelDraft)

	err := h.proc.ProcessOutlook(context.Background(), OutlookNotification{
		SubscriptionID: "sub-1",
		ClientState:    "secret-state",
		Resource:       "Users/u/Messages/m1",
	})
	require.NoError(t, err)

	assert.Empty(t, h.lock.log)
	assert.Empty(t, h.pipeline.msgs)
}

func TestFolderFilter(t *testing.T) {
	tests := []struct {
		name     string
		labels   []string
		locked   bool
		pipeline bool
	}{
		{"inbox", []string{model.LabelInbox}, true, true},
		{"sent", []string{model.LabelSent}, true, false},
		{"sent draft", []string{model.LabelSent, model.LabelDraft}, false, false},
		{"trash", []string{model.LabelTrash}, false, false},
		{"no labels", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(harnessOpts{rules: 1})
			h.addMessage("m1", tt.labels...)

			require.NoError(t, h.proc.ProcessMessage(context.Background(), h.provider, h.account, "m1"))
			assert.Equal(t, tt.locked, len(h.lock.log) == 1)
			assert.Equal(t, tt.pipeline, len(h.pipeline.msgs) == 1)
		})
	}
}

func TestLockHeldIsNoop(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1})
	h.addMessage("m1", model.LabelInbox)
	ctx := context.Background()

	require.NoError(t, h.proc.ProcessMessage(ctx, h.provider, h.account, "m1"))
	require.NoError(t, h.proc.ProcessMessage(ctx, h.provider, h.account, "m1"))

	assert.Equal(t, []string{"processing:acc-1:m1", "processing:acc-1:m1"}, h.lock.log)
	assert.Equal(t, []string{"m1"}, h.pipeline.msgs)
}

func TestFailedRunReleasesLockForRedelivery(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1})
	h.addMessage("m1", model.LabelInbox)
	h.pipeline.failures = 1
	h.pipeline.err = errors.New("llm choose_rule: status 429 rate limit")
	ctx := context.Background()

	err := h.proc.ProcessMessage(ctx, h.provider, h.account, "m1")
	require.Error(t, err)
	assert.Equal(t, []string{"processing:acc-1:m1"}, h.lock.released)

	require.NoError(t, h.proc.ProcessMessage(ctx, h.provider, h.account, "m1"))
	assert.Equal(t, []string{"m1", "m1"}, h.pipeline.msgs)
	assert.Len(t, h.lock.released, 1)
}

func TestEntitlementFailureUnwatches(t *testing.T) {
	tests := []struct {
		name   string
		rules  int
		mutate func(*model.EmailAccount)
	}{
		{"free tier", 1, func(a *model.EmailAccount) { a.PremiumTier = premium.TierFree }},
		{"no ai access", 1, func(a *model.EmailAccount) { a.AIAccess = false }},
		{"no rules", 0, nil},
		{"no tokens", 1, func(a *model.EmailAccount) { a.AccessToken, a.RefreshToken = "", "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(harnessOpts{rules: tt.rules, mutate: tt.mutate})
			h.addMessage("m1", model.LabelInbox)

			err := h.proc.ProcessGmail(context.Background(), GmailNotification{EmailAddress: "me@example.com", HistoryID: 100})
			require.ErrorIs(t, err, ErrNotEntitled)

			assert.Equal(t, []string{"acc-1"}, h.accounts.cleared)
			assert.Empty(t, h.pipeline.msgs)
			if h.account.HasTokens() {
				assert.Equal(t, 1, h.provider.Called("Unwatch"))
			} else {
				assert.Equal(t, 0, h.provider.Called("Unwatch"))
			}
		})
	}
}

func TestProcessGmailHistory(t *testing.T) {
	last := uint64(950)
	h := newHarness(harnessOpts{rules: 2, mutate: func(a *model.EmailAccount) { a.LastSyncedHistoryID = &last }})
	h.addMessage("m1", model.LabelInbox)
	h.addMessage("m2", model.LabelInbox)
	h.provider.History = []provider.HistoryEvent{
		{Type: provider.HistoryMessageAdded, MessageID: "m1", ThreadID: "thread-m1"},
		{Type: provider.HistoryMessageAdded, MessageID: "m1", ThreadID: "thread-m1"},
		{Type: provider.HistoryMessageAdded, MessageID: "m2", ThreadID: "thread-m2"},
	}
	h.provider.LatestID = 1010

	require.NoError(t, h.proc.ProcessGmail(context.Background(), GmailNotification{EmailAddress: "me@example.com", HistoryID: 1000}))

	assert.ElementsMatch(t, []string{"m1", "m2"}, h.pipeline.msgs)
	assert.Equal(t, []uint64{1010}, h.accounts.advanced)
	calls := h.provider.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "ListHistory", calls[0].Method)
	assert.Equal(t, []string{"950"}, calls[0].Args)
}

func TestProcessGmailLookbackAndStaleNotification(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1})
	ctx := context.Background()

	require.NoError(t, h.proc.ProcessGmail(ctx, GmailNotification{EmailAddress: "me@example.com", HistoryID: 2000}))
	assert.Equal(t, []string{"1500"}, h.provider.Calls()[0].Args)

	synced := uint64(3000)
	h.account.LastSyncedHistoryID = &synced
	require.NoError(t, h.proc.ProcessGmail(ctx, GmailNotification{EmailAddress: "me@example.com", HistoryID: 2500}))
	assert.Equal(t, 1, h.provider.Called("ListHistory"))
}

func TestProcessGmailHistoryExpired(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1})
	h.provider.Errors["ListHistory"] = provider.ErrHistoryExpired

	require.NoError(t, h.proc.ProcessGmail(context.Background(), GmailNotification{EmailAddress: "me@example.com", HistoryID: 700}))
	assert.Equal(t, []uint64{700}, h.accounts.advanced)
}

func TestAsyncDispatchPublishes(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(harnessOpts{rules: 1, events: pub, async: true})
	h.provider.History = []provider.HistoryEvent{{Type: provider.HistoryMessageAdded, MessageID: "m1", ThreadID: "t1"}}

	require.NoError(t, h.proc.ProcessGmail(context.Background(), GmailNotification{EmailAddress: "me@example.com", HistoryID: 10}))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, contractmq.RoutingKeyMessageReceived, pub.msgs[0].key)
	assert.Equal(t, contractmq.MessageReceivedPayload{EmailAccountID: "acc-1", MessageID: "m1", ThreadID: "t1"}, pub.msgs[0].payload)
	assert.Empty(t, h.pipeline.msgs)
}

func TestProcessQueued(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1})
	h.addMessage("m1", model.LabelInbox)

	require.NoError(t, h.proc.ProcessQueued(context.Background(), contractmq.MessageReceivedPayload{EmailAccountID: "acc-1", MessageID: "m1"}))
	assert.Equal(t, []string{"m1"}, h.pipeline.msgs)
}

func TestExistingExecutedRuleLearnsInline(t *testing.T) {
	refs := []repository.LabelActionRef{
		{RuleID: "rule-news", Label: "Newsletter", LabelID: "Label_7"},
		{RuleID: "rule-keep", Label: "Receipts", LabelID: "Label_8"},
	}
	h := newHarness(harnessOpts{rules: 1, exists: true, refs: refs})
	h.addMessage("m1", model.LabelInbox, "Label_8")

	require.NoError(t, h.proc.ProcessMessage(context.Background(), h.provider, h.account, "m1"))
	h.proc.Wait()

	assert.Empty(t, h.pipeline.msgs)
	assert.Equal(t, []string{"rule-news|sender@example.com"}, h.exclusions.added)
}

func TestExistingExecutedRulePublishesLearnEvent(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(harnessOpts{rules: 1, exists: true, events: pub})
	h.addMessage("m1", model.LabelInbox)

	require.NoError(t, h.proc.ProcessMessage(context.Background(), h.provider, h.account, "m1"))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, contractmq.RoutingKeyLabelRemoved, pub.msgs[0].key)
	ev := pub.msgs[0].payload.(contractmq.LabelRemovedPayload)
	assert.Equal(t, "sender@example.com", ev.Sender)
	assert.Equal(t, []string{model.LabelInbox}, ev.CurrentLabelIDs)
}

func TestGmailLabelRemovedLearns(t *testing.T) {
	refs := []repository.LabelActionRef{{RuleID: "rule-news", Label: "Newsletter", LabelID: "Label_7"}}
	h := newHarness(harnessOpts{rules: 1, refs: refs})
	h.addMessage("m1", model.LabelInbox)
	h.provider.History = []provider.HistoryEvent{
		{Type: provider.HistoryLabelRemoved, MessageID: "m1", ThreadID: "thread-m1", LabelIDs: []string{"Label_7"}},
	}

	require.NoError(t, h.proc.ProcessGmail(context.Background(), GmailNotification{EmailAddress: "me@example.com", HistoryID: 10}))
	h.proc.Wait()

	assert.Equal(t, []string{"rule-news|sender@example.com"}, h.exclusions.added)
}

func TestOutlookClientState(t *testing.T) {
	h := newHarness(harnessOpts{rules: 1, provider: model.ProviderMicrosoft})
	h.addMessage("m1", model.LabelInbox)
	ctx := context.Background()

	err := h.proc.ProcessOutlook(ctx, OutlookNotification{SubscriptionID: "sub-1", ClientState: "wrong", Resource: "me/messages/m1"})
	assert.ErrorIs(t, err, ErrInvalidClientState)

	n := OutlookNotification{SubscriptionID: "sub-1", ClientState: "secret-state", Resource: "me/messages/ignored"}
	n.ResourceData.ID = "m1"
	require.NoError(t, h.proc.ProcessOutlook(ctx, n))
	assert.Equal(t, []string{"m1"}, h.pipeline.msgs)
}

func TestDecodeGmailNotification(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	n, err := DecodeGmailNotification(enc(`{"emailAddress":"Me@Example.com","historyId":12345}`))
	require.NoError(t, err)
	assert.Equal(t, GmailNotification{EmailAddress: "me@example.com", HistoryID: 12345}, n)

	n, err = DecodeGmailNotification(enc(`{"emailAddress":"me@example.com","historyId":"678"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(678), n.HistoryID)

	_, err = DecodeGmailNotification("%%%")
	assert.Error(t, err)

	_, err = DecodeGmailNotification(enc(`{"emailAddress":"me@example.com","historyId":"abc"}`))
	assert.Error(t, err)
}
