package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxzero/internal/model"
	"inboxzero/internal/provider/providertest"
	"inboxzero/pkg/premium"
)

type fakeStore struct {
	mu        sync.Mutex
	results   map[string]model.ActionResult
	statuses  map[string]model.ExecutedRuleStatus
	statusErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{results: map[string]model.ActionResult{}, statuses: map[string]model.ExecutedRuleStatus{}}
}

func (s *fakeStore) SetActionResult(_ context.Context, id string, r model.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = r
	return nil
}

func (s *fakeStore) SetStatus(_ context.Context, id string, status model.ExecutedRuleStatus) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func testMsg() *model.ParsedMessage {
	return &model.ParsedMessage{
		ID:       "m1",
		ThreadID: "t1",
		LabelIDs: []string{model.LabelInbox},
		Headers:  model.MessageHeaders{From: "a@example.com", Subject: "Hello", MessageID: "<m1@x>"},
	}
}

func testAccount() *model.EmailAccount {
	return &model.EmailAccount{ID: "acc-1", Email: "me@example.com", PremiumTier: premium.TierBusiness}
}

func TestExecuteRunsAllActionsAndStoresResults(t *testing.T) {
	p := providertest.New()
	store := newFakeStore()
	exec := NewExecutor(store, NewWebhookCaller(nil, ""), zap.NewNop())

	actions := []model.ExecutedAction{
		{ID: "ea1", Item: model.Action{Type: model.ActionLabel, Label: model.Static("Receipts")}},
		{ID: "ea2", Item: model.Action{Type: model.ActionDraftEmail, Content: model.Static("Thanks!")}},
		{ID: "ea3", Item: model.Action{Type: model.ActionArchive}},
		{ID: "ea4", Item: model.Action{Type: model.ActionMarkRead}},
	}

	err := exec.Execute(context.Background(), p, testAccount(), testMsg(), &model.ExecutedRule{ID: "er1"}, actions)
	require.NoError(t, err)

	assert.Equal(t, 1, p.Called("LabelMessage"))
	assert.Equal(t, 1, p.Called("CreateDraft"))
	assert.Equal(t, 1, p.Called("Archive"))
	assert.Equal(t, 1, p.Called("MarkRead"))
	assert.Equal(t, "Label_1", store.results["ea1"].LabelID)
	assert.Equal(t, "draft-1", store.results["ea2"].DraftID)
	assert.NotContains(t, store.results, "ea3")
}

func TestExecuteFailureDoesNotBlockSiblings(t *testing.T) {
	p := providertest.New()
	p.Errors["Archive"] = errors.New("gmail 500")
	exec := NewExecutor(newFakeStore(), NewWebhookCaller(nil, ""), zap.NewNop())

	actions := []model.ExecutedAction{
		{ID: "ea1", Item: model.Action{Type: model.ActionArchive}},
		{ID: "ea2", Item: model.Action{Type: model.ActionMarkSpam}},
		{ID: "ea3", Item: model.Action{Type: "BOGUS"}},
	}

	err := exec.Execute(context.Background(), p, testAccount(), testMsg(), &model.ExecutedRule{ID: "er1"}, actions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gmail 500")
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, 1, p.Called("MarkSpam"))
}

func TestRunUsesExistingLabelID(t *testing.T) {
	p := providertest.New()
	exec := NewExecutor(newFakeStore(), nil, zap.NewNop())

	res, err := exec.Run(context.Background(), p, testAccount(), testMsg(), nil,
		model.Action{Type: model.ActionLabel, Label: model.Static("News"), LabelID: model.Static("Label_9")})
	require.NoError(t, err)
	assert.Equal(t, "Label_9", res.LabelID)
	assert.Zero(t, p.Called("GetOrCreateLabel"))
}

func TestRunValidatesRequiredFields(t *testing.T) {
	exec := NewExecutor(newFakeStore(), nil, zap.NewNop())
	ctx := context.Background()

	for _, a := range []model.Action{
		{Type: model.ActionLabel},
		{Type: model.ActionMoveFolder},
		{Type: model.ActionCallWebhook},
	} {
		_, err := exec.Run(ctx, providertest.New(), testAccount(), testMsg(), nil, a)
		assert.Error(t, err, a.Type)
	}
}

func TestCallWebhook(t *testing.T) {
	var got WebhookPayload
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(WebhookSecretHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exec := NewExecutor(newFakeStore(), NewWebhookCaller(srv.Client(), "s3cret"), zap.NewNop())
	ruleID := "rule-1"
	er := &model.ExecutedRule{ID: "er1", RuleID: &ruleID, Reason: "matched", Automated: true}

	_, err := exec.Run(context.Background(), providertest.New(), testAccount(), testMsg(), er,
		model.Action{Type: model.ActionCallWebhook, URL: model.Static(srv.URL)})
	require.NoError(t, err)

	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "m1", got.Email.MessageID)
	assert.Equal(t, "<m1@x>", got.Email.HeaderMessageID)
	assert.Equal(t, "rule-1", got.ExecutedRule.RuleID)
	assert.True(t, got.ExecutedRule.Automated)
}

func TestCallWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookCaller(srv.Client(), "").Call(context.Background(), srv.URL, WebhookPayload{})
	var statusErr *webhookStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.HTTPStatus())
}

func TestCallWebhookRequiresPlan(t *testing.T) {
	exec := NewExecutor(newFakeStore(), NewWebhookCaller(nil, ""), zap.NewNop())
	account := testAccount()
	account.PremiumTier = premium.TierPro

	_, err := exec.Run(context.Background(), providertest.New(), account, testMsg(), nil,
		model.Action{Type: model.ActionCallWebhook, URL: model.Static("http://127.0.0.1:1")})
	var denied *premium.FeatureDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestFinalizeIsAllSettled(t *testing.T) {
	p := providertest.New()
	p.Errors["LabelMessage"] = errors.New("label failed")
	store := newFakeStore()
	exec := NewExecutor(store, nil, zap.NewNop())

	err := exec.Finalize(context.Background(), p, testAccount(), testMsg(), "er1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label_acted")
	assert.Equal(t, model.ExecutedRuleApplied, store.statuses["er1"])

	p2 := providertest.New()
	store2 := newFakeStore()
	store2.statusErr = errors.New("db down")
	err = NewExecutor(store2, nil, zap.NewNop()).Finalize(context.Background(), p2, testAccount(), testMsg(), "er1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark_applied")
	assert.Equal(t, 1, p2.Called("LabelMessage"))
	assert.Equal(t, []string{"GetOrCreateLabel", "LabelMessage"}, p2.Methods())
}
