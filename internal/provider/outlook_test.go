package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"inboxzero/internal/model"
	"inboxzero/pkg/util"
)

type graphStub struct {
	t   *testing.T
	mux *http.ServeMux
}

func newGraphStub(t *testing.T) *graphStub {
	s := &graphStub{t: t, mux: http.NewServeMux()}
	for name, id := range map[string]string{
		"inbox":        "F-INBOX",
		"sentitems":    "F-SENT",
		"drafts":       "F-DRAFTS",
		"deleteditems": "F-TRASH",
		"junkemail":    "F-JUNK",
	} {
		id := id
		s.mux.HandleFunc("/me/mailFolders/"+name, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
		})
	}
	return s
}

func (s *graphStub) provider() *OutlookProvider {
	srv := httptest.NewServer(s.mux)
	s.t.Cleanup(srv.Close)
	return NewOutlookProvider(srv.Client(), "me@example.com", OutlookOptions{
		BaseURL:         srv.URL,
		NotificationURL: "https://app.example.com/api/outlook/webhook",
		ClientState:     "secret-state",
	}, newProviderBreaker("graph-test"), zap.NewNop())
}

func TestOutlookGetMessageMapsFolders(t *testing.T) {
	stub := newGraphStub(t)
	stub.mux.HandleFunc("/me/messages/msg-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "msg-1",
			"conversationId": "conv-1",
			"subject": "Invoice",
			"bodyPreview": "Please pay",
			"from": {"emailAddress": {"name": "Billing", "address": "billing@acme.test"}},
			"toRecipients": [{"emailAddress": {"address": "me@example.com"}}],
			"receivedDateTime": "2024-05-01T10:00:00Z",
			"parentFolderId": "F-INBOX",
			"isRead": false,
			"categories": ["Finance"],
			"body": {"contentType": "html", "content": "<p>Please <b>pay</b></p>"}
		}`))
	})
	o := stub.provider()

	msg, err := o.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", msg.ThreadID)
	assert.Equal(t, "Billing <billing@acme.test>", msg.Headers.From)
	assert.Equal(t, "me@example.com", msg.Headers.To)
	assert.Equal(t, "Please **pay**", msg.Text)
	assert.ElementsMatch(t, []string{model.LabelInbox, model.LabelUnread, "Finance"}, msg.LabelIDs)
}

func TestOutlookDraftMessageGetsDraftLabel(t *testing.T) {
	stub := newGraphStub(t)
	stub.mux.HandleFunc("/me/messages/d1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"d1","parentFolderId":"F-DRAFTS","isRead":true,"isDraft":true,"body":{"contentType":"text","content":"x"}}`))
	})

	msg, err := stub.provider().GetMessage(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{model.LabelDraft}, msg.LabelIDs)
}

func TestOutlookErrorsCarryStatus(t *testing.T) {
	stub := newGraphStub(t)
	stub.mux.HandleFunc("/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"ErrorItemNotFound","message":"not found"}}`))
	})

	_, err := stub.provider().GetMessage(context.Background(), "gone")
	require.Error(t, err)
	info := util.IsRetryableError(err)
	assert.Equal(t, http.StatusNotFound, info.Status)
	assert.Equal(t, "ErrorItemNotFound", info.Reason)
	assert.False(t, info.Retryable)
}

func TestOutlookLabelMessageAppendsCategory(t *testing.T) {
	stub := newGraphStub(t)
	stub.mux.HandleFunc("/me/outlook/masterCategories/cat-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cat-1","displayName":"Receipts"}`))
	})
	var patched []string
	stub.mux.HandleFunc("/me/messages/msg-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			var body struct {
				Categories []string `json:"categories"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			patched = body.Categories
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"categories":["Finance"]}`))
	})

	require.NoError(t, stub.provider().LabelMessage(context.Background(), "msg-1", "cat-1"))
	assert.Equal(t, []string{"Finance", "Receipts"}, patched)
}

func TestOutlookWatchCreatesSubscription(t *testing.T) {
	stub := newGraphStub(t)
	stub.mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://app.example.com/api/outlook/webhook", body["notificationUrl"])
		assert.Equal(t, "secret-state", body["clientState"])
		assert.Equal(t, "created", body["changeType"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sub-1","expirationDateTime":"2030-01-01T00:00:00Z"}`))
	})

	res, err := stub.provider().Watch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", res.SubscriptionID)
	assert.Equal(t, 2030, res.ExpiresAt.Year())
}

func TestOutlookUnwatchIgnoresMissingSubscription(t *testing.T) {
	stub := newGraphStub(t)
	stub.mux.HandleFunc("/subscriptions/sub-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, stub.provider().Unwatch(context.Background(), "sub-1"))
}

func TestToRecipients(t *testing.T) {
	rs := toRecipients("Alice <a@example.com>, b@example.com, ")
	require.Len(t, rs, 2)
	assert.Equal(t, "a@example.com", rs[0].EmailAddress.Address)
	assert.Equal(t, "b@example.com", rs[1].EmailAddress.Address)
}

type recordingStore struct {
	calls []string
}

func (s *recordingStore) UpdateTokens(_ context.Context, id, access, _ string, _ *time.Time) error {
	s.calls = append(s.calls, id+":"+access)
	return nil
}

type sequenceSource struct {
	tokens []string
	i      int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	tok := &oauth2.Token{AccessToken: s.tokens[s.i], Expiry: time.Now().Add(time.Hour)}
	if s.i < len(s.tokens)-1 {
		s.i++
	}
	return tok, nil
}

func TestPersistingTokenSourceStoresRotatedTokens(t *testing.T) {
	store := &recordingStore{}
	ts := &persistingTokenSource{
		base:      &sequenceSource{tokens: []string{"old", "new", "new"}},
		accountID: "acc-1",
		last:      "old",
		store:     store,
		logger:    zap.NewNop(),
	}

	for i := 0; i < 3; i++ {
		_, err := ts.Token()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"acc-1:new"}, store.calls)
}

func TestFactoryRejectsUnknownProvider(t *testing.T) {
	f := &Factory{logger: zap.NewNop()}
	_, err := f.ForAccount(context.Background(), &model.EmailAccount{Provider: "yahoo", AccessToken: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = f.ForAccount(context.Background(), &model.EmailAccount{Provider: model.ProviderGoogle})
	assert.ErrorIs(t, err, ErrMissingTokens)
}
