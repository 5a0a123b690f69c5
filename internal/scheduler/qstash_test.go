package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upstash/qstash-go"

	"inboxzero/internal/model"
)

const callbackURL = "https://app.example.com/api/scheduled-actions/execute"

type fakeQStash struct {
	published []qstash.PublishOptions
	cancelled []string
	err       error
}

func (f *fakeQStash) Publish(opts qstash.PublishOptions) (qstash.PublishOrEnqueueResponse, error) {
	f.published = append(f.published, opts)
	if f.err != nil {
		return qstash.PublishOrEnqueueResponse{}, f.err
	}
	return qstash.PublishOrEnqueueResponse{MessageId: "msg_123"}, nil
}

func (f *fakeQStash) Cancel(messageID string) error {
	f.cancelled = append(f.cancelled, messageID)
	if messageID == "gone" {
		return errors.New("message not found")
	}
	return f.err
}

func newTestQueue(f *fakeQStash) *QStashQueue {
	return &QStashQueue{publisher: f, messages: f, callbackURL: callbackURL}
}

func TestQStashEnqueue(t *testing.T) {
	f := &fakeQStash{}
	q := newTestQueue(f)

	notBefore := time.Unix(1717243200, 0)
	id, err := q.Enqueue(context.Background(), &model.ScheduledAction{ID: "sa-9"}, notBefore)
	require.NoError(t, err)
	assert.Equal(t, "msg_123", id)

	require.Len(t, f.published, 1)
	opts := f.published[0]
	assert.Equal(t, callbackURL, opts.Url)
	assert.Equal(t, int64(1717243200), opts.NotBefore)
	assert.Equal(t, "scheduled-action-sa-9", opts.DeduplicationId)

	var payload ExecutePayload
	require.NoError(t, json.Unmarshal([]byte(opts.Body), &payload))
	assert.Equal(t, "sa-9", payload.ScheduledActionID)
}

func TestQStashEnqueueError(t *testing.T) {
	f := &fakeQStash{err: errors.New("quota exceeded")}
	q := newTestQueue(f)

	_, err := q.Enqueue(context.Background(), &model.ScheduledAction{ID: "sa-1"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestQStashEnqueueCancelledContext(t *testing.T) {
	f := &fakeQStash{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestQueue(f).Enqueue(ctx, &model.ScheduledAction{ID: "sa-1"}, time.Now())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.published)
}

func TestQStashCancel(t *testing.T) {
	f := &fakeQStash{}
	q := newTestQueue(f)
	ctx := context.Background()

	require.NoError(t, q.Cancel(ctx, &model.ScheduledAction{ID: "sa-1", ScheduledID: "msg_1"}))
	require.NoError(t, q.Cancel(ctx, &model.ScheduledAction{ID: "sa-2", ScheduledID: "gone"}))
	require.NoError(t, q.Cancel(ctx, &model.ScheduledAction{ID: "sa-3"}))
	assert.Equal(t, []string{"msg_1", "gone"}, f.cancelled)

	f.err = errors.New("qstash unavailable")
	assert.Error(t, q.Cancel(ctx, &model.ScheduledAction{ID: "sa-4", ScheduledID: "msg_4"}))
}

type signedClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

func sign(t *testing.T, key, url string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims := signedClaims{
		Body: base64.URLEncoding.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "Upstash",
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestSignatureVerifier(t *testing.T) {
	body := []byte(`{"scheduledActionId":"sa-1"}`)
	v := NewSignatureVerifier("current", "next")

	t.Run("current key", func(t *testing.T) {
		assert.NoError(t, v.Verify(sign(t, "current", callbackURL, body), body, callbackURL))
	})

	t.Run("rotated key", func(t *testing.T) {
		assert.NoError(t, v.Verify(sign(t, "next", callbackURL, body), body, callbackURL))
	})

	t.Run("unknown key", func(t *testing.T) {
		err := v.Verify(sign(t, "other", callbackURL, body), body, callbackURL)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong url", func(t *testing.T) {
		err := v.Verify(sign(t, "current", "https://evil.example.com", body), body, callbackURL)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := sign(t, "current", callbackURL, body)
		err := v.Verify(sig, []byte(`{"scheduledActionId":"sa-2"}`), callbackURL)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("missing signature", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify("", body, callbackURL), ErrInvalidSignature)
	})

	t.Run("no keys configured", func(t *testing.T) {
		empty := NewSignatureVerifier("", "")
		assert.ErrorIs(t, empty.Verify(sign(t, "current", callbackURL, body), body, callbackURL), ErrInvalidSignature)
	})
}
