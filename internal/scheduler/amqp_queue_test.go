package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/model"
)

type capturedPublish struct {
	routingKey string
	messageID  string
	payload    any
	delay      time.Duration
}

type fakeDelayedPublisher struct {
	published []capturedPublish
}

func (f *fakeDelayedPublisher) PublishDelayed(_ context.Context, routingKey, messageID string, payload any, delay time.Duration) error {
	f.published = append(f.published, capturedPublish{routingKey, messageID, payload, delay})
	return nil
}

func TestAMQPQueueEnqueue(t *testing.T) {
	pub := &fakeDelayedPublisher{}
	q := NewAMQPQueue(pub, nil, zap.NewNop())
	q.now = func() time.Time { return fixedNow }

	sa := &model.ScheduledAction{ID: "sa-4", EmailAccountID: "acc-1", MessageID: "m1"}
	id, err := q.Enqueue(context.Background(), sa, fixedNow.Add(30*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "scheduled-action-sa-4", id)
	require.Len(t, pub.published, 1)
	got := pub.published[0]
	assert.Equal(t, contractmq.RoutingKeyScheduledActionDue, got.routingKey)
	assert.Equal(t, "scheduled-action-sa-4", got.messageID)
	assert.Equal(t, 30*time.Minute, got.delay)
	payload, ok := got.payload.(contractmq.ScheduledActionDuePayload)
	require.True(t, ok)
	assert.Equal(t, "sa-4", payload.ScheduledActionID)
}

func TestAMQPQueueEnqueuePastDue(t *testing.T) {
	pub := &fakeDelayedPublisher{}
	q := NewAMQPQueue(pub, nil, zap.NewNop())
	q.now = func() time.Time { return fixedNow }

	_, err := q.Enqueue(context.Background(), &model.ScheduledAction{ID: "sa-5"}, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), pub.published[0].delay)
}

func TestAMQPQueueTombstoneFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	q := NewAMQPQueue(&fakeDelayedPublisher{}, rdb, zap.NewNop())
	assert.False(t, q.IsCancelled(context.Background(), "sa-1"))
	assert.Equal(t, "scheduled_action:cancelled:sa-1", TombstoneKey("sa-1"))
}
