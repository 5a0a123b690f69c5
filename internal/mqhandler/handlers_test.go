package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractmq "inboxzero/contracts/mq"
	"inboxzero/internal/repository"
	"inboxzero/internal/scheduler"
	"inboxzero/internal/webhook"
)

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemCounter() *memCounter { return &memCounter{counts: map[string]int64{}} }

func (m *memCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

type deadLetter struct {
	routingKey string
	payload    string
	reason     string
}

type memDLQ struct {
	mu   sync.Mutex
	sent []deadLetter
}

func (m *memDLQ) PublishToDLQ(_ context.Context, routingKey string, payload []byte, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, deadLetter{routingKey: routingKey, payload: string(payload), reason: reason})
	return nil
}

type fakeLearner struct {
	got   []contractmq.LabelRemovedPayload
	err   error
	panic bool
}

func (f *fakeLearner) Learn(_ context.Context, p contractmq.LabelRemovedPayload) (int, error) {
	if f.panic {
		panic("nil map")
	}
	f.got = append(f.got, p)
	return len(p.LabelIDs), f.err
}

type fakeExecutor struct {
	ids []string
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, id string) (scheduler.Outcome, error) {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return "", f.err
	}
	return scheduler.OutcomeApplied, nil
}

type fakeProcessor struct {
	got []contractmq.MessageReceivedPayload
	err error
}

func (f *fakeProcessor) ProcessQueued(_ context.Context, ev contractmq.MessageReceivedPayload) error {
	f.got = append(f.got, ev)
	return f.err
}

func testDeps() (Deps, *memCounter, *memDLQ) {
	c, d := newMemCounter(), &memDLQ{}
	return Deps{Counter: c, DLQ: d, Logger: zap.NewNop()}, c, d
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestLabelRemovedHandler(t *testing.T) {
	deps, _, dlq := testDeps()
	learner := &fakeLearner{}
	h := LabelRemovedHandler(learner, deps)

	raw := mustJSON(t, contractmq.LabelRemovedPayload{
		EmailAccountID: "acc-1",
		MessageID:      "m1",
		LabelIDs:       []string{"Label_1"},
		Sender:         "news@example.com",
	})
	require.NoError(t, h(context.Background(), raw))
	require.Len(t, learner.got, 1)
	assert.Equal(t, "news@example.com", learner.got[0].Sender)
	assert.Empty(t, dlq.sent)
}

func TestInvalidPayloadGoesToDLQ(t *testing.T) {
	deps, _, dlq := testDeps()
	learner := &fakeLearner{}
	h := LabelRemovedHandler(learner, deps)

	require.NoError(t, h(context.Background(), json.RawMessage(`{not json`)))
	assert.Empty(t, learner.got)
	require.Len(t, dlq.sent, 1)
	assert.Equal(t, contractmq.RoutingKeyLabelRemoved, dlq.sent[0].routingKey)
	assert.Equal(t, `{not json`, dlq.sent[0].payload)
}

func TestPanicIsAckedAndDeadLettered(t *testing.T) {
	deps, _, dlq := testDeps()
	h := LabelRemovedHandler(&fakeLearner{panic: true}, deps)

	raw := mustJSON(t, contractmq.LabelRemovedPayload{EmailAccountID: "acc-1", MessageID: "m1"})
	assert.NotPanics(t, func() {
		assert.NoError(t, h(context.Background(), raw))
	})
	require.Len(t, dlq.sent, 1)
	assert.Contains(t, dlq.sent[0].reason, "panic")
}

func TestRetryableErrorRequeuesUntilMaxRetries(t *testing.T) {
	deps, counter, dlq := testDeps()
	exec := &fakeExecutor{err: fmt.Errorf("claim: %w", context.DeadlineExceeded)}
	h := ScheduledActionDueHandler(exec, deps)
	raw := mustJSON(t, contractmq.ScheduledActionDuePayload{ScheduledActionID: "sa-1"})

	for i := 0; i < maxRetries; i++ {
		assert.Error(t, h(context.Background(), raw), "attempt %d should requeue", i+1)
	}
	assert.Empty(t, dlq.sent)

	assert.NoError(t, h(context.Background(), raw))
	require.Len(t, dlq.sent, 1)
	assert.Equal(t, contractmq.RoutingKeyScheduledActionDue, dlq.sent[0].routingKey)
	assert.Empty(t, counter.counts, "counter is reset after dead-lettering")
	assert.Len(t, exec.ids, maxRetries+1)
}

func TestSuccessResetsRetryCounter(t *testing.T) {
	deps, counter, _ := testDeps()
	exec := &fakeExecutor{err: context.DeadlineExceeded}
	h := ScheduledActionDueHandler(exec, deps)
	raw := mustJSON(t, contractmq.ScheduledActionDuePayload{ScheduledActionID: "sa-1"})

	assert.Error(t, h(context.Background(), raw))
	assert.Equal(t, int64(1), counter.counts["retry:scheduled_action:sa-1"])

	exec.err = nil
	assert.NoError(t, h(context.Background(), raw))
	assert.Empty(t, counter.counts)
}

func TestCounterErrorStillRequeues(t *testing.T) {
	deps, counter, _ := testDeps()
	counter.err = errors.New("redis down")
	h := ScheduledActionDueHandler(&fakeExecutor{err: context.DeadlineExceeded}, deps)

	raw := mustJSON(t, contractmq.ScheduledActionDuePayload{ScheduledActionID: "sa-1"})
	assert.Error(t, h(context.Background(), raw))
}

func TestScheduledActionMissingID(t *testing.T) {
	deps, _, dlq := testDeps()
	exec := &fakeExecutor{}
	h := ScheduledActionDueHandler(exec, deps)

	assert.NoError(t, h(context.Background(), json.RawMessage(`{}`)))
	assert.Empty(t, exec.ids)
	assert.Len(t, dlq.sent, 1)
}

func TestMessageReceivedHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
		wantDLQ int
	}{
		{"processed", nil, false, 0},
		{"not entitled", fmt.Errorf("%w: no_rules", webhook.ErrNotEntitled), false, 0},
		{"account deleted", fmt.Errorf("load account: %w", repository.ErrNotFound), false, 0},
		{"provider timeout", context.DeadlineExceeded, true, 0},
		{"permanent failure", errors.New("invalid_grant"), false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _, dlq := testDeps()
			p := &fakeProcessor{err: tt.err}
			h := MessageReceivedHandler(p, deps)

			raw := mustJSON(t, contractmq.MessageReceivedPayload{EmailAccountID: "acc-1", MessageID: "m1"})
			err := h(context.Background(), raw)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, p.got, 1)
			assert.Equal(t, "m1", p.got[0].MessageID)
			assert.Len(t, dlq.sent, tt.wantDLQ)
		})
	}
}

func TestNilCounterAndDLQ(t *testing.T) {
	h := MessageReceivedHandler(&fakeProcessor{err: errors.New("boom")}, Deps{Logger: zap.NewNop()})
	raw := mustJSON(t, contractmq.MessageReceivedPayload{EmailAccountID: "acc-1", MessageID: "m1"})
	assert.NoError(t, h(context.Background(), raw))
}
