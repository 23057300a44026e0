package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

// fakeQueue serves scripted batches, then blocks in ReceiveBatch until ctx
// ends, like an idle long poll.
type fakeQueue struct {
	mu       sync.Mutex
	batches  [][]types.QueueMessage
	errs     []error
	deleted  []string
	polls    int
	received chan struct{}
}

func newFakeQueue(batches ...[]types.QueueMessage) *fakeQueue {
	return &fakeQueue{batches: batches, received: make(chan struct{}, 100)}
}

func (q *fakeQueue) ReceiveBatch(ctx context.Context, maxMessages int, wait time.Duration) ([]types.QueueMessage, error) {
	q.mu.Lock()
	q.polls++
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		q.mu.Unlock()
		q.received <- struct{}{}
		return nil, err
	}
	if len(q.batches) > 0 {
		b := q.batches[0]
		q.batches = q.batches[1:]
		q.mu.Unlock()
		q.received <- struct{}{}
		return b, nil
	}
	q.mu.Unlock()
	q.received <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

type fakeReceiver struct {
	mu   sync.Mutex
	seen []string
	err  error
	// block, when set, is waited on inside Receive.
	block chan struct{}
}

func (r *fakeReceiver) Receive(_ context.Context, env *types.Envelope) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env.MessageID())
	return r.err
}

func (r *fakeReceiver) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

// panicReceiver panics on one message ID and delegates the rest.
type panicReceiver struct {
	fakeReceiver
	panicOn string
}

func (r *panicReceiver) Receive(ctx context.Context, env *types.Envelope) error {
	if env.MessageID() == r.panicOn {
		panic("assignment to entry in nil map")
	}
	return r.fakeReceiver.Receive(ctx, env)
}

func envelopeMsg(t *testing.T, id string) types.QueueMessage {
	t.Helper()
	body, err := json.Marshal(map[string]any{"Type": "Notification", "MessageId": id, "Message": "{}"})
	require.NoError(t, err)
	return types.QueueMessage{MessageID: "sqs-" + id, ReceiptHandle: "rh-" + id, Body: string(body)}
}

func startConsumer(t *testing.T, q types.Queue, r Receiver, rec metrics.Recorder, cfg Config) *Consumer {
	t.Helper()
	cfg.Metrics = rec
	c := NewConsumer(q, r, cfg)
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c
}

func waitPolls(t *testing.T, q *fakeQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-q.received:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for poll %d", i+1)
		}
	}
}

func TestConsumer_ProcessesAndDeletesInOrder(t *testing.T) {
	q := newFakeQueue([]types.QueueMessage{envelopeMsg(t, "a"), envelopeMsg(t, "b"), envelopeMsg(t, "c")})
	r := &fakeReceiver{}
	rec := metrics.NewMemoryRecorder()

	startConsumer(t, q, r, rec, Config{PollWait: time.Millisecond})
	waitPolls(t, q, 2)

	assert.Equal(t, []string{"a", "b", "c"}, r.Seen())
	assert.Equal(t, []string{"rh-a", "rh-b", "rh-c"}, q.Deleted())
	assert.Equal(t, 3, rec.Count(types.MetricSQSReceived))
	assert.Equal(t, 1, rec.Count(types.MetricSQSPoll))
}

func TestConsumer_DeletesRegardlessOfOutcome(t *testing.T) {
	bad := types.QueueMessage{MessageID: "sqs-bad", ReceiptHandle: "rh-bad", Body: "not json"}
	q := newFakeQueue([]types.QueueMessage{bad, envelopeMsg(t, "fails")})
	r := &fakeReceiver{err: types.NewAppError(types.ErrCodeDeliveryFailed, "sendmail exited 75", nil)}
	rec := metrics.NewMemoryRecorder()

	startConsumer(t, q, r, rec, Config{PollWait: time.Millisecond})
	waitPolls(t, q, 2)

	assert.Equal(t, []string{"rh-bad", "rh-fails"}, q.Deleted())
	assert.Equal(t, []string{"fails"}, r.Seen())
	assert.Equal(t, 2, rec.Errors(types.ErrSourceSQS))
	assert.Equal(t, 0, rec.Count(types.MetricSQSReceived))
}

func TestConsumer_ReceiveErrorBacksOffLong(t *testing.T) {
	q := newFakeQueue()
	q.errs = []error{errors.New("throttled")}
	rec := metrics.NewMemoryRecorder()

	c := startConsumer(t, q, &fakeReceiver{}, rec, Config{PollWait: time.Millisecond, PollWaitEmpty: time.Hour})
	waitPolls(t, q, 1)

	// The consumer is now in the long sleep; no second poll happens.
	select {
	case <-q.received:
		t.Fatal("polled again during error backoff")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, rec.Errors(types.ErrSourceSQS))
	assert.Equal(t, StateRunning, c.State())
}

func TestConsumer_RecoversFromReceiverPanic(t *testing.T) {
	q := newFakeQueue(
		[]types.QueueMessage{envelopeMsg(t, "boom"), envelopeMsg(t, "skipped")},
		[]types.QueueMessage{envelopeMsg(t, "next")},
	)
	r := &panicReceiver{panicOn: "boom"}
	rec := metrics.NewMemoryRecorder()

	c := startConsumer(t, q, r, rec, Config{PollWait: time.Millisecond, PollWaitEmpty: 10 * time.Millisecond})
	waitPolls(t, q, 3)

	assert.Equal(t, []string{"next"}, r.Seen())
	assert.Equal(t, []string{"rh-next"}, q.Deleted())
	assert.Equal(t, 1, rec.Errors(types.ErrSourceSQS))
	assert.Equal(t, StateRunning, c.State())
}

func TestConsumer_ReceiverPanicBacksOffLong(t *testing.T) {
	q := newFakeQueue(
		[]types.QueueMessage{envelopeMsg(t, "boom")},
		[]types.QueueMessage{envelopeMsg(t, "next")},
	)
	rec := metrics.NewMemoryRecorder()

	startConsumer(t, q, &panicReceiver{panicOn: "boom"}, rec, Config{PollWait: time.Millisecond, PollWaitEmpty: time.Hour})
	waitPolls(t, q, 1)

	select {
	case <-q.received:
		t.Fatal("polled again during error backoff")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, rec.Errors(types.ErrSourceSQS))
	assert.Empty(t, q.Deleted())
}

func TestConsumer_EmptyBatchBacksOffLong(t *testing.T) {
	q := newFakeQueue([]types.QueueMessage{})

	startConsumer(t, q, &fakeReceiver{}, nil, Config{PollWait: time.Millisecond, PollWaitEmpty: time.Hour})
	waitPolls(t, q, 1)

	select {
	case <-q.received:
		t.Fatal("polled again during empty backoff")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConsumer_CloseInterruptsSleep(t *testing.T) {
	q := newFakeQueue([]types.QueueMessage{})
	c := NewConsumer(q, &fakeReceiver{}, Config{PollWaitEmpty: time.Hour})

	go func() { _ = c.Run(context.Background()) }()
	waitPolls(t, q, 1)

	start := time.Now()
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after Close")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateClosed, c.State())
}

func TestConsumer_CloseInterruptsLongPoll(t *testing.T) {
	q := newFakeQueue()
	c := NewConsumer(q, &fakeReceiver{}, Config{})

	go func() { _ = c.Run(context.Background()) }()
	waitPolls(t, q, 1)
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop during long poll")
	}
}

func TestConsumer_CloseFinishesCurrentMessage(t *testing.T) {
	q := newFakeQueue([]types.QueueMessage{envelopeMsg(t, "a"), envelopeMsg(t, "b")})
	r := &fakeReceiver{block: make(chan struct{})}
	c := NewConsumer(q, r, Config{})

	go func() { _ = c.Run(context.Background()) }()
	waitPolls(t, q, 1)

	c.Close()
	assert.Equal(t, StateClosing, c.State())
	close(r.block)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"a"}, r.Seen())
	assert.Equal(t, []string{"rh-a"}, q.Deleted())
}

func TestConsumer_ContextCancelStops(t *testing.T) {
	q := newFakeQueue()
	c := NewConsumer(q, &fakeReceiver{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = c.Run(ctx) }()
	waitPolls(t, q, 1)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on context cancel")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
