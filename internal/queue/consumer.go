// Package queue implements the pull transport: a long-polling consumer that
// feeds queued notifications to the relay processor.
//
// Every received message is deleted once it has been handled, whatever the
// outcome. A message that fails to deliver is therefore not redelivered by the
// queue; the bounded in-process retry of the dedup tracker only applies to
// redeliveries that happen before the delete. This keeps a poison message
// from blocking the queue.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

// Polling defaults.
const (
	DefaultBatchSize     = 10
	DefaultReceiveWait   = 10 * time.Second
	DefaultPollWait      = 10 * time.Second
	DefaultPollWaitEmpty = 10 * time.Minute
)

// State is the consumer lifecycle state.
type State int

const (
	StateRunning State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Receiver processes one decoded envelope.
type Receiver interface {
	Receive(ctx context.Context, env *types.Envelope) error
}

// Config configures a Consumer. Zero durations and sizes take the defaults.
type Config struct {
	BatchSize     int
	ReceiveWait   time.Duration
	PollWait      time.Duration
	PollWaitEmpty time.Duration
	Metrics       metrics.Recorder
	Logger        types.Logger
}

// Consumer polls a queue until closed.
type Consumer struct {
	queue    types.Queue
	receiver Receiver
	cfg      Config
	metrics  metrics.Recorder
	logger   types.Logger

	mu        sync.Mutex
	state     State
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewConsumer creates a Consumer in the running state. Call Run to start
// polling.
func NewConsumer(queue types.Queue, receiver Receiver, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = DefaultReceiveWait
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultPollWait
	}
	if cfg.PollWaitEmpty <= 0 {
		cfg.PollWaitEmpty = DefaultPollWaitEmpty
	}
	c := &Consumer{
		queue:    queue,
		receiver: receiver,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if c.metrics == nil {
		c.metrics = metrics.Noop{}
	}
	if c.logger == nil {
		c.logger = types.NewSlogLogger(nil)
	}
	return c
}

// Run polls until Close is called or ctx ends. A message being processed
// when that happens is finished and deleted first; the rest of its batch is
// left on the queue. Run must be called at most once.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		c.setState(StateClosed)
		close(c.done)
		c.logger.Info("closed.")
	}()

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	c.logger.Info("begin polling.")
	for !c.closing(pollCtx) {
		n, err := c.pollSafely(pollCtx, context.WithoutCancel(ctx))
		wait := c.cfg.PollWaitEmpty
		switch {
		case err != nil && c.closing(pollCtx):
			return nil
		case err != nil:
			c.logger.Warn("uncaught exception.", "error", err.Error())
			c.metrics.IncError(ctx, types.ErrSourceSQS)
		case n > 0:
			wait = c.cfg.PollWait
		}
		c.sleep(pollCtx, wait)
	}
	return nil
}

// pollSafely is poll with a panic returned as an error. The rest of the
// batch stays on the queue.
func (c *Consumer) pollSafely(pollCtx, workCtx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while polling: %v", p)
		}
	}()
	return c.poll(pollCtx, workCtx)
}

// poll receives one batch and handles it. It returns the number of messages
// received.
func (c *Consumer) poll(pollCtx, workCtx context.Context) (int, error) {
	msgs, err := c.queue.ReceiveBatch(pollCtx, c.cfg.BatchSize, c.cfg.ReceiveWait)
	if err != nil {
		return 0, err
	}
	c.metrics.Inc(workCtx, types.MetricSQSPoll)
	if len(msgs) > 0 {
		c.logger.Debug("processing sqs messages.", "count", len(msgs))
	}

	for i, msg := range msgs {
		if i > 0 && c.closing(pollCtx) {
			c.logger.Info("leaving unprocessed messages on the queue.", "count", len(msgs)-i)
			break
		}
		c.Handle(workCtx, msg)
		if err := c.queue.Delete(workCtx, msg.ReceiptHandle); err != nil {
			c.logger.Warn("failed to delete message.", "message_id", msg.MessageID, "error", err.Error())
			c.metrics.IncError(workCtx, types.ErrSourceSQS)
		}
	}
	return len(msgs), nil
}

// Handle decodes and processes one queue message. Failures are logged and
// counted; the returned error reports the processing outcome for callers that
// acknowledge messages themselves.
func (c *Consumer) Handle(ctx context.Context, msg types.QueueMessage) error {
	log := c.logger.With("message_id", msg.MessageID)
	log.Debug("received sqs message.", "body", msg.Body)

	env, err := types.ParseEnvelope([]byte(msg.Body))
	if err != nil {
		log.Warn("deleting invalid message.", "error", err.Error())
		c.metrics.IncError(ctx, types.ErrSourceSQS)
		return err
	}

	if err := c.receiver.Receive(ctx, env); err != nil {
		log.Warn("failed processing sqs message.", "error", err.Error())
		c.metrics.IncError(ctx, types.ErrSourceSQS)
		return err
	}

	log.Info("processed sqs message.")
	c.metrics.Inc(ctx, types.MetricSQSReceived)
	return nil
}

// sleep waits for d, returning early on Close or when ctx ends.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.closeCh:
	case <-ctx.Done():
	}
}

// Close asks Run to stop. It does not wait; use Done for that. Calling Close
// more than once is safe.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.logger.Info("closing.")
		c.mu.Lock()
		if c.state == StateRunning {
			c.state = StateClosing
		}
		c.mu.Unlock()
		close(c.closeCh)
	})
}

// Done is closed when Run has returned.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// State returns the lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Consumer) closing(ctx context.Context) bool {
	select {
	case <-c.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
