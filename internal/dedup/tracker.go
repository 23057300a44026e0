// Package dedup guards against delivering the same mail twice when the
// transport redelivers it, and bounds how often a failing message is retried.
//
// State is in memory only and lives as long as the Tracker. Records are
// created lazily on first sight of a message ID and never removed; their
// number is bounded by the volume of unique mail the process sees.
package dedup

import (
	"context"
	"sync"
)

// record is the per-message state. sem is a one-slot semaphore held by the
// attempt currently in flight; attempts and succeeded are only touched while
// holding it.
type record struct {
	sem       chan struct{}
	attempts  uint
	succeeded bool
}

// Tracker owns the dedup records for all message IDs.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*record)}
}

func (t *Tracker) recordFor(messageID string) *record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[messageID]
	if !ok {
		r = &record{sem: make(chan struct{}, 1)}
		t.records[messageID] = r
	}
	return r
}

// Attempt acquires the guard for messageID, blocking while another attempt
// for the same ID is in flight. Unless the message has already succeeded, the
// attempt count is incremented on acquisition, so of several concurrent
// first attempts exactly one observes a count of 1.
//
// The caller must call Done on the returned guard exactly once. Attempt only
// fails if ctx ends while waiting.
func (t *Tracker) Attempt(ctx context.Context, messageID string) (*Guard, error) {
	r := t.recordFor(messageID)

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !r.succeeded {
		r.attempts++
	}
	return &Guard{
		messageID:        messageID,
		rec:              r,
		alreadySucceeded: r.succeeded,
		attemptCount:     r.attempts,
	}, nil
}

// Run acquires the guard for messageID, calls fn with it, and releases the
// guard with fn's result. It is the scoped form of Attempt/Done.
func (t *Tracker) Run(ctx context.Context, messageID string, fn func(*Guard) error) (err error) {
	g, err := t.Attempt(ctx, messageID)
	if err != nil {
		return err
	}
	defer func() {
		// A panic is never a success.
		if p := recover(); p != nil {
			g.Done(errPanicked)
			panic(p)
		}
		g.Done(err)
	}()
	return fn(g)
}

func (t *Tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// snapshot returns the attempt count and success flag for messageID. It waits
// for any attempt in flight to finish and does not count as an attempt.
// Unknown IDs report zero values.
func (t *Tracker) snapshot(messageID string) (attempts uint, succeeded bool) {
	t.mu.Lock()
	r, ok := t.records[messageID]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}

	r.sem <- struct{}{}
	defer func() { <-r.sem }()
	return r.attempts, r.succeeded
}
