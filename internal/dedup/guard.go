package dedup

import (
	"errors"
	"sync"
)

var errPanicked = errors.New("dedup: attempt panicked")

// Guard is held by the attempt in flight for one message ID.
type Guard struct {
	messageID        string
	rec              *record
	alreadySucceeded bool
	attemptCount     uint
	once             sync.Once
}

// MessageID returns the guarded message ID.
func (g *Guard) MessageID() string { return g.messageID }

// AlreadySucceeded reports whether an earlier attempt committed success.
func (g *Guard) AlreadySucceeded() bool { return g.alreadySucceeded }

// AttemptCount returns the number of attempts since the last success,
// including this one.
func (g *Guard) AttemptCount() uint { return g.attemptCount }

// CommitSuccess marks the message as delivered and resets the attempt count.
// Later attempts for the same ID observe AlreadySucceeded.
func (g *Guard) CommitSuccess() {
	g.rec.succeeded = true
	g.rec.attempts = 0
}

// Done releases the guard. A nil err commits success; a non-nil err leaves
// the attempt count elevated for the next attempt. Calls after the first are
// no-ops.
func (g *Guard) Done(err error) {
	g.once.Do(func() {
		if err == nil {
			g.CommitSuccess()
		}
		<-g.rec.sem
	})
}
