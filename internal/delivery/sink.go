// Package delivery streams relayed mail into its final destination.
//
// A delivery is a Session: bytes are written to it and then exactly one of
// Finish or Abort is called. Finish commits the delivery and reports whether
// the destination accepted it; Abort discards whatever was written. A
// partially written message is never committed.
package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"

	"sesrelay/internal/types"
)

// Sink opens delivery sessions.
type Sink interface {
	// Begin starts a delivery of one message from the envelope sender to the
	// given recipients.
	Begin(ctx context.Context, from string, recipients []string) (Session, error)
}

// Session is one in-flight delivery.
type Session interface {
	io.Writer

	// Finish completes the delivery and waits for the destination to accept
	// it. It returns an error if the destination rejected the message or did
	// not answer in time.
	Finish() error

	// Abort cancels the delivery. Nothing written so far is committed.
	Abort()
}

// Deliver runs body against a new session and commits the session only if
// body returns nil. If body fails or panics the session is aborted and the
// original error (or panic) propagates.
func Deliver(ctx context.Context, sink Sink, from string, recipients []string, body func(w io.Writer) error) error {
	sess, err := sink.Begin(ctx, from, recipients)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			sess.Abort()
		}
	}()

	if err := body(sess); err != nil {
		return err
	}

	committed = true
	return sess.Finish()
}

// validateAddresses rejects addresses an MTA command line would read as
// options.
func validateAddresses(from string, recipients []string) error {
	if len(recipients) == 0 {
		return types.NewAppError(types.ErrCodeDeliveryFailed, "no recipients", nil)
	}
	if strings.HasPrefix(from, "-") {
		return types.NewAppError(types.ErrCodeDeliveryFailed,
			fmt.Sprintf("invalid envelope sender %q", from), nil)
	}
	for _, r := range recipients {
		if r == "" || strings.HasPrefix(r, "-") {
			return types.NewAppError(types.ErrCodeDeliveryFailed,
				fmt.Sprintf("invalid recipient %q", r), nil)
		}
	}
	return nil
}
