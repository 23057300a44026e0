package core

import (
	"errors"
	"io"
	"net/http"

	"sesrelay/internal/types"
)

// maxNotificationSize bounds the body of a pushed notification. SNS messages
// are at most 256 KiB; the envelope adds a little on top.
const maxNotificationSize = 1 << 20

// HandleNotification is the push endpoint. Every outcome the channel should
// not retry (ignored, malformed, forged) is answered 200 with an empty body;
// anything else is a 500 so the channel redelivers.
func (s *Server) HandleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.Logger.With("request_id", types.GetRequestID(ctx))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = types.NewAppError(types.ErrCodePayloadMalformed, "notification too large", err)
		}
		s.fail(w, r, err)
		return
	}
	log.Debug("received sns message", "body", string(body))

	env, err := types.ParseEnvelope(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Verifier.Verify(ctx, env); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Processor.Receive(ctx, env); err != nil {
		s.fail(w, r, err)
		return
	}

	s.Metrics.Inc(ctx, types.MetricSNSReceived)
	w.WriteHeader(http.StatusOK)
}

// fail counts the error against the sns source and answers with the status
// its code maps to.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := types.CodeOf(err)
	status := code.HTTPStatus()

	log := s.Logger.With("request_id", types.GetRequestID(ctx), "error", err.Error())
	if code.Acknowledged() {
		log.Warn("ignoring sns message", "code", string(code))
	} else {
		log.Error("uncaught exception")
	}

	s.Metrics.IncError(ctx, types.ErrSourceSNS)
	w.WriteHeader(status)
}
