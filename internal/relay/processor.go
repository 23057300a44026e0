// Package relay turns verified notifications into local mail deliveries.
//
// The Processor is stateless apart from the dedup Tracker it is given, and is
// shared by the HTTP endpoint and the queue consumer. Notifications that can
// never be delivered (other envelope types, unparseable payloads, no local
// recipients, unknown receipt actions) are acknowledged and counted; delivery
// failures are returned to the caller unchanged.
package relay

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"sesrelay/internal/dedup"
	"sesrelay/internal/delivery"
	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

// Retry thresholds on the per-message attempt count.
const (
	// Attempts above this are warned about as redeliveries.
	warnAttempts = 1
	// Attempts above this fail without reaching the sink.
	maxAttempts = 2
)

// Processor delivers mail notifications.
type Processor struct {
	tracker *dedup.Tracker
	sink    delivery.Sink
	objects types.ObjectStore
	accept  func(recipient string) bool
	metrics metrics.Recorder
	logger  types.Logger
}

// Config configures a Processor.
type Config struct {
	Tracker *dedup.Tracker
	Sink    delivery.Sink
	// Objects fetches mail stored by S3 receipt actions. Optional when every
	// notification carries its content inline.
	Objects types.ObjectStore
	// Accept selects the local recipients. Defaults to accepting everyone.
	Accept  func(recipient string) bool
	Metrics metrics.Recorder
	Logger  types.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config) *Processor {
	p := &Processor{
		tracker: cfg.Tracker,
		sink:    cfg.Sink,
		objects: cfg.Objects,
		accept:  cfg.Accept,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if p.tracker == nil {
		p.tracker = dedup.NewTracker()
	}
	if p.accept == nil {
		p.accept = func(string) bool { return true }
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	if p.logger == nil {
		p.logger = types.NewSlogLogger(nil)
	}
	return p
}

// AcceptPattern compiles a recipient pattern. Like a prefix match, the
// pattern must match at the start of the address but need not consume all of
// it, so "postmaster@" accepts "postmaster@example.com".
func AcceptPattern(pattern string) (func(string) bool, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid recipient pattern %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// Receive handles one envelope. A nil return means the notification was
// delivered, was already delivered, or can never be delivered.
func (p *Processor) Receive(ctx context.Context, env *types.Envelope) error {
	switch env.Type() {
	case types.EnvelopeNotification:
	case types.EnvelopeSubscriptionConfirmation, types.EnvelopeUnsubscribeConfirmation:
		p.ignore(ctx, "ignoring subscription message", "type", env.Type(), "sns_message_id", env.MessageID())
		return nil
	default:
		p.ignore(ctx, "ignoring unexpected message", "type", env.Type(), "sns_message_id", env.MessageID())
		return nil
	}

	message, ok := env.Message()
	if !ok {
		p.ignore(ctx, "ignoring invalid notification", "sns_message_id", env.MessageID())
		return nil
	}

	ev, err := types.ParseMailEvent(message)
	if err != nil {
		p.ignore(ctx, "ignoring unexpected message", "sns_message_id", env.MessageID(), "error", err.Error())
		return nil
	}

	return p.ReceiveMail(ctx, ev)
}

// ReceiveMail delivers a parsed mail event under the dedup guard for its
// message ID.
func (p *Processor) ReceiveMail(ctx context.Context, ev *types.MailEvent) error {
	defer metrics.Since(ctx, p.metrics, types.MetricReceiveSeconds, time.Now())

	messageID := ev.Mail.MessageID
	log := p.logger.With("message_id", messageID)

	return p.tracker.Run(ctx, messageID, func(g *dedup.Guard) error {
		if g.AlreadySucceeded() {
			log.Info("ignoring duplicate message that was fully processed")
			return nil
		}

		switch n := g.AttemptCount(); {
		case n > maxAttempts:
			log.Warn("aborting receiving a duplicate message that already failed", "dup_count", n)
			p.metrics.IncError(ctx, types.ErrSourceReceiveDuplicate)
			return types.NewAppError(types.ErrCodeDuplicateExhausted, "duplicate message", nil).
				WithDetails(map[string]any{"message_id": messageID, "dup_count": n})
		case n > warnAttempts:
			log.Warn("receiving duplicate message", "dup_count", n)
			p.metrics.IncError(ctx, types.ErrSourceReceiveDuplicate)
		}

		return p.deliver(ctx, log, ev)
	})
}

func (p *Processor) deliver(ctx context.Context, log types.Logger, ev *types.MailEvent) error {
	var recipients []string
	for _, r := range ev.Receipt.Recipients {
		if p.accept(r) {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		p.ignore(ctx, "ignoring mail with no local recipient", "recipients", ev.Receipt.Recipients)
		return nil
	}

	source := ev.Mail.Source
	var body func(io.Writer) error

	switch action := ev.Receipt.Action; {
	case ev.Content != nil:
		content := *ev.Content
		body = func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		}
	case action != nil && action.Type == types.ReceiptActionS3:
		if p.objects == nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("no object store configured for %s", action.ObjectLocation()), nil)
		}
		body = func(w io.Writer) error {
			return p.objects.FetchObject(ctx, action.BucketName, action.ObjectKey, w)
		}
	case action != nil && action.Type != "":
		p.ignore(ctx, "ignoring unknown receipt type", "action_type", action.Type)
		return nil
	default:
		p.ignore(ctx, "ignoring unknown receipt")
		return nil
	}

	if err := delivery.Deliver(ctx, p.sink, source, recipients, body); err != nil {
		log.Warn("delivery failed", "source", source, "recipients", recipients, "error", err.Error())
		return err
	}

	log.Info("received email",
		"source", source,
		"mail_from", ev.MailFrom(),
		"recipients", recipients,
	)
	return nil
}

// ignore acknowledges a notification that will never be delivered.
func (p *Processor) ignore(ctx context.Context, msg string, args ...any) {
	p.logger.Info(msg, args...)
	p.metrics.IncError(ctx, types.ErrSourceReceive)
}
