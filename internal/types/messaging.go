package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope types published by the notification channel.
const (
	EnvelopeNotification             = "Notification"
	EnvelopeSubscriptionConfirmation = "SubscriptionConfirmation"
	EnvelopeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// ReceiptActionS3 is the receipt action type for mail stored in an S3 bucket.
const ReceiptActionS3 = "S3"

// Envelope is the outer signed notification structure.
//
// Fields holds the raw decoded JSON object. Signature verification reads from
// Fields rather than the typed accessors so that presence and string-typedness
// of every signed field can be checked exactly.
type Envelope struct {
	Fields map[string]any
}

// ParseEnvelope decodes a JSON notification envelope. Anything other than a
// JSON object is a malformed payload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, NewAppError(ErrCodePayloadMalformed, "invalid notification JSON", err)
	}
	if fields == nil {
		return nil, NewAppError(ErrCodePayloadMalformed, "notification is not a JSON object", nil)
	}
	return &Envelope{Fields: fields}, nil
}

// String returns the named field if it is present and string-typed.
func (e *Envelope) String(name string) (string, bool) {
	if e == nil || e.Fields == nil {
		return "", false
	}
	v, ok := e.Fields[name].(string)
	return v, ok
}

// Has reports whether the named field is present, whatever its type.
func (e *Envelope) Has(name string) bool {
	if e == nil || e.Fields == nil {
		return false
	}
	_, ok := e.Fields[name]
	return ok
}

// Type returns the envelope type, or "" when absent.
func (e *Envelope) Type() string {
	v, _ := e.String("Type")
	return v
}

// MessageID returns the channel-assigned envelope message ID.
func (e *Envelope) MessageID() string {
	v, _ := e.String("MessageId")
	return v
}

// Message returns the embedded payload.
func (e *Envelope) Message() (string, bool) {
	return e.String("Message")
}

// MailEvent is the inbound mail notification carried in an envelope's Message.
type MailEvent struct {
	Mail    *SESMail   `json:"mail"`
	Receipt SESReceipt `json:"receipt"`
	// Content is set when the receipt rule publishes the raw message inline.
	Content *string `json:"content,omitempty"`
}

// SESMail holds the mail metadata.
type SESMail struct {
	MessageID     string            `json:"messageId"`
	Source        string            `json:"source"`
	Timestamp     string            `json:"timestamp,omitempty"`
	Destination   []string          `json:"destination,omitempty"`
	CommonHeaders *SESCommonHeaders `json:"commonHeaders,omitempty"`
}

// SESCommonHeaders holds the parsed headers SES extracts from the message.
type SESCommonHeaders struct {
	From      []string `json:"from,omitempty"`
	To        []string `json:"to,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
}

// SESReceipt describes how the mail was received and what action stored it.
type SESReceipt struct {
	Recipients []string          `json:"recipients"`
	Action     *SESReceiptAction `json:"action,omitempty"`
}

// SESReceiptAction is the receipt rule action that published the notification.
type SESReceiptAction struct {
	Type       string `json:"type"`
	TopicArn   string `json:"topicArn,omitempty"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
}

// ParseMailEvent decodes the mail notification carried in an envelope
// Message. A payload without a mail object, or whose mail has no message ID,
// is malformed.
func ParseMailEvent(message string) (*MailEvent, error) {
	var ev MailEvent
	if err := json.Unmarshal([]byte(message), &ev); err != nil {
		return nil, NewAppError(ErrCodePayloadMalformed, "invalid mail notification JSON", err)
	}
	if ev.Mail == nil {
		return nil, NewAppError(ErrCodePayloadMalformed, "notification has no mail object", nil)
	}
	if ev.Mail.MessageID == "" {
		return nil, NewAppError(ErrCodePayloadMalformed, "mail has no messageId", nil)
	}
	return &ev, nil
}

// MailFrom returns the header From when present, otherwise the envelope source.
func (ev *MailEvent) MailFrom() string {
	if ev.Mail.CommonHeaders != nil && len(ev.Mail.CommonHeaders.From) > 0 {
		return strings.Join(ev.Mail.CommonHeaders.From, ", ")
	}
	return ev.Mail.Source
}

// ObjectLocation returns the bucket/key of the stored message for S3 actions.
func (a *SESReceiptAction) ObjectLocation() string {
	return fmt.Sprintf("s3://%s/%s", a.BucketName, a.ObjectKey)
}

// QueueMessage is a single message received from the pull transport.
type QueueMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
}
