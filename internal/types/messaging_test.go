package types

import (
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"Type":"Notification","MessageId":"m-1","Message":"{}","Extra":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type() != EnvelopeNotification {
		t.Errorf("Type() = %q, want %q", env.Type(), EnvelopeNotification)
	}
	if env.MessageID() != "m-1" {
		t.Errorf("MessageID() = %q, want m-1", env.MessageID())
	}
	if msg, ok := env.Message(); !ok || msg != "{}" {
		t.Errorf("Message() = %q, %v", msg, ok)
	}
	if _, ok := env.String("Extra"); ok {
		t.Error("String() should reject a non-string field")
	}
	if !env.Has("Extra") {
		t.Error("Has() should report a non-string field")
	}
	if env.Has("Subject") {
		t.Error("Has() should not report an absent field")
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	for _, body := range []string{``, `not json`, `null`, `[1,2]`, `"string"`} {
		t.Run(body, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(body))
			if !IsCode(err, ErrCodePayloadMalformed) {
				t.Errorf("err = %v, want %s", err, ErrCodePayloadMalformed)
			}
		})
	}
}

func TestEnvelope_NilSafe(t *testing.T) {
	var env *Envelope
	if env.Type() != "" || env.MessageID() != "" || env.Has("Type") {
		t.Error("nil envelope accessors should return zero values")
	}
}

func TestParseMailEvent(t *testing.T) {
	ev, err := ParseMailEvent(`{
		"mail": {
			"messageId": "abc",
			"source": "bounce@example.org",
			"commonHeaders": {"from": ["Sender <sender@example.org>"], "subject": "hi"}
		},
		"receipt": {
			"recipients": ["user@example.com"],
			"action": {"type": "S3", "bucketName": "mail", "objectKey": "inbound/abc"}
		},
		"content": "hello"
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Mail.MessageID != "abc" {
		t.Errorf("MessageID = %q", ev.Mail.MessageID)
	}
	if ev.Content == nil || *ev.Content != "hello" {
		t.Errorf("Content = %v", ev.Content)
	}
	if got := ev.MailFrom(); got != "Sender <sender@example.org>" {
		t.Errorf("MailFrom() = %q", got)
	}
	if ev.Receipt.Action == nil || ev.Receipt.Action.Type != ReceiptActionS3 {
		t.Fatalf("Action = %+v", ev.Receipt.Action)
	}
	if got := ev.Receipt.Action.ObjectLocation(); got != "s3://mail/inbound/abc" {
		t.Errorf("ObjectLocation() = %q", got)
	}
}

func TestParseMailEvent_FromFallsBackToSource(t *testing.T) {
	ev, err := ParseMailEvent(`{"mail":{"messageId":"abc","source":"bounce@example.org"},"receipt":{"recipients":[]}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ev.MailFrom(); got != "bounce@example.org" {
		t.Errorf("MailFrom() = %q", got)
	}
	if ev.Content != nil {
		t.Error("Content should be nil when absent")
	}
}

func TestParseMailEvent_Malformed(t *testing.T) {
	tests := map[string]string{
		"invalid json":     `{`,
		"no mail":          `{"receipt":{"recipients":["a@b.c"]}}`,
		"empty message id": `{"mail":{"messageId":"","source":"a@b.c"}}`,
		"no message id":    `{"mail":{"source":"a@b.c"}}`,
	}
	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMailEvent(msg)
			if !IsCode(err, ErrCodePayloadMalformed) {
				t.Errorf("err = %v, want %s", err, ErrCodePayloadMalformed)
			}
		})
	}
}
