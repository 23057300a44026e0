// Package signature verifies that a notification envelope was signed by the
// notification service, using signature version 1: RSA PKCS#1 v1.5 over a
// SHA-1 digest of a canonical field listing, with the key taken from a
// certificate hosted under the service's own domain.
package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

// DefaultCertURLPattern admits only certificates hosted by SNS itself.
const DefaultCertURLPattern = `^https://sns\.[-a-z0-9]+\.amazonaws\.com/`

// SupportedVersion is the only SignatureVersion understood.
const SupportedVersion = "1"

var requiredFields = []string{"Type", "Signature", "SigningCertURL", "SignatureVersion"}

// Canonical field lists, in signing order.
var (
	notificationFields        = []string{"Message", "MessageId", "Timestamp", "TopicArn", "Type"}
	notificationSubjectFields = []string{"Message", "MessageId", "Subject", "Timestamp", "TopicArn", "Type"}
	subscriptionFields        = []string{"Message", "MessageId", "SubscribeURL", "Timestamp", "Token", "TopicArn", "Type"}
)

// Verifier checks envelope signatures.
type Verifier struct {
	certs   CertificateSource
	certURL *regexp.Regexp
	metrics metrics.Recorder
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCertURLPattern replaces the trusted certificate URL pattern.
func WithCertURLPattern(re *regexp.Regexp) Option {
	return func(v *Verifier) { v.certURL = re }
}

// WithMetrics sets the recorder for timing histograms.
func WithMetrics(m metrics.Recorder) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a Verifier that resolves keys through certs.
func NewVerifier(certs CertificateSource, opts ...Option) *Verifier {
	v := &Verifier{
		certs:   certs,
		certURL: regexp.MustCompile(DefaultCertURLPattern),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns nil if env carries a valid version 1 signature.
//
// Forged, malformed or untrusted envelopes fail with ErrCodeSignatureInvalid.
// An unknown SignatureVersion fails with ErrCodeUnsupportedSignatureVersion.
// A certificate that cannot be fetched fails with ErrCodeUpstreamCertificate.
func (v *Verifier) Verify(ctx context.Context, env *types.Envelope) error {
	defer metrics.Since(ctx, v.metrics, types.MetricSignatureSeconds, time.Now())

	for _, name := range requiredFields {
		if _, ok := env.String(name); !ok {
			return invalid(fmt.Sprintf("missing field: %s", name), nil)
		}
	}

	version, _ := env.String("SignatureVersion")
	if version != SupportedVersion {
		return types.NewAppError(types.ErrCodeUnsupportedSignatureVersion,
			fmt.Sprintf("signature version not implemented. version=%s", version), nil)
	}

	certURL, _ := env.String("SigningCertURL")
	if !v.certURL.MatchString(certURL) {
		return invalid(fmt.Sprintf("untrusted url. url=%s, rex=%s", certURL, v.certURL), nil)
	}

	encoded, _ := env.String("Signature")
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return invalid("bad encoding", err)
	}

	canonical, err := CanonicalString(env)
	if err != nil {
		return err
	}

	key, err := v.certs.PublicKey(ctx, certURL)
	if err != nil {
		return err
	}

	start := time.Now()
	digest := sha1.Sum(canonical)
	err = rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], sig)
	v.metrics.Observe(ctx, types.MetricVerifySeconds, time.Since(start))
	if err != nil {
		return invalid("bad signature", err)
	}
	return nil
}

// CanonicalString builds the byte string that version 1 signs: for each
// field in the list selected by the envelope type, "<name>\n<value>\n".
func CanonicalString(env *types.Envelope) ([]byte, error) {
	var b strings.Builder
	for _, name := range canonicalFields(env) {
		value, ok := env.String(name)
		if !ok {
			return nil, invalid(fmt.Sprintf("missing field: %s", name), nil)
		}
		b.WriteString(name)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func canonicalFields(env *types.Envelope) []string {
	if env.Type() != types.EnvelopeNotification {
		return subscriptionFields
	}
	if env.Has("Subject") {
		return notificationSubjectFields
	}
	return notificationFields
}

func invalid(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeSignatureInvalid, msg, err)
}
