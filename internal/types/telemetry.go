package types

// Telemetry metric names. All components MUST use these constants.
const (
	// Counters
	MetricErrors          = "sns_email_errors_total"
	MetricReceived        = "sns_email_received_total"
	MetricSNSReceived     = "sns_email_sns_received_total"
	MetricSQSPoll         = "sns_email_sqs_poll_total"
	MetricSQSReceived     = "sns_email_sqs_received_total"
	MetricCertCacheHits   = "sns_email_sns_certificate_cache_hits_total"
	MetricCertCacheMisses = "sns_email_sns_certificate_cache_misses_total"

	// Histograms
	MetricReceiveSeconds     = "sns_email_receive_seconds"
	MetricCertificateSeconds = "sns_email_sns_signature_certificate_seconds"
	MetricSignatureSeconds   = "sns_email_sns_signature_seconds"
	MetricVerifySeconds      = "sns_email_sns_verify_seconds"

	// Dimension Keys
	DimSource = "source"

	// Metric Namespace (CloudWatch backend)
	MetricNamespace = "SESRelay"
)

// Error sources, used as the DimSource label on MetricErrors.
const (
	ErrSourceSNS              = "sns"
	ErrSourceSQS              = "sqs"
	ErrSourceReceive          = "receive"
	ErrSourceReceiveDuplicate = "receive_duplicate"
)
