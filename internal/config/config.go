// Package config defines the relay's configuration. It is loaded once at
// startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	Command line (Highest) -> OS Environment -> Config file -> Dotenv ->
//	AWS SSM Parameter Store -> Defaults (Lowest)
//
// Environment variables carry the SNS_EMAIL_ prefix, e.g. SNS_EMAIL_PORT.
package config

import (
	"log/slog"
	"net"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "SNS_EMAIL"

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsCloudWatch = "cloudwatch"
	MetricsNone       = "none"
)

// Config is the relay configuration.
type Config struct {
	// System metadata. APP_ENV selects whether _SSM_PARAM pointers are
	// resolved; "local" skips them.
	Environment  string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Verbosity    int    `envconfig:"VERBOSE" default:"0" validate:"min=0"`
	LogLevelName string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// HTTP endpoint
	Address         string        `envconfig:"ADDRESS" default:"localhost"`
	Port            int           `envconfig:"PORT" default:"10000" validate:"min=1,max=65535"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s" validate:"gt=0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`

	// Recipient filter, matched at the start of each recipient address.
	AcceptDestination string `envconfig:"ACCEPT_DESTINATION" default:".*" validate:"regexp"`

	// Queue consumer. The consumer only runs when SQSQueueURL is set.
	SQSQueueURL      string        `envconfig:"SQS_QUEUE_URL" validate:"omitempty,url"`
	SQSRegion        string        `envconfig:"SQS_REGION"`
	SQSPollWait      time.Duration `envconfig:"SQS_POLL_WAIT" default:"10s" validate:"gt=0"`
	SQSPollWaitEmpty time.Duration `envconfig:"SQS_POLL_WAIT_EMPTY" default:"10m" validate:"gt=0"`

	// Delivery
	SendmailPath           string        `envconfig:"SENDMAIL_PATH" default:"/usr/bin/sendmail" validate:"required"`
	SendmailTimeout        time.Duration `envconfig:"SENDMAIL_TIMEOUT" default:"15s" validate:"gt=0"`
	SendmailSessionTimeout time.Duration `envconfig:"SENDMAIL_SESSION_TIMEOUT" default:"5m" validate:"gt=0"`
	DryRun                 bool          `envconfig:"DRY_RUN" default:"false"`

	// Signature verification
	CertURLPattern   string        `envconfig:"CERT_URL_PATTERN" default:"^https://sns\\.[-a-z0-9]+\\.amazonaws\\.com/" validate:"regexp"`
	CertCacheSize    int           `envconfig:"CERT_CACHE_SIZE" default:"5" validate:"min=1"`
	CertFetchTimeout time.Duration `envconfig:"CERT_FETCH_TIMEOUT" default:"30s" validate:"gt=0"`

	// Observability
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SESRelay" validate:"required"`

	// LocalStack support (empty in prod)
	AWSEndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`

	// Build metadata (injected via ldflags, not env)
	Build BuildInfo `ignored:"true"`
}

// ListenAddress joins Address and Port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// LogLevel returns the configured level. Any -v forces debug.
func (c *Config) LogLevel() slog.Level {
	if c.Verbosity > 0 {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevelName)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LogSource reports whether log records carry their source location (-vv).
func (c *Config) LogSource() bool {
	return c.Verbosity > 1
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrFlags indicates invalid command-line arguments.
	ErrFlags ConfigErrorType = "INVALID_FLAGS"
	// ErrConfigFile indicates a config file could not be read.
	ErrConfigFile ConfigErrorType = "CONFIG_FILE"
	// ErrSSMResolution indicates a failure when fetching parameters from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into its
	// field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
