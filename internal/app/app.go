// Package app assembles the relay from its configuration. Both binaries use
// it: cmd/relay serves HTTP and polls SQS, cmd/relay-lambda hands SQS event
// records to the consumer.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"sesrelay/internal/config"
	"sesrelay/internal/core"
	"sesrelay/internal/dedup"
	"sesrelay/internal/delivery"
	"sesrelay/internal/external"
	"sesrelay/internal/metrics"
	"sesrelay/internal/queue"
	"sesrelay/internal/relay"
	"sesrelay/internal/signature"
	"sesrelay/internal/types"
)

// App holds the wired relay components.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Metrics metrics.Recorder
	// MetricsHandler exposes the Prometheus registry. Nil for the other
	// backends.
	MetricsHandler http.Handler

	Certificates *signature.CertificateCache
	Verifier     *signature.Verifier
	Sink         delivery.Sink
	Processor    *relay.Processor
	Consumer     *queue.Consumer

	// queue is nil when no SQS queue URL is configured.
	queue *external.SQSQueue
}

// NewLogger returns the JSON logger used by both binaries.
func NewLogger(w io.Writer, level slog.Level, source bool) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: source,
	}))
}

// LoadAWSConfig loads the SDK configuration. SQSRegion, when set, is the
// default region and AWSEndpointURL overrides every service endpoint.
func LoadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.SQSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.SQSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.AWSEndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
	}
	return awsCfg, nil
}

// New wires the relay components.
func New(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	return newApp(cfg, awsCfg, logger, &http.Client{Timeout: cfg.CertFetchTimeout})
}

// newApp wires the components, fetching signing certificates with certClient.
func newApp(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger, certClient *http.Client) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	log := types.NewSlogLogger(logger)

	switch cfg.MetricsBackend {
	case config.MetricsPrometheus:
		prom := metrics.NewPrometheusRecorder()
		a.Metrics = prom
		a.MetricsHandler = prom.Handler()
	case config.MetricsCloudWatch:
		a.Metrics = metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, log.With("component", "metrics"))
	default:
		a.Metrics = metrics.Noop{}
	}

	certPattern, err := regexp.Compile(cfg.CertURLPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling certificate URL pattern: %w", err)
	}
	a.Certificates, err = signature.NewCertificateCache(signature.CacheConfig{
		HTTPClient: certClient,
		Size:       cfg.CertCacheSize,
		UserAgent:  userAgent(cfg.Build),
		Metrics:    a.Metrics,
		Logger:     log.With("component", "certificates"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating certificate cache: %w", err)
	}
	a.Verifier = signature.NewVerifier(a.Certificates,
		signature.WithCertURLPattern(certPattern),
		signature.WithMetrics(a.Metrics),
	)

	accept, err := relay.AcceptPattern(cfg.AcceptDestination)
	if err != nil {
		return nil, fmt.Errorf("compiling accept destination: %w", err)
	}

	if cfg.DryRun {
		a.Sink = delivery.NewMemorySink()
	} else {
		a.Sink = delivery.NewSendmail(delivery.SendmailConfig{
			Path:           cfg.SendmailPath,
			Timeout:        cfg.SendmailTimeout,
			SessionTimeout: cfg.SendmailSessionTimeout,
			Logger:         log.With("component", "sendmail"),
			Metrics:        a.Metrics,
		})
	}

	a.Processor = relay.NewProcessor(relay.Config{
		Tracker: dedup.NewTracker(),
		Sink:    a.Sink,
		Objects: external.NewS3ObjectStore(awsCfg),
		Accept:  accept,
		Metrics: a.Metrics,
		Logger:  log.With("component", "processor"),
	})

	var q types.Queue
	if cfg.SQSQueueURL != "" {
		a.queue = external.NewSQSQueue(awsCfg, cfg.SQSQueueURL, cfg.SQSRegion)
		q = a.queue
	}
	a.Consumer = queue.NewConsumer(q, a.Processor, queue.Config{
		PollWait:      cfg.SQSPollWait,
		PollWaitEmpty: cfg.SQSPollWaitEmpty,
		Metrics:       a.Metrics,
		Logger:        log.With("component", "sqs"),
	})
	return a, nil
}

// Polling reports whether the consumer has a queue to poll.
func (a *App) Polling() bool { return a.queue != nil }

// Server builds the HTTP server with its routes mounted.
func (a *App) Server() (*core.Server, error) {
	srv, err := core.NewServer(a.Logger, a.Verifier, a.Processor, a.Metrics)
	if err != nil {
		return nil, err
	}
	srv.MetricsHandler = a.MetricsHandler
	srv.RequestTimeout = a.Config.RequestTimeout
	srv.HealthProbes = a.HealthProbes()
	srv.MountRoutes()
	return srv, nil
}

// HealthProbes returns the probes reported on GET /health.
func (a *App) HealthProbes() []core.HealthProbe {
	if !a.Polling() {
		return nil
	}
	return []core.HealthProbe{
		core.ProbeFunc{ProbeName: "sqs", Fn: a.queue.Ping},
		core.ProbeFunc{ProbeName: "consumer", Fn: func(context.Context) error {
			if s := a.Consumer.State(); s != queue.StateRunning {
				return fmt.Errorf("consumer is %s", s)
			}
			return nil
		}},
	}
}

// Run serves HTTP and, when a queue is configured, polls it until ctx ends or
// either of them fails. On shutdown the consumer finishes its in-flight
// message while the HTTP server drains.
func (a *App) Run(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.Config.ListenAddress(), a.Config.ShutdownTimeout)
	})
	if a.Polling() {
		g.Go(func() error {
			return a.Consumer.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			a.Consumer.Close()
			select {
			case <-a.Consumer.Done():
			case <-time.After(a.Config.ShutdownTimeout):
				a.Logger.Warn("consumer did not stop before the shutdown timeout")
			}
			return nil
		})
	}
	return g.Wait()
}

func userAgent(b config.BuildInfo) string {
	if b.Version == "" {
		return "sesrelay"
	}
	return "sesrelay/" + b.Version
}
