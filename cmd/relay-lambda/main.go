// Package main is the entry point for the SQS-triggered Lambda variant of the
// relay.
//
// Each invocation receives a batch of SQS records carrying SNS envelopes. The
// records are processed in order by the queue consumer and every record is
// acknowledged, whatever the outcome, matching the polling consumer which
// deletes every message it has handled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"sesrelay/internal/app"
	"sesrelay/internal/config"
	"sesrelay/internal/types"
)

// messageHandler is the part of the queue consumer used per record.
type messageHandler interface {
	Handle(ctx context.Context, msg types.QueueMessage) error
}

// Handler processes SQS event batches.
type Handler struct {
	consumer messageHandler
	logger   *slog.Logger
}

// Handle processes the batch. No record is reported as a batch item
// failure, so Lambda deletes them all.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var failed int
	for _, record := range event.Records {
		err := h.consumer.Handle(ctx, types.QueueMessage{
			MessageID:     record.MessageId,
			ReceiptHandle: record.ReceiptHandle,
			Body:          record.Body,
		})
		if err != nil {
			failed++
		}
	}
	h.logger.Debug("processed sqs batch", "count", len(event.Records), "failed", failed)
	return events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv(config.EnvPrefix+"_AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider, nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	// There is no scrape endpoint in Lambda.
	if cfg.MetricsBackend == config.MetricsPrometheus {
		cfg.MetricsBackend = config.MetricsCloudWatch
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel(), cfg.LogSource())
	logger.Info("sesrelay lambda cold start",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"metrics_backend", cfg.MetricsBackend,
	)

	ctx := context.Background()
	awsCfg, err := app.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	relay, err := app.New(cfg, awsCfg, logger)
	if err != nil {
		return err
	}

	h := &Handler{consumer: relay.Consumer, logger: logger}
	lambda.Start(h.Handle)
	return nil
}
