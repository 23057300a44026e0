// Package main is the entry point for the SES mail relay.
//
// It serves the SNS HTTP endpoint and, when a queue URL is configured, polls
// SQS for the same notifications. Mail is handed to the local sendmail.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sesrelay/internal/app"
	"sesrelay/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run(args []string) error {
	// The SSM provider only loads AWS credentials when a _SSM_PARAM variable
	// has to be resolved.
	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv(config.EnvPrefix+"_AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider, args)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel(), cfg.LogSource())
	logger.Info("sesrelay starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"address", cfg.ListenAddress(),
		"sqs_queue_url", cfg.SQSQueueURL,
		"metrics_backend", cfg.MetricsBackend,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := app.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	relay, err := app.New(cfg, awsCfg, logger)
	if err != nil {
		return err
	}

	if err := relay.Run(ctx); err != nil {
		return err
	}
	logger.Info("sesrelay stopped")
	return nil
}
