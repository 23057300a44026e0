// Package metrics provides the counters and histograms incremented by the
// relay pipeline. Two backends are available: Prometheus, exposed on the
// HTTP listener, and CloudWatch for deployments without a scraper.
package metrics

import (
	"context"
	"time"
)

// Recorder records pipeline telemetry. Implementations must be safe for
// concurrent use and must never fail the caller; backend errors are logged.
type Recorder interface {
	// Inc increments the named counter.
	Inc(ctx context.Context, name string)

	// IncError increments the error counter for the given source label.
	IncError(ctx context.Context, source string)

	// Observe records a duration in the named histogram.
	Observe(ctx context.Context, name string, d time.Duration)
}

// Since records the time elapsed since start in the named histogram. It is
// intended for use with defer:
//
//	defer metrics.Since(ctx, rec, types.MetricReceiveSeconds, time.Now())
func Since(ctx context.Context, r Recorder, name string, start time.Time) {
	r.Observe(ctx, name, time.Since(start))
}

// Noop discards all telemetry.
type Noop struct{}

func (Noop) Inc(context.Context, string)                    {}
func (Noop) IncError(context.Context, string)               {}
func (Noop) Observe(context.Context, string, time.Duration) {}

var _ Recorder = Noop{}
