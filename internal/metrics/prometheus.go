package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sesrelay/internal/types"
)

var counterHelp = map[string]string{
	types.MetricReceived:        "Received total",
	types.MetricSNSReceived:     "SNS received total",
	types.MetricSQSPoll:         "SQS poll total",
	types.MetricSQSReceived:     "SQS received total",
	types.MetricCertCacheHits:   "Signing certificate cache hits",
	types.MetricCertCacheMisses: "Signing certificate cache misses",
}

var histogramHelp = map[string]string{
	types.MetricReceiveSeconds:     "Time spent processing receive",
	types.MetricCertificateSeconds: "Time spent loading certificate",
	types.MetricSignatureSeconds:   "Time spent computing signature",
	types.MetricVerifySeconds:      "Time spent verifying signature",
}

// PrometheusRecorder implements Recorder on a dedicated Prometheus registry.
// Unknown metric names are ignored rather than registered on the fly so that
// the exposition stays stable.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	errors     *prometheus.CounterVec
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheusRecorder creates a recorder with all relay metrics registered,
// plus the Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &PrometheusRecorder{
		registry: reg,
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: types.MetricErrors,
			Help: "Errors total",
		}, []string{types.DimSource}),
		counters:   make(map[string]prometheus.Counter, len(counterHelp)),
		histograms: make(map[string]prometheus.Histogram, len(histogramHelp)),
	}
	reg.MustRegister(p.errors)

	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		p.counters[name] = c
	}
	for name, help := range histogramHelp {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(h)
		p.histograms[name] = h
	}

	return p
}

// Inc increments the named counter.
func (p *PrometheusRecorder) Inc(_ context.Context, name string) {
	if c, ok := p.counters[name]; ok {
		c.Inc()
	}
}

// IncError increments sns_email_errors_total{source}.
func (p *PrometheusRecorder) IncError(_ context.Context, source string) {
	p.errors.WithLabelValues(source).Inc()
}

// Observe records d, in seconds, in the named histogram.
func (p *PrometheusRecorder) Observe(_ context.Context, name string, d time.Duration) {
	if h, ok := p.histograms[name]; ok {
		h.Observe(d.Seconds())
	}
}

// Handler returns the text exposition handler for this recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ Recorder = (*PrometheusRecorder)(nil)
