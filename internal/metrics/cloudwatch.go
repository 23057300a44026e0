package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"sesrelay/internal/types"
)

// putTimeout bounds a single PutMetricData call so telemetry never stalls
// the pipeline.
const putTimeout = 2 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder implements Recorder by emitting each sample to AWS
// CloudWatch.
//
// Metrics emitted:
//   - counters: Value 1, Unit Count, no dimensions
//   - errors: sns_email_errors_total, Dims {source}
//   - histograms: Unit Milliseconds, no dimensions
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchRecorder creates a recorder publishing to the given namespace.
// An empty namespace uses types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// Inc emits a count of one for the named metric.
func (m *CloudWatchRecorder) Inc(ctx context.Context, name string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// IncError emits a count of one on the error metric with a source dimension.
func (m *CloudWatchRecorder) IncError(ctx context.Context, source string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricErrors),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{
				Name:  aws.String(types.DimSource),
				Value: aws.String(source),
			},
		},
	})
}

// Observe emits d in milliseconds for CloudWatch precision.
func (m *CloudWatchRecorder) Observe(ctx context.Context, name string, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(d.Microseconds()) / 1000),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchRecorder) put(ctx context.Context, datum cwtypes.MetricDatum) {
	// Detach from request cancellation: a finished HTTP request must not drop
	// the sample describing it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}

var _ Recorder = (*CloudWatchRecorder)(nil)
