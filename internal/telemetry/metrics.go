// Package telemetry emits operational metrics to CloudWatch. Emission is
// best-effort: a metric that fails to publish is logged and dropped, never
// surfaced to the caller.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"coinbank/internal/types"
)

// CloudWatchClient abstracts PutMetricData for testability. Production code
// passes the *cloudwatch.Client from aws-sdk-go-v2.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes counters and durations under the engine's
// namespace. It implements the MetricsRecorder interfaces in the economy,
// billing, and scheduler packages.
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchEmitter creates an emitter publishing to the standard
// namespace.
func NewCloudWatchEmitter(client CloudWatchClient, logger *slog.Logger) *CloudWatchEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEmitter{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// Count emits a count metric with the given dimensions.
func (e *CloudWatchEmitter) Count(ctx context.Context, name string, value float64, dims map[string]string) {
	e.put(ctx, name, value, cwtypes.StandardUnitCount, dims)
}

// Duration emits a millisecond timing metric with the given dimensions.
func (e *CloudWatchEmitter) Duration(ctx context.Context, name string, d time.Duration, dims map[string]string) {
	e.put(ctx, name, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
}

func (e *CloudWatchEmitter) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish metric",
			slog.String("metric", name),
			slog.Any("error", err))
	}
}
