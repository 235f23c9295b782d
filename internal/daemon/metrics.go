package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's operational instruments, separate from
// the decision metrics the orchestrator records.
type Metrics struct {
	sweeps        metric.Int64Counter
	sweepClosed   metric.Int64Counter
	sweepDuration metric.Float64Histogram
	httpRequests  metric.Int64Counter
}

// NewMetrics registers the daemon instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("hoist.daemon")

	sweeps, err := meter.Int64Counter(
		"hoist.daemon.sweeps",
		metric.WithDescription("Number of sweep runs"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	sweepClosed, err := meter.Int64Counter(
		"hoist.daemon.sweep.closed",
		metric.WithDescription("Requests closed by the sweeper"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"hoist.daemon.sweep.duration",
		metric.WithDescription("Duration of sweep runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	httpRequests, err := meter.Int64Counter(
		"hoist.daemon.http.requests",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sweeps:        sweeps,
		sweepClosed:   sweepClosed,
		sweepDuration: sweepDuration,
		httpRequests:  httpRequests,
	}, nil
}

// RecordSweep records one sweep run.
func (m *Metrics) RecordSweep(ctx context.Context, closed int, durationSeconds float64) {
	m.sweeps.Add(ctx, 1)
	if closed > 0 {
		m.sweepClosed.Add(ctx, int64(closed))
	}
	m.sweepDuration.Record(ctx, durationSeconds)
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, route string, status int) {
	m.httpRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
}
