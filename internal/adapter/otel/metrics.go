package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "synapse"

// Metrics holds the exported query instruments.
type Metrics struct {
	QueriesStarted   metric.Int64Counter
	QueriesCompleted metric.Int64Counter
	QueriesFailed    metric.Int64Counter
	QueryDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.QueriesStarted, err = meter.Int64Counter("synapse.queries.started",
		metric.WithDescription("Number of queries accepted"))
	if err != nil {
		return nil, err
	}

	m.QueriesCompleted, err = meter.Int64Counter("synapse.queries.completed",
		metric.WithDescription("Number of queries completed"))
	if err != nil {
		return nil, err
	}

	m.QueriesFailed, err = meter.Int64Counter("synapse.queries.failed",
		metric.WithDescription("Number of queries failed"))
	if err != nil {
		return nil, err
	}

	m.QueryDuration, err = meter.Float64Histogram("synapse.query.duration_seconds",
		metric.WithDescription("Query duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
