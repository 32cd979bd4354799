package api

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts endpoint traffic.
type Metrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
}

// NewMetrics builds the endpoint instruments.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.requests, err = m.NewInt64Counter("api_requests")
	if err != nil {
		return nil, err
	}
	metrics.errors, err = m.NewInt64Counter("api_request_errors")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// countRequest is nil-safe so tests can run without instruments.
func (m *Metrics) countRequest(path string, isError bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	endpoint := attribute.String("endpoint", path)
	m.requests.Add(ctx, 1, endpoint)
	if isError {
		m.errors.Add(ctx, 1, endpoint)
	}
}
