package license

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the client-side OpenTelemetry instruments
type Metrics struct {
	Checks           metric.Int64Counter
	OfflineFallbacks metric.Int64Counter
}

// NewMetrics creates the license client instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	checks, err := meter.Int64Counter(
		"license_checks_total",
		metric.WithDescription("License checks by resulting status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}
	fallbacks, err := meter.Int64Counter(
		"license_offline_fallbacks_total",
		metric.WithDescription("Checks answered from the offline cache after a connectivity failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline fallbacks counter: %w", err)
	}
	return &Metrics{Checks: checks, OfflineFallbacks: fallbacks}, nil
}

func (m *Metrics) recordCheck(ctx context.Context, op string, status Status) {
	if m == nil {
		return
	}
	m.Checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", string(status)),
	))
	if status == StatusOfflineTrusted {
		m.OfflineFallbacks.Add(ctx, 1)
	}
}
