package entitlement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the entitlement OpenTelemetry instruments
type Metrics struct {
	Requests        metric.Int64Counter
	RequestDuration metric.Float64Histogram
	SeatDenials     metric.Int64Counter
	Transitions     metric.Int64Counter
}

// NewMetrics creates the entitlement instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Requests, err = meter.Int64Counter(
		"entitlement_requests_total",
		metric.WithDescription("Entitlement operations by operation and result code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"entitlement_request_duration_seconds",
		metric.WithDescription("Entitlement operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.SeatDenials, err = meter.Int64Counter(
		"entitlement_seat_denials_total",
		metric.WithDescription("Activations refused because every seat was in use"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create seat denials counter: %w", err)
	}

	m.Transitions, err = meter.Int64Counter(
		"entitlement_status_transitions_total",
		metric.WithDescription("License status transitions by target status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordRequest(ctx context.Context, op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", result),
	)
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("operation", op)))
}

func (m *Metrics) recordSeatDenial(ctx context.Context) {
	if m == nil {
		return
	}
	m.SeatDenials.Add(ctx, 1)
}

func (m *Metrics) recordTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))
}
