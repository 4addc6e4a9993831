package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector receives circuit breaker outcomes
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string)                     {}
func (noopMetrics) RecordFailure(string)                     {}
func (noopMetrics) RecordStateChange(string, string, string) {}
func (noopMetrics) RecordRejection(string)                   {}

// OTelMetrics records breaker activity as OpenTelemetry counters on the
// global meter provider.
type OTelMetrics struct {
	outcomes    metric.Int64Counter
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
}

// NewOTelMetrics creates the breaker instruments.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("checkout-service/resilience")

	outcomes, err := meter.Int64Counter("circuit_breaker.calls",
		metric.WithDescription("Calls executed through a circuit breaker, by result"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("circuit_breaker.state_change",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("circuit_breaker.rejected",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{outcomes: outcomes, transitions: transitions, rejections: rejections}, nil
}

func (m *OTelMetrics) RecordSuccess(name string) {
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("result", "success"),
	))
}

func (m *OTelMetrics) RecordFailure(name string) {
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("result", "failure"),
	))
}

func (m *OTelMetrics) RecordStateChange(name string, from, to string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

func (m *OTelMetrics) RecordRejection(name string) {
	m.rejections.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}
