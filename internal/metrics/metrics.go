package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Classifier maps an operation error to a stable outcome label.
type Classifier func(err error) (code string, retryable bool)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	Operations        metric.Int64Counter
	OperationDuration metric.Float64Histogram
	GateRejections    metric.Int64Counter
	ProjectionWrites  metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	classify Classifier
}

func Setup(serviceName string, classify Classifier) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{classify: classify}

	m.HTTPRequests, err = meter.Int64Counter(
		"vault_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"vault_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Operations, err = meter.Int64Counter(
		"vault_operations_total",
		metric.WithDescription("Vault operations by name and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OperationDuration, err = meter.Float64Histogram(
		"vault_operation_duration_seconds",
		metric.WithDescription("Time spent inside a vault operation, lock wait included"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GateRejections, err = meter.Int64Counter(
		"vault_gate_rejections_total",
		metric.WithDescription("Policy gate rejections by operation kind and reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProjectionWrites, err = meter.Int64Counter(
		"vault_projection_writes_total",
		metric.WithDescription("State projection writes by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"vault_ws_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

// Operation records one vault operation. The outcome is "ok" or the error code.
func (m *Metrics) Operation(ctx context.Context, op string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if m.classify != nil {
			outcome, _ = m.classify(err)
		}
	}
	labels := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.Operations.Add(ctx, 1, labels)
	m.OperationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) Rejection(ctx context.Context, kind gate.Kind, reason string) {
	m.GateRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordProjectionWrite(ctx context.Context, ops int, err error, _ time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProjectionWrites.Add(ctx, int64(ops), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}
