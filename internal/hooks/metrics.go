package hooks

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/pmframework/internal/hooks")

var (
	hooksExecuted metric.Int64Counter
	hookLatencyMS metric.Float64Histogram
)

func init() {
	var err error
	hooksExecuted, err = meter.Int64Counter("hooks.executed.total",
		metric.WithDescription("Hook calls by name and outcome"))
	if err != nil {
		hooksExecuted, _ = meter.Int64Counter("hooks.executed.total.fallback")
	}

	hookLatencyMS, err = meter.Float64Histogram("hooks.latency_ms",
		metric.WithDescription("Hook call latency in milliseconds"))
	if err != nil {
		hookLatencyMS, _ = meter.Float64Histogram("hooks.latency_ms.fallback")
	}
}
