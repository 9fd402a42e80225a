package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/pmframework/internal/memory")

var (
	addsTotal        metric.Int64Counter
	searchesTotal    metric.Int64Counter
	backendFailures  metric.Int64Counter
	backendSwitches  metric.Int64Counter
	breakerRejected  metric.Int64Counter
	retentionPurged  metric.Int64Counter
	backendLatencyMS metric.Float64Histogram
)

func init() {
	var err error
	addsTotal, err = meter.Int64Counter("memory.adds.total",
		metric.WithDescription("Memory add operations, by outcome"))
	if err != nil {
		addsTotal, _ = meter.Int64Counter("memory.adds.total.fallback")
	}

	searchesTotal, err = meter.Int64Counter("memory.searches.total",
		metric.WithDescription("Memory search operations, by outcome"))
	if err != nil {
		searchesTotal, _ = meter.Int64Counter("memory.searches.total.fallback")
	}

	backendFailures, err = meter.Int64Counter("memory.backend.failures",
		metric.WithDescription("Backend calls that failed or timed out"))
	if err != nil {
		backendFailures, _ = meter.Int64Counter("memory.backend.failures.fallback")
	}

	backendSwitches, err = meter.Int64Counter("memory.backend.switches",
		metric.WithDescription("Active backend changes"))
	if err != nil {
		backendSwitches, _ = meter.Int64Counter("memory.backend.switches.fallback")
	}

	breakerRejected, err = meter.Int64Counter("memory.breaker.rejected",
		metric.WithDescription("Backend calls skipped because the circuit was open"))
	if err != nil {
		breakerRejected, _ = meter.Int64Counter("memory.breaker.rejected.fallback")
	}

	retentionPurged, err = meter.Int64Counter("memory.retention.purged",
		metric.WithDescription("Memories deleted by retention"))
	if err != nil {
		retentionPurged, _ = meter.Int64Counter("memory.retention.purged.fallback")
	}

	backendLatencyMS, err = meter.Float64Histogram("memory.backend.latency_ms",
		metric.WithDescription("Backend call latency in milliseconds"))
	if err != nil {
		backendLatencyMS, _ = meter.Float64Histogram("memory.backend.latency_ms.fallback")
	}
}
