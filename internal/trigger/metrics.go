package trigger

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/pmframework/internal/trigger")

var (
	eventsTotal     metric.Int64Counter
	eventsDropped   metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter
	processingMS    metric.Float64Histogram
	workerRecovered metric.Int64Counter
)

func init() {
	var err error
	eventsTotal, err = meter.Int64Counter("trigger.events.total",
		metric.WithDescription("Trigger events by type and outcome"))
	if err != nil {
		eventsTotal, _ = meter.Int64Counter("trigger.events.total.fallback")
	}

	eventsDropped, err = meter.Int64Counter("trigger.events.dropped",
		metric.WithDescription("Events dropped because the queue for their type was full"))
	if err != nil {
		eventsDropped, _ = meter.Int64Counter("trigger.events.dropped.fallback")
	}

	queueDepth, err = meter.Int64UpDownCounter("trigger.queue.depth",
		metric.WithDescription("Events waiting for the background worker"))
	if err != nil {
		queueDepth, _ = meter.Int64UpDownCounter("trigger.queue.depth.fallback")
	}

	processingMS, err = meter.Float64Histogram("trigger.processing_ms",
		metric.WithDescription("Time to persist an event in milliseconds"))
	if err != nil {
		processingMS, _ = meter.Float64Histogram("trigger.processing_ms.fallback")
	}

	workerRecovered, err = meter.Int64Counter("trigger.worker.panics",
		metric.WithDescription("Panics recovered while persisting queued events"))
	if err != nil {
		workerRecovered, _ = meter.Int64Counter("trigger.worker.panics.fallback")
	}
}

// Metrics is a snapshot of orchestrator counters.
type Metrics struct {
	Total                 int64              `json:"total"`
	Successful            int64              `json:"successful"`
	Failed                int64              `json:"failed"`
	Skipped               int64              `json:"skipped"`
	Dropped               int64              `json:"dropped"`
	Queued                int64              `json:"queued"`
	Immediate             int64              `json:"immediate"`
	ByType                map[Type]int64     `json:"by_type"`
	ByPriority            map[Priority]int64 `json:"by_priority"`
	SkipReasons           map[string]int64   `json:"skip_reasons"`
	QueueSize             int                `json:"queue_size"`
	QueueByType           map[Type]int       `json:"queue_by_type"`
	ActiveTriggers        int                `json:"active_triggers"`
	TotalProcessingTime   time.Duration      `json:"total_processing_time"`
	AverageProcessingTime time.Duration      `json:"average_processing_time"`
	WorkerRunning         bool               `json:"worker_running"`
}
