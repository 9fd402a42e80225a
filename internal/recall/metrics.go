package recall

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/pmframework/internal/recall")

var recallRequests metric.Int64Counter

func init() {
	var err error
	recallRequests, err = meter.Int64Counter("recall.requests.total",
		metric.WithDescription("Recall requests by outcome"))
	if err != nil {
		recallRequests, _ = meter.Int64Counter("recall.requests.total.fallback")
	}
}
