package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RunRetention deletes memories older than retentionDays from every backend
// that supports it. retentionDays <= 0 disables retention.
func RunRetention(ctx context.Context, svc *Service, retentionDays int) int64 {
	if svc == nil || retentionDays <= 0 {
		return 0
	}

	ctx, span := tracer.Start(ctx, "memory.retention",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	purged, err := svc.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("memory_retention_failed")
	}
	if purged > 0 {
		retentionPurged.Add(ctx, purged)
		log.Info().
			Int64("purged", purged).
			Time("cutoff", cutoff).
			Msg("memory_retention_completed")
	}
	span.SetAttributes(attribute.Int64("purged", purged))
	return purged
}
