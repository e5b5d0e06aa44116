package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/metrics"
)

// DefaultReportInterval is the period between stats reports.
const DefaultReportInterval = 30 * time.Second

// Reporter periodically logs session counts, updates gauges and refreshes the mirror.
// It only reads the registry.
type Reporter struct {
	registry *Registry
	mirror   Mirror
	interval time.Duration
	log      zerolog.Logger
}

// NewReporter creates a reporter for registry. mirror may be nil.
func NewReporter(registry *Registry, mirror Mirror, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		registry: registry,
		mirror:   mirror,
		interval: interval,
		log:      logger.Component("reporter"),
	}
}

// Run reports every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report emits one stats report and returns the counts.
func (r *Reporter) Report(ctx context.Context) Stats {
	stats := r.registry.Stats()

	metrics.SessionsActive.Set(float64(stats.Total))
	metrics.UplinksStreaming.Set(float64(stats.Streaming))

	r.log.Info().
		Int("active_connections", stats.Total).
		Int("tcp_connections", stats.Streaming).
		Msg("stats")

	if r.mirror != nil && stats.Total > 0 {
		mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		defer cancel()
		// Keys outlive a few missed reports before expiring.
		if err := r.mirror.Publish(mctx, r.registry.Snapshot(), 3*r.interval); err != nil {
			r.log.Warn().Err(err).Msg("failed to publish session mirror")
		}
	}
	return stats
}
