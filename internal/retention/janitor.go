// Package retention trims old attempt history. Attempt records of items
// that reached a terminal status are kept for a retention window and then
// purged; the queue items themselves are never deleted, so routing and
// review decisions stay auditable for as long as the item exists.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/store"
)

// DefaultRetention is how long terminal items keep their attempt history.
const DefaultRetention = 30 * 24 * time.Hour

// Janitor periodically purges expired attempt records.
type Janitor struct {
	store     store.AttemptStore
	interval  time.Duration
	retention time.Duration
}

// NewJanitor creates a janitor that sweeps on the given interval.
func NewJanitor(s store.AttemptStore, interval, retention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{store: s, interval: interval, retention: retention}
}

// Start runs the janitor until ctx is cancelled, sweeping once
// immediately on startup.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-j.retention)

	purged, err := j.store.PurgeAttemptsBefore(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention cycle failed")
		return
	}
	if purged > 0 {
		log.Info().
			Int64("purged_attempts", purged).
			Time("cutoff", cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}
