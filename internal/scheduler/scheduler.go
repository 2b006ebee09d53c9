// Package scheduler runs the character directory's periodic upkeep:
// nightly audit-trail pruning and a daily census log line.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/audit"
	"github.com/seolan-project/seolan/internal/char"
)

// maintenanceHour is the local hour upkeep runs at.
const maintenanceHour = 4

// retentionDays bounds the audit trail.
const retentionDays = 30

// Scheduler manages periodic background tasks on the directory.
type Scheduler struct {
	dir   *char.Server
	store *audit.Store

	now func() time.Time
}

// NewScheduler creates a scheduler. store may be nil when auditing is
// off; only the census runs then.
func NewScheduler(dir *char.Server, store *audit.Store) *Scheduler {
	return &Scheduler{
		dir:   dir,
		store: store,
		now:   time.Now,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.store != nil {
		go s.runMaintenanceLoop(ctx)
	}
	go s.runCensusLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runMaintenanceLoop prunes the audit trail daily at the maintenance
// hour.
func (s *Scheduler) runMaintenanceLoop(ctx context.Context) {
	for {
		next := nextRunAfter(s.now())
		sleep := next.Sub(s.now())

		log.Info().
			Time("next_run", next).
			Dur("sleep", sleep).
			Msg("audit prune scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			if err := s.store.Prune(retentionDays); err != nil {
				log.Warn().Err(err).Msg("audit prune failed")
			} else {
				log.Info().Int("retention_days", retentionDays).Msg("audit trail pruned")
			}
		}
	}
}

// runCensusLoop logs a daily roster summary.
func (s *Scheduler) runCensusLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().
				Int("workers", len(s.dir.Workers())).
				Int("online", s.dir.OnlineCount()).
				Dur("uptime", s.dir.Uptime()).
				Msg("daily census")
		}
	}
}

// nextRunAfter returns the next maintenance time strictly after now.
func nextRunAfter(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), maintenanceHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
