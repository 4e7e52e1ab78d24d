package storeserver

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"fleetd/internal/storage"
	"fleetd/pkg/logger"
)

// Janitor purges finished missions that fell out of the retention window.
// Terminal missions are kept for inspection until then; robots live until
// they are deleted explicitly.
type Janitor struct {
	cron      *cron.Cron
	db        *storage.DB
	retention time.Duration
}

// NewJanitor schedules a periodic purge. The schedule uses the standard
// five field cron syntax, descriptors like "@hourly" included.
func NewJanitor(db *storage.DB, retention time.Duration, schedule string) (*Janitor, error) {
	j := &Janitor{cron: cron.New(), db: db, retention: retention}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running sweeps on the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	cutoff := time.Now().Add(-j.retention)
	n, err := j.db.PurgeMissions(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to purge finished missions")
		return
	}
	if n > 0 {
		logger.Info().
			Int64("purged", n).
			Time("cutoff", cutoff).
			Msg("Purged finished missions")
	}
}
