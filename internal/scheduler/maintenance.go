package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
)

// Retention windows for the append-only tables.
const (
	priceHistoryRetention = 30 * 24 * time.Hour
	logRetention          = 90 * 24 * time.Hour
)

// Maintenance runs the background housekeeping jobs on a cron schedule:
// the lock sweeper, append-only table retention, and WAL checkpoints.
type Maintenance struct {
	cron    *cron.Cron
	locks   *locks.Manager
	history *oracle.HistoryRepository
	logs    *bots.LogRepository
	db      *database.DB
	log     zerolog.Logger
}

// NewMaintenance creates the maintenance runner.
func NewMaintenance(lockMgr *locks.Manager, history *oracle.HistoryRepository,
	logs *bots.LogRepository, db *database.DB, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		cron:    cron.New(),
		locks:   lockMgr,
		history: history,
		logs:    logs,
		db:      db,
		log:     log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers and starts the jobs. Cron spec errors are programming
// errors and logged at error level.
func (m *Maintenance) Start() {
	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{"@every 60s", "lock_sweep", m.locks.SweepExpired},
		{"@daily", "price_history_retention", m.trimPriceHistory},
		{"@daily", "log_retention", m.trimLogs},
		{"@every 6h", "wal_checkpoint", m.walCheckpoint},
	}
	for _, j := range jobs {
		if _, err := m.cron.AddFunc(j.spec, j.fn); err != nil {
			m.log.Error().Err(err).Str("job", j.name).Msg("Failed to register maintenance job")
		}
	}
	m.cron.Start()
	m.log.Info().Msg("Maintenance jobs started")
}

// Stop stops the cron and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintenance) trimPriceHistory() {
	n, err := m.history.DeleteOlderThan(time.Now().Add(-priceHistoryRetention))
	if err != nil {
		m.log.Error().Err(err).Msg("Price history retention failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("deleted", n).Msg("Price history trimmed")
	}
}

func (m *Maintenance) trimLogs() {
	n, err := m.logs.DeleteOlderThan(time.Now().Add(-logRetention))
	if err != nil {
		m.log.Error().Err(err).Msg("Log retention failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("deleted", n).Msg("Log entries trimmed")
	}
}

func (m *Maintenance) walCheckpoint() {
	if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
		m.log.Error().Err(err).Msg("WAL checkpoint failed")
	}
}
