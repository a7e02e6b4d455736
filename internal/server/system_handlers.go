package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantfold/rebalancer/internal/database"
)

// systemHandlers serves process and database health.
type systemHandlers struct {
	db      *database.DB
	log     zerolog.Logger
	started time.Time
}

func newSystemHandlers(db *database.DB, log zerolog.Logger) *systemHandlers {
	return &systemHandlers{
		db:      db,
		log:     log.With().Str("component", "system_handlers").Logger(),
		started: time.Now(),
	}
}

func (h *systemHandlers) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int64(time.Since(h.started).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory_percent"] = memStat.UsedPercent
		status["memory_used_mb"] = memStat.Used / 1024 / 1024
	}

	if err := h.db.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database_error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["database"] = "ok"

	writeJSON(w, http.StatusOK, status)
}

func (h *systemHandlers) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"path": h.db.Path(),
	}

	tables := []string{"bots", "bot_assets", "coin_snapshots", "trades", "trade_steps",
		"missed_trades", "asset_locks", "price_history", "log_entries"}
	counts := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := h.db.QueryRow(`SELECT COUNT(*) FROM ` + t).Scan(&n); err == nil {
			counts[t] = n
		}
	}
	stats["row_counts"] = counts

	writeJSON(w, http.StatusOK, stats)
}
