package bots

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/rebalancer/internal/domain"
)

// LogRepository persists structured log entries readable by the REST layer.
// The TRADE level is reserved for decision trace and swap outcome events and
// backs the decision-log query.
type LogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLogRepository creates a new log repository.
func NewLogRepository(db *sql.DB, log zerolog.Logger) *LogRepository {
	return &LogRepository{
		db:  db,
		log: log.With().Str("repo", "log_entries").Logger(),
	}
}

// Append writes one log entry. Context may be nil.
func (r *LogRepository) Append(botID *int64, level domain.LogLevel, message string, context interface{}) error {
	var ctxJSON interface{}
	if context != nil {
		b, err := json.Marshal(context)
		if err != nil {
			return fmt.Errorf("failed to marshal log context: %w", err)
		}
		ctxJSON = string(b)
	}

	var botArg interface{}
	if botID != nil {
		botArg = *botID
	}

	_, err := r.db.Exec(`
		INSERT INTO log_entries (bot_id, level, message, context, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, botArg, string(level), message, ctxJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Trade appends a TRADE-level decision trace entry for a bot.
func (r *LogRepository) Trade(botID int64, message string, context interface{}) {
	if err := r.Append(&botID, domain.LogTrade, message, context); err != nil {
		r.log.Error().Err(err).Int64("bot_id", botID).Msg("Failed to persist trade log entry")
	}
}

// Recent returns the latest entries, optionally filtered by bot and level.
func (r *LogRepository) Recent(botID *int64, level *domain.LogLevel, limit int) ([]domain.LogEntry, error) {
	query := `SELECT id, bot_id, level, message, context, created_at FROM log_entries WHERE 1=1`
	var args []interface{}
	if botID != nil {
		query += ` AND bot_id = ?`
		args = append(args, *botID)
	}
	if level != nil {
		query += ` AND level = ?`
		args = append(args, string(*level))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var botCol sql.NullInt64
		var ctx sql.NullString
		var level, createdAt string
		if err := rows.Scan(&e.ID, &botCol, &level, &e.Message, &ctx, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if botCol.Valid {
			v := botCol.Int64
			e.BotID = &v
		}
		e.Level = domain.LogLevel(level)
		if ctx.Valid {
			e.Context = json.RawMessage(ctx.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOlderThan trims the log past the retention window. Wired to the
// maintenance cron.
func (r *LogRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM log_entries WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to trim log entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
