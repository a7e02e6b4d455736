package oracle

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// HistoryRepository persists the append-only price-history log.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a new price-history repository.
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "price_history").Logger(),
	}
}

// Record appends a price observation.
func (r *HistoryRepository) Record(point domain.PricePoint) error {
	ts := point.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO price_history (bot_id, coin, price, source, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		point.BotID,
		domain.NormalizeCoin(point.Coin),
		point.Price.String(),
		point.Source,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record price point: %w", err)
	}

	return nil
}

// Recent returns the most recent points for a (bot, coin), newest first.
func (r *HistoryRepository) Recent(botID int64, coin string, limit int) ([]domain.PricePoint, error) {
	rows, err := r.db.Query(`
		SELECT id, bot_id, coin, price, source, timestamp
		FROM price_history
		WHERE bot_id = ? AND coin = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, botID, domain.NormalizeCoin(coin), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		var price, ts string
		if err := rows.Scan(&p.ID, &p.BotID, &p.Coin, &price, &p.Source, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		p.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored price %q: %w", price, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.Timestamp = t
		}
		points = append(points, p)
	}

	return points, rows.Err()
}

// DeleteOlderThan trims history rows past the retention window. Used by the
// maintenance cron job.
func (r *HistoryRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM price_history WHERE timestamp < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to trim price history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug().Int64("deleted", n).Msg("Trimmed price history")
	}
	return n, nil
}
