package deviation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// Repository appends candidate evaluations to the coin_deviations log.
// The log feeds dashboards only; the engine never reads it back.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new deviation-log repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "coin_deviations").Logger(),
	}
}

// Record appends one candidate evaluation.
func (r *Repository) Record(botID int64, m *Metrics) error {
	_, err := r.db.Exec(`
		INSERT INTO coin_deviations (bot_id, base_coin, target_coin, base_price,
		                             target_price, deviation_percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		botID,
		domain.NormalizeCoin(m.BaseCoin),
		domain.NormalizeCoin(m.TargetCoin),
		m.BasePrice.String(),
		m.TargetPrice.String(),
		m.RelativeDeviation.Mul(decimal.NewFromInt(100)).String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record deviation: %w", err)
	}
	return nil
}

// Recent returns the latest deviation rows for a bot, newest first.
func (r *Repository) Recent(botID int64, limit int) ([]domain.CoinDeviation, error) {
	rows, err := r.db.Query(`
		SELECT id, bot_id, base_coin, target_coin, base_price, target_price,
		       deviation_percent, created_at
		FROM coin_deviations
		WHERE bot_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deviations: %w", err)
	}
	defer rows.Close()

	var out []domain.CoinDeviation
	for rows.Next() {
		var d domain.CoinDeviation
		var basePrice, targetPrice, devPercent, createdAt string
		if err := rows.Scan(&d.ID, &d.BotID, &d.BaseCoin, &d.TargetCoin,
			&basePrice, &targetPrice, &devPercent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan deviation: %w", err)
		}
		if d.BasePrice, err = decimal.NewFromString(basePrice); err != nil {
			return nil, fmt.Errorf("invalid base_price %q: %w", basePrice, err)
		}
		if d.TargetPrice, err = decimal.NewFromString(targetPrice); err != nil {
			return nil, fmt.Errorf("invalid target_price %q: %w", targetPrice, err)
		}
		if d.DeviationPercent, err = decimal.NewFromString(devPercent); err != nil {
			return nil, fmt.Errorf("invalid deviation_percent %q: %w", devPercent, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			d.CreatedAt = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
