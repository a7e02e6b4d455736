package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// MissedRepository appends missed-trade records: candidates that scored
// positively but failed an admission rule.
type MissedRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMissedRepository creates a new missed-trade repository.
func NewMissedRepository(db *sql.DB, log zerolog.Logger) *MissedRepository {
	return &MissedRepository{
		db:  db,
		log: log.With().Str("repo", "missed_trades").Logger(),
	}
}

// Record appends one missed trade. Context may be nil.
func (r *MissedRepository) Record(botID int64, from, to string, reason domain.MissedReason,
	score decimal.Decimal, context interface{}) error {

	var ctxJSON interface{}
	if context != nil {
		b, err := json.Marshal(context)
		if err != nil {
			return fmt.Errorf("failed to marshal missed-trade context: %w", err)
		}
		ctxJSON = string(b)
	}

	_, err := r.db.Exec(`
		INSERT INTO missed_trades (bot_id, from_coin, to_coin, reason, score, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		botID,
		domain.NormalizeCoin(from),
		domain.NormalizeCoin(to),
		string(reason),
		score.String(),
		ctxJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record missed trade: %w", err)
	}
	return nil
}

// Recent returns the latest missed trades for a bot, newest first.
func (r *MissedRepository) Recent(botID int64, limit int) ([]domain.MissedTrade, error) {
	rows, err := r.db.Query(`
		SELECT id, bot_id, from_coin, to_coin, reason, score, context, created_at
		FROM missed_trades
		WHERE bot_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query missed trades: %w", err)
	}
	defer rows.Close()

	var out []domain.MissedTrade
	for rows.Next() {
		var m domain.MissedTrade
		var reason, score, createdAt string
		var ctx sql.NullString
		if err := rows.Scan(&m.ID, &m.BotID, &m.FromCoin, &m.ToCoin, &reason, &score, &ctx, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan missed trade: %w", err)
		}
		m.Reason = domain.MissedReason(reason)
		if m.Score, err = decimal.NewFromString(score); err != nil {
			return nil, fmt.Errorf("invalid score %q: %w", score, err)
		}
		if ctx.Valid {
			m.Context = json.RawMessage(ctx.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
