package executor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// TradeRepository persists parent trades and their steps.
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a new trade repository.
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// CreateParent opens a parent trade row in in_progress.
func (r *TradeRepository) CreateParent(trade *domain.Trade) error {
	now := time.Now().UTC()
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = now
	}
	trade.Status = domain.TradeInProgress

	res, err := r.db.Exec(`
		INSERT INTO trades (bot_id, trade_id, kind, from_coin, to_coin,
		                    from_amount, to_amount, from_price, to_price,
		                    commission_amount, commission_rate, status, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trade.BotID,
		nullableString(trade.TradeID),
		string(trade.Kind),
		domain.NormalizeCoin(trade.FromCoin),
		domain.NormalizeCoin(trade.ToCoin),
		trade.FromAmount.String(),
		trade.ToAmount.String(),
		trade.FromPrice.String(),
		trade.ToPrice.String(),
		trade.CommissionAmount.String(),
		trade.CommissionRate.String(),
		string(trade.Status),
		trade.ExecutedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	trade.ID, _ = res.LastInsertId()
	return nil
}

// CompleteParent writes the final amounts and marks the trade completed.
func (r *TradeRepository) CompleteParent(trade *domain.Trade) error {
	now := time.Now().UTC()
	trade.Status = domain.TradeCompleted
	trade.CompletedAt = &now

	_, err := r.db.Exec(`
		UPDATE trades
		SET trade_id = ?, from_amount = ?, to_amount = ?, from_price = ?, to_price = ?,
		    commission_amount = ?, commission_rate = ?, status = ?, completed_at = ?
		WHERE id = ?
	`,
		nullableString(trade.TradeID),
		trade.FromAmount.String(),
		trade.ToAmount.String(),
		trade.FromPrice.String(),
		trade.ToPrice.String(),
		trade.CommissionAmount.String(),
		trade.CommissionRate.String(),
		string(trade.Status),
		now.Format(time.RFC3339Nano),
		trade.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete trade: %w", err)
	}
	return nil
}

// FailParent marks the parent trade failed.
func (r *TradeRepository) FailParent(tradeID int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.Exec(`
		UPDATE trades SET status = 'failed', completed_at = ? WHERE id = ?
	`, now, tradeID)
	if err != nil {
		return fmt.Errorf("failed to mark trade failed: %w", err)
	}
	return nil
}

// CreateStep inserts a trade step under its parent.
func (r *TradeRepository) CreateStep(step *domain.TradeStep) error {
	if step.ExecutedAt.IsZero() {
		step.ExecutedAt = time.Now().UTC()
	}

	var raw interface{}
	if len(step.RawData) > 0 {
		raw = string(step.RawData)
	}

	res, err := r.db.Exec(`
		INSERT INTO trade_steps (parent_trade_id, step_number, trade_id, from_coin, to_coin,
		                         from_amount, to_amount, from_price, to_price,
		                         commission_amount, commission_rate, status,
		                         executed_at, completed_at, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		step.ParentTradeID,
		step.StepNumber,
		step.TradeID,
		domain.NormalizeCoin(step.FromCoin),
		domain.NormalizeCoin(step.ToCoin),
		step.FromAmount.String(),
		step.ToAmount.String(),
		step.FromPrice.String(),
		step.ToPrice.String(),
		step.CommissionAmount.String(),
		step.CommissionRate.String(),
		string(step.Status),
		step.ExecutedAt.Format(time.RFC3339Nano),
		nullableTime(step.CompletedAt),
		raw,
	)
	if err != nil {
		return fmt.Errorf("failed to create trade step: %w", err)
	}
	step.ID, _ = res.LastInsertId()
	return nil
}

// Get returns one trade by row id.
func (r *TradeRepository) Get(id int64) (*domain.Trade, error) {
	row := r.db.QueryRow(`
		SELECT id, bot_id, trade_id, kind, from_coin, to_coin, from_amount, to_amount,
		       from_price, to_price, commission_amount, commission_rate, status,
		       executed_at, completed_at
		FROM trades WHERE id = ?
	`, id)
	trade, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: trade %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

// Recent returns the latest trades for a bot, newest first.
func (r *TradeRepository) Recent(botID int64, limit int) ([]domain.Trade, error) {
	rows, err := r.db.Query(`
		SELECT id, bot_id, trade_id, kind, from_coin, to_coin, from_amount, to_amount,
		       from_price, to_price, commission_amount, commission_rate, status,
		       executed_at, completed_at
		FROM trades
		WHERE bot_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, *trade)
	}
	return out, rows.Err()
}

// Steps returns the steps of a parent trade in execution order.
func (r *TradeRepository) Steps(parentID int64) ([]domain.TradeStep, error) {
	rows, err := r.db.Query(`
		SELECT id, parent_trade_id, step_number, trade_id, from_coin, to_coin,
		       from_amount, to_amount, from_price, to_price,
		       commission_amount, commission_rate, status, executed_at, completed_at, raw_data
		FROM trade_steps
		WHERE parent_trade_id = ?
		ORDER BY step_number
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade steps: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeStep
	for rows.Next() {
		var s domain.TradeStep
		var fromAmount, toAmount, fromPrice, toPrice, commAmount, commRate string
		var status, executedAt string
		var completedAt, raw sql.NullString

		if err := rows.Scan(&s.ID, &s.ParentTradeID, &s.StepNumber, &s.TradeID,
			&s.FromCoin, &s.ToCoin, &fromAmount, &toAmount, &fromPrice, &toPrice,
			&commAmount, &commRate, &status, &executedAt, &completedAt, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan trade step: %w", err)
		}

		if s.FromAmount, err = decimal.NewFromString(fromAmount); err != nil {
			return nil, fmt.Errorf("invalid from_amount %q: %w", fromAmount, err)
		}
		if s.ToAmount, err = decimal.NewFromString(toAmount); err != nil {
			return nil, fmt.Errorf("invalid to_amount %q: %w", toAmount, err)
		}
		if s.FromPrice, err = decimal.NewFromString(fromPrice); err != nil {
			return nil, fmt.Errorf("invalid from_price %q: %w", fromPrice, err)
		}
		if s.ToPrice, err = decimal.NewFromString(toPrice); err != nil {
			return nil, fmt.Errorf("invalid to_price %q: %w", toPrice, err)
		}
		if s.CommissionAmount, err = decimal.NewFromString(commAmount); err != nil {
			return nil, fmt.Errorf("invalid commission_amount %q: %w", commAmount, err)
		}
		if s.CommissionRate, err = decimal.NewFromString(commRate); err != nil {
			return nil, fmt.Errorf("invalid commission_rate %q: %w", commRate, err)
		}
		s.Status = domain.TradeStatusValue(status)
		if t, err := time.Parse(time.RFC3339Nano, executedAt); err == nil {
			s.ExecutedAt = t
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
				s.CompletedAt = &t
			}
		}
		if raw.Valid {
			s.RawData = json.RawMessage(raw.String)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var tradeID, completedAt sql.NullString
	var kind, fromAmount, toAmount, fromPrice, toPrice, commAmount, commRate string
	var status, executedAt string

	if err := row.Scan(&t.ID, &t.BotID, &tradeID, &kind, &t.FromCoin, &t.ToCoin,
		&fromAmount, &toAmount, &fromPrice, &toPrice, &commAmount, &commRate,
		&status, &executedAt, &completedAt); err != nil {
		return nil, err
	}

	if tradeID.Valid {
		v := tradeID.String
		t.TradeID = &v
	}
	t.Kind = domain.TradeKind(kind)
	t.Status = domain.TradeStatusValue(status)

	var err error
	if t.FromAmount, err = decimal.NewFromString(fromAmount); err != nil {
		return nil, fmt.Errorf("invalid from_amount %q: %w", fromAmount, err)
	}
	if t.ToAmount, err = decimal.NewFromString(toAmount); err != nil {
		return nil, fmt.Errorf("invalid to_amount %q: %w", toAmount, err)
	}
	if t.FromPrice, err = decimal.NewFromString(fromPrice); err != nil {
		return nil, fmt.Errorf("invalid from_price %q: %w", fromPrice, err)
	}
	if t.ToPrice, err = decimal.NewFromString(toPrice); err != nil {
		return nil, fmt.Errorf("invalid to_price %q: %w", toPrice, err)
	}
	if t.CommissionAmount, err = decimal.NewFromString(commAmount); err != nil {
		return nil, fmt.Errorf("invalid commission_amount %q: %w", commAmount, err)
	}
	if t.CommissionRate, err = decimal.NewFromString(commRate); err != nil {
		return nil, fmt.Errorf("invalid commission_rate %q: %w", commRate, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, executedAt); err == nil {
		t.ExecutedAt = ts
	}
	if completedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			t.CompletedAt = &ts
		}
	}
	return &t, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
