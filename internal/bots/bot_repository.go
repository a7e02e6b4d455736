// Package bots owns bot configuration rows, the single-Asset position
// invariant, persisted logs, and the reset and reconciliation services.
package bots

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// BotRepository handles bots table persistence.
type BotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBotRepository creates a new bot repository.
func NewBotRepository(db *sql.DB, log zerolog.Logger) *BotRepository {
	return &BotRepository{
		db:  db,
		log: log.With().Str("repo", "bots").Logger(),
	}
}

const botColumns = `id, user_id, name, coins, initial_coin, current_coin,
	threshold_percent, global_threshold_percent, check_interval_minutes,
	commission_rate, preferred_stablecoin, reference_coin,
	allocation_percent, manual_budget_amount, use_take_profit, take_profit_percent,
	account_id, enabled, last_check_time, global_peak_value,
	global_peak_value_in_eth, total_commissions_paid, created_at, updated_at, deleted_at`

// Get returns a bot by id. Soft-deleted bots are excluded.
func (r *BotRepository) Get(botID int64) (*domain.Bot, error) {
	row := r.db.QueryRow(`SELECT `+botColumns+` FROM bots WHERE id = ? AND deleted_at IS NULL`, botID)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bot %d", domain.ErrNotFound, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return bot, nil
}

// ListEnabled returns all enabled, non-deleted bots.
func (r *BotRepository) ListEnabled() ([]domain.Bot, error) {
	return r.list(`SELECT ` + botColumns + ` FROM bots WHERE enabled = 1 AND deleted_at IS NULL ORDER BY id`)
}

// ListAll returns all non-deleted bots.
func (r *BotRepository) ListAll() ([]domain.Bot, error) {
	return r.list(`SELECT ` + botColumns + ` FROM bots WHERE deleted_at IS NULL ORDER BY id`)
}

func (r *BotRepository) list(query string, args ...interface{}) ([]domain.Bot, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []domain.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

// Create inserts a new bot.
func (r *BotRepository) Create(bot *domain.Bot) error {
	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now

	res, err := r.db.Exec(`
		INSERT INTO bots (user_id, name, coins, initial_coin, current_coin,
			threshold_percent, global_threshold_percent, check_interval_minutes,
			commission_rate, preferred_stablecoin, reference_coin,
			allocation_percent, manual_budget_amount, use_take_profit, take_profit_percent,
			account_id, enabled, last_check_time, global_peak_value,
			global_peak_value_in_eth, total_commissions_paid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		bot.UserID, bot.Name, joinCoins(bot.Coins), domain.NormalizeCoin(bot.InitialCoin),
		nullableString(bot.CurrentCoin),
		bot.ThresholdPercent.String(), bot.GlobalThresholdPercent.String(), bot.CheckIntervalMinutes,
		bot.CommissionRate.String(), bot.PreferredStablecoin, bot.ReferenceCoin,
		nullableDecimal(bot.AllocationPercent), nullableDecimal(bot.ManualBudgetAmount),
		boolToInt(bot.UseTakeProfit), nullableDecimal(bot.TakeProfitPercent),
		bot.AccountID, boolToInt(bot.Enabled), nullableTime(bot.LastCheckTime),
		bot.GlobalPeakValue.String(), bot.GlobalPeakValueInETH.String(),
		bot.TotalCommissionsPaid.String(),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	bot.ID, _ = res.LastInsertId()
	return nil
}

// UpdateCurrentCoin sets current_coin after a completed swap.
func (r *BotRepository) UpdateCurrentCoin(botID int64, coin string) error {
	return r.touch(botID, `current_coin = ?`, domain.NormalizeCoin(coin))
}

// UpdateLastCheckTime stamps the tick time. Called unconditionally on every
// tick, success or not.
func (r *BotRepository) UpdateLastCheckTime(botID int64, t time.Time) error {
	return r.touch(botID, `last_check_time = ?`, t.UTC().Format(time.RFC3339Nano))
}

// RaiseGlobalPeak sets global_peak_value to the given value only when it
// exceeds the stored one. Peak value is non-decreasing outside resets.
func (r *BotRepository) RaiseGlobalPeak(botID int64, value decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE bots
		SET global_peak_value = CASE
		        WHEN CAST(? AS REAL) > CAST(global_peak_value AS REAL) THEN ?
		        ELSE global_peak_value
		    END,
		    updated_at = ?
		WHERE id = ?
	`, value.String(), value.String(), time.Now().UTC().Format(time.RFC3339Nano), botID)
	if err != nil {
		return fmt.Errorf("failed to raise global peak: %w", err)
	}
	return nil
}

// RaiseGlobalPeakInETH is the reference-coin counterpart of
// RaiseGlobalPeak, with the same monotone rule.
func (r *BotRepository) RaiseGlobalPeakInETH(botID int64, value decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE bots
		SET global_peak_value_in_eth = CASE
		        WHEN CAST(? AS REAL) > CAST(global_peak_value_in_eth AS REAL) THEN ?
		        ELSE global_peak_value_in_eth
		    END,
		    updated_at = ?
		WHERE id = ?
	`, value.String(), value.String(), time.Now().UTC().Format(time.RFC3339Nano), botID)
	if err != nil {
		return fmt.Errorf("failed to raise global peak in reference coin: %w", err)
	}
	return nil
}

// ResetGlobalPeak zeroes the peak value. Only the reset service calls this.
func (r *BotRepository) ResetGlobalPeak(botID int64) error {
	return r.touch(botID, `global_peak_value = '0', global_peak_value_in_eth = '0'`)
}

// AddCommissionPaid accumulates the lifetime commission total.
func (r *BotRepository) AddCommissionPaid(botID int64, amount decimal.Decimal) error {
	bot, err := r.Get(botID)
	if err != nil {
		return err
	}
	total := bot.TotalCommissionsPaid.Add(amount).Round(domain.MoneyScale)
	return r.touch(botID, `total_commissions_paid = ?`, total.String())
}

// SetEnabled flips the enabled flag.
func (r *BotRepository) SetEnabled(botID int64, enabled bool) error {
	return r.touch(botID, `enabled = ?`, boolToInt(enabled))
}

// ClearCurrentCoin nulls current_coin. Only the reset service calls this.
func (r *BotRepository) ClearCurrentCoin(botID int64) error {
	return r.touch(botID, `current_coin = NULL`)
}

func (r *BotRepository) touch(botID int64, setClause string, args ...interface{}) error {
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano), botID)
	_, err := r.db.Exec(`UPDATE bots SET `+setClause+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	return nil
}

func scanBot(row rowScanner) (*domain.Bot, error) {
	var bot domain.Bot
	var coins, threshold, gThreshold, commission, peak, peakETH, commTotal string
	var currentCoin, allocPercent, budget, tpPercent, lastCheck, deletedAt sql.NullString
	var useTP, enabled int
	var createdAt, updatedAt string

	if err := row.Scan(&bot.ID, &bot.UserID, &bot.Name, &coins, &bot.InitialCoin, &currentCoin,
		&threshold, &gThreshold, &bot.CheckIntervalMinutes,
		&commission, &bot.PreferredStablecoin, &bot.ReferenceCoin,
		&allocPercent, &budget, &useTP, &tpPercent,
		&bot.AccountID, &enabled, &lastCheck, &peak,
		&peakETH, &commTotal, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	bot.Coins = splitCoins(coins)
	bot.UseTakeProfit = useTP != 0
	bot.Enabled = enabled != 0
	if currentCoin.Valid {
		c := currentCoin.String
		bot.CurrentCoin = &c
	}

	var err error
	if bot.ThresholdPercent, err = decimal.NewFromString(threshold); err != nil {
		return nil, fmt.Errorf("invalid threshold_percent %q: %w", threshold, err)
	}
	if bot.GlobalThresholdPercent, err = decimal.NewFromString(gThreshold); err != nil {
		return nil, fmt.Errorf("invalid global_threshold_percent %q: %w", gThreshold, err)
	}
	if bot.CommissionRate, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("invalid commission_rate %q: %w", commission, err)
	}
	if bot.GlobalPeakValue, err = decimal.NewFromString(peak); err != nil {
		return nil, fmt.Errorf("invalid global_peak_value %q: %w", peak, err)
	}
	if bot.GlobalPeakValueInETH, err = decimal.NewFromString(peakETH); err != nil {
		return nil, fmt.Errorf("invalid global_peak_value_in_eth %q: %w", peakETH, err)
	}
	if bot.TotalCommissionsPaid, err = decimal.NewFromString(commTotal); err != nil {
		return nil, fmt.Errorf("invalid total_commissions_paid %q: %w", commTotal, err)
	}
	if bot.AllocationPercent, err = parseNullDecimal(allocPercent); err != nil {
		return nil, err
	}
	if bot.ManualBudgetAmount, err = parseNullDecimal(budget); err != nil {
		return nil, err
	}
	if bot.TakeProfitPercent, err = parseNullDecimal(tpPercent); err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastCheck.String); err == nil {
			bot.LastCheckTime = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		bot.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		bot.UpdatedAt = t
	}
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			bot.DeletedAt = &t
		}
	}
	return &bot, nil
}

func joinCoins(coins []string) string {
	normalized := make([]string, len(coins))
	for i, c := range coins {
		normalized[i] = domain.NormalizeCoin(c)
	}
	return strings.Join(normalized, ",")
}

func splitCoins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	coins := make([]string, 0, len(parts))
	for _, p := range parts {
		if c := domain.NormalizeCoin(p); c != "" {
			coins = append(coins, c)
		}
	}
	return coins
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", v.String, err)
	}
	return &d, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
