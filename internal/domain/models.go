// Package domain holds the core data types shared across all modules.
// Types here are plain rows; behavior lives in the services that own them.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits used when persisting
// monetary values. All stored decimals are rounded to this scale so that
// equality comparisons against persisted values are stable.
const MoneyScale = 10

// Bot is the top-level configuration and runtime-state record for a single
// rebalancing bot. The basket is an ordered list of coin symbols; order
// matters for candidate tie-breaking.
type Bot struct {
	ID                     int64
	UserID                 int64
	Name                   string
	Coins                  []string
	InitialCoin            string
	CurrentCoin            *string
	ThresholdPercent       decimal.Decimal
	GlobalThresholdPercent decimal.Decimal
	CheckIntervalMinutes   int
	CommissionRate         decimal.Decimal // fallback when the broker cannot report
	PreferredStablecoin    string
	ReferenceCoin          string
	AllocationPercent      *decimal.Decimal
	ManualBudgetAmount     *decimal.Decimal
	UseTakeProfit          bool
	TakeProfitPercent      *decimal.Decimal
	AccountID              string
	Enabled                bool
	LastCheckTime          *time.Time
	GlobalPeakValue        decimal.Decimal // in preferred stablecoin
	GlobalPeakValueInETH   decimal.Decimal
	TotalCommissionsPaid   decimal.Decimal
	CreatedAt              time.Time
	UpdatedAt              time.Time
	DeletedAt              *time.Time
}

// CoinPosition returns the index of coin in the basket, or -1.
func (b *Bot) CoinPosition(coin string) int {
	for i, c := range b.Coins {
		if strings.EqualFold(c, coin) {
			return i
		}
	}
	return -1
}

// Asset is the bot's currently-held position in a single coin.
// Exactly one Asset row exists per bot after initial allocation.
type Asset struct {
	ID                   int64
	BotID                int64
	Coin                 string
	Amount               decimal.Decimal
	EntryPrice           decimal.Decimal // in preferred stablecoin
	StablecoinEquivalent decimal.Decimal
	LastUpdated          time.Time
}

// CoinSnapshot is the baseline and re-entry guard per (bot, coin).
// InitialPrice is immutable once set; MaxUnitsReached is monotone.
type CoinSnapshot struct {
	ID                 int64
	BotID              int64
	Coin               string
	InitialPrice       decimal.Decimal
	SnapshotTimestamp  time.Time
	UnitsHeld          decimal.Decimal
	ETHEquivalentValue decimal.Decimal
	WasEverHeld        bool
	MaxUnitsReached    decimal.Decimal
}

// CoinUnitTracker tracks running units per (bot, coin), updated on every
// asset mutation.
type CoinUnitTracker struct {
	ID        int64
	BotID     int64
	Coin      string
	Units     decimal.Decimal
	LastPrice decimal.Decimal
	UpdatedAt time.Time
}

// CoinDeviation is an append-only log row of one candidate evaluation.
// Dashboards read it; the engine never does.
type CoinDeviation struct {
	ID               int64
	BotID            int64
	BaseCoin         string
	TargetCoin       string
	BasePrice        decimal.Decimal
	TargetPrice      decimal.Decimal
	DeviationPercent decimal.Decimal
	CreatedAt        time.Time
}

// TradeStatusValue is the lifecycle status of a trade or trade step.
type TradeStatusValue string

const (
	TradeInProgress TradeStatusValue = "in_progress"
	TradeCompleted  TradeStatusValue = "completed"
	TradeFailed     TradeStatusValue = "failed"
)

// TradeKind distinguishes a single-submission trade from a two-step trade
// routed through the preferred stablecoin.
type TradeKind string

const (
	TradeDirect   TradeKind = "direct"
	TradeIndirect TradeKind = "indirect"
)

// Trade is the parent row of a swap execution. For a direct trade TradeID
// equals the broker's id; for a two-step trade it starts as a placeholder
// and is overwritten with the joined step ids on completion. TradeID is not
// a stable identifier before Status = completed.
type Trade struct {
	ID               int64
	BotID            int64
	TradeID          *string
	Kind             TradeKind
	FromCoin         string
	ToCoin           string
	FromAmount       decimal.Decimal
	ToAmount         decimal.Decimal
	FromPrice        decimal.Decimal
	ToPrice          decimal.Decimal
	CommissionAmount decimal.Decimal
	CommissionRate   decimal.Decimal
	Status           TradeStatusValue
	ExecutedAt       time.Time
	CompletedAt      *time.Time
}

// TradeStep is one broker submission belonging to a parent Trade.
// StepNumber is 1-based in execution order.
type TradeStep struct {
	ID               int64
	ParentTradeID    int64
	StepNumber       int
	TradeID          string
	FromCoin         string
	ToCoin           string
	FromAmount       decimal.Decimal
	ToAmount         decimal.Decimal
	FromPrice        decimal.Decimal
	ToPrice          decimal.Decimal
	CommissionAmount decimal.Decimal
	CommissionRate   decimal.Decimal
	Status           TradeStatusValue
	ExecutedAt       time.Time
	CompletedAt      *time.Time
	RawData          json.RawMessage
}

// MissedReason is the structured reason code on a MissedTrade row.
type MissedReason string

const (
	MissedBelowThreshold     MissedReason = "below_threshold"
	MissedProgressProtection MissedReason = "progress_protection"
	MissedInsufficientFunds  MissedReason = "insufficient_funds"
	MissedMinTradeAmount     MissedReason = "min_trade_amount"
	MissedAssetLocked        MissedReason = "asset_locked"
	MissedExchangeError      MissedReason = "exchange_error"
	MissedOther              MissedReason = "other"
)

// MissedTrade records a candidate that scored positively but failed an
// admission rule. Append-only.
type MissedTrade struct {
	ID        int64
	BotID     int64
	FromCoin  string
	ToCoin    string
	Reason    MissedReason
	Score     decimal.Decimal
	Context   json.RawMessage
	CreatedAt time.Time
}

// LockStatus is the status of an AssetLock row.
type LockStatus string

const (
	LockLocked   LockStatus = "locked"
	LockReleased LockStatus = "released"
)

// AssetLock is a leased claim over a (bot, coin) pair. A lock counts as held
// only while Status is locked and ExpiresAt is in the future.
type AssetLock struct {
	LockID     string
	BotID      int64
	Coin       string
	Amount     decimal.Decimal
	Reason     string
	Status     LockStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// Held reports whether the lock is currently in force.
func (l *AssetLock) Held(now time.Time) bool {
	return l.Status == LockLocked && l.ExpiresAt.After(now)
}

// PricePoint is an append-only price-history row.
type PricePoint struct {
	ID        int64
	BotID     int64
	Coin      string
	Price     decimal.Decimal
	Source    string
	Timestamp time.Time
}

// BotResetEvent is the audit row written when a bot is reset.
type BotResetEvent struct {
	ID        int64
	BotID     int64
	Reason    string
	CreatedAt time.Time
}

// LogLevel is the level domain of persisted log entries. TRADE is reserved
// for decision trace and swap outcome events.
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
	LogTrade   LogLevel = "TRADE"
)

// LogEntry is a persisted structured log row, readable by the REST layer.
type LogEntry struct {
	ID        int64
	BotID     *int64
	Level     LogLevel
	Message   string
	Context   json.RawMessage
	CreatedAt time.Time
}

// RunMode selects how the trade executor interacts with the broker.
type RunMode string

const (
	// ModeLive submits real trades through the broker.
	ModeLive RunMode = "live"
	// ModeSimulated bypasses broker submission and computes fills
	// analytically from observed prices and commission.
	ModeSimulated RunMode = "simulated"
)

// NormalizeCoin upper-cases and trims a coin symbol.
func NormalizeCoin(coin string) string {
	return strings.ToUpper(strings.TrimSpace(coin))
}
