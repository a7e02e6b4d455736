// Package executor drives a selected swap through the broker: lock the
// source coin, submit the direct or two-step trade path, record parent and
// step rows, and fold the outcome back into assets, snapshots, and the bot's
// peak value.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/events"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
)

const (
	// lockTTL bounds how long a trade may hold its source-coin lease.
	lockTTL = 5 * time.Minute

	// awaitTimeout bounds the completion poll loop per broker submission.
	awaitTimeout = 60 * time.Second
)

// safetyMargin shaves 0.5% off the computed buy units on the second leg of
// a two-step trade so the order cannot exceed the realized stable balance.
var safetyMargin = decimal.NewFromFloat(0.995)

// PriceSource resolves fresh prices mid-trade. Satisfied by the oracle.
type PriceSource interface {
	GetPrice(ctx context.Context, strategy oracle.Strategy, coin, quote string, botID int64) (*domain.PriceQuote, error)
}

// UnitRecorder folds realized units and reference-coin value into snapshot
// state. Satisfied by the snapshot manager.
type UnitRecorder interface {
	RecordUnits(botID int64, coin string, units, price decimal.Decimal) error
	RecordETHEquivalent(botID int64, coin string, value decimal.Decimal) error
}

// TradeLogger persists TRADE-level outcome entries.
type TradeLogger interface {
	Trade(botID int64, message string, context interface{})
}

// Executor is the trade state machine.
type Executor struct {
	trades    *TradeRepository
	assets    *bots.AssetRepository
	botRepo   *bots.BotRepository
	snapshots UnitRecorder
	locks     *locks.Manager
	missed    *engine.MissedRepository
	broker    domain.BrokerClient
	prices    PriceSource
	strategy  oracle.Strategy
	tradeLog  TradeLogger
	events    *events.Manager
	mode      domain.RunMode
	mockData  bool
	log       zerolog.Logger
}

// Config wires an executor. Mode is fixed at construction; tests select
// simulation by construction rather than by environment.
type Config struct {
	Trades    *TradeRepository
	Assets    *bots.AssetRepository
	Bots      *bots.BotRepository
	Snapshots UnitRecorder
	Locks     *locks.Manager
	Missed    *engine.MissedRepository
	Broker    domain.BrokerClient
	Prices    PriceSource
	Strategy  oracle.Strategy
	TradeLog  TradeLogger
	Events    *events.Manager
	Mode      domain.RunMode
	MockData  bool
}

// New creates a trade executor.
func New(cfg Config, log zerolog.Logger) *Executor {
	return &Executor{
		trades:    cfg.Trades,
		assets:    cfg.Assets,
		botRepo:   cfg.Bots,
		snapshots: cfg.Snapshots,
		locks:     cfg.Locks,
		missed:    cfg.Missed,
		broker:    cfg.Broker,
		prices:    cfg.Prices,
		strategy:  cfg.Strategy,
		tradeLog:  cfg.TradeLog,
		events:    cfg.Events,
		mode:      cfg.Mode,
		mockData:  cfg.MockData,
		log:       log.With().Str("service", "executor").Logger(),
	}
}

// Execute runs the full swap from `from` to `to` at the given commission
// rate. Prices must contain both coins (the preferred stablecoin is implied
// at 1). On any failure after the parent trade opens, the parent is marked
// failed, the lock released, and the Asset left untouched.
func (e *Executor) Execute(ctx context.Context, bot *domain.Bot, from, to string,
	prices map[string]domain.PriceQuote, rate decimal.Decimal) error {

	from = domain.NormalizeCoin(from)
	to = domain.NormalizeCoin(to)
	stable := domain.NormalizeCoin(bot.PreferredStablecoin)

	asset, err := e.assets.GetByCoin(bot.ID, from)
	if err != nil {
		return err
	}
	if asset == nil {
		return fmt.Errorf("%w: bot %d holds no %s", domain.ErrAssetMissing, bot.ID, from)
	}

	fromPrice, err := priceOf(prices, from, stable)
	if err != nil {
		return err
	}
	toPrice, err := priceOf(prices, to, stable)
	if err != nil {
		return err
	}

	if err := e.locks.CanTrade(bot.ID, from, asset.Amount); err != nil {
		e.recordMissed(bot.ID, from, to, missedReasonFor(err), err)
		return err
	}
	lease, err := e.locks.Acquire(bot.ID, from, asset.Amount, "trade_to_"+to, lockTTL)
	if err != nil {
		e.recordMissed(bot.ID, from, to, missedReasonFor(err), err)
		return err
	}
	defer func() {
		if relErr := e.locks.Release(lease.LockID, bot.ID); relErr != nil {
			e.log.Error().Err(relErr).Str("lock_id", lease.LockID).Msg("Failed to release trade lock")
		}
	}()

	// The live balance is read only once the lock is held, so another bot's
	// concurrent trade cannot invalidate the cap between read and acquire.
	amount, err := e.capAmount(ctx, bot, asset, from, fromPrice)
	if err != nil {
		return err
	}

	kind := domain.TradeDirect
	if from != stable && to != stable {
		kind = domain.TradeIndirect
	}

	placeholder := fmt.Sprintf("parent-%d", time.Now().UnixMilli())
	parent := &domain.Trade{
		BotID:          bot.ID,
		TradeID:        &placeholder,
		Kind:           kind,
		FromCoin:       from,
		ToCoin:         to,
		FromAmount:     amount,
		FromPrice:      fromPrice,
		ToPrice:        toPrice,
		CommissionRate: rate,
	}
	if err := e.trades.CreateParent(parent); err != nil {
		return err
	}

	var outcome *fill
	if kind == domain.TradeDirect {
		outcome, err = e.executeDirect(ctx, bot, parent, from, to, stable, amount, fromPrice, toPrice, rate)
	} else {
		outcome, err = e.executeIndirect(ctx, bot, parent, from, to, stable, amount, fromPrice, toPrice, rate)
	}
	if err != nil {
		if failErr := e.trades.FailParent(parent.ID); failErr != nil {
			e.log.Error().Err(failErr).Int64("trade_id", parent.ID).Msg("Failed to mark trade failed")
		}
		e.recordMissed(bot.ID, from, to, domain.MissedExchangeError, err)
		e.tradeLog.Trade(bot.ID, "swap failed", map[string]string{
			"from": from, "to": to, "error": err.Error(),
		})
		if e.events != nil {
			e.events.Emit(events.TradeFailed, "executor", map[string]interface{}{
				"bot_id": bot.ID, "from": from, "to": to, "error": err.Error(),
			})
		}
		return err
	}

	return e.settle(ctx, bot, parent, outcome, from, to, toPrice, prices)
}

// fill is the realized outcome of a trade path.
type fill struct {
	tradeID    string
	toAmount   decimal.Decimal
	netStable  decimal.Decimal
	commission decimal.Decimal
}

func (e *Executor) executeDirect(ctx context.Context, bot *domain.Bot, parent *domain.Trade,
	from, to, stable string, amount, fromPrice, toPrice, rate decimal.Decimal) (*fill, error) {

	fromValue := amount.Mul(fromPrice)
	commission := fromValue.Mul(rate)

	if e.mode == domain.ModeSimulated {
		toAmount := fromValue.Sub(commission).DivRound(toPrice, 16)
		id := simulatedID()
		e.recordStep(parent.ID, 1, id, from, to, amount, toAmount, fromPrice, toPrice, commission, rate, nil)
		return &fill{tradeID: id, toAmount: toAmount, netStable: fromValue.Sub(commission), commission: commission}, nil
	}

	req := domain.SmartTradeRequest{
		AccountID:    bot.AccountID,
		Amount:       amount,
		PositionType: domain.PositionSell,
		Pair:         pairFor(from, stable),
	}
	if from == stable {
		// Buying the target with stable: orient the pair around the target
		// and force the buy side, sized in target units.
		buy := domain.PositionBuy
		req.Pair = pairFor(to, stable)
		req.PositionType = domain.PositionBuy
		req.ForcedPositionType = &buy
		req.Amount = fromValue.Sub(commission).DivRound(toPrice, 16)
	}
	if bot.UseTakeProfit && bot.TakeProfitPercent != nil {
		req.TakeProfitPercent = bot.TakeProfitPercent
	}

	status, err := e.submitAndAwait(ctx, req)
	if err != nil {
		return nil, err
	}

	toAmount, ok := realizedAmount(status.Raw)
	if !ok {
		toAmount = fromValue.Sub(commission).DivRound(toPrice, 16)
	}

	e.recordStep(parent.ID, 1, status.ID, from, to, amount, toAmount, fromPrice, toPrice, commission, rate, status.Raw)
	return &fill{
		tradeID:    status.ID,
		toAmount:   toAmount,
		netStable:  fromValue.Sub(commission),
		commission: commission,
	}, nil
}

func (e *Executor) executeIndirect(ctx context.Context, bot *domain.Bot, parent *domain.Trade,
	from, to, stable string, amount, fromPrice, toPrice, rate decimal.Decimal) (*fill, error) {

	fromValue := amount.Mul(fromPrice)
	sellCommission := fromValue.Mul(rate)

	// Step 1: sell from -> stable.
	var stableOut decimal.Decimal
	var step1ID string
	var step1Raw json.RawMessage

	if e.mode == domain.ModeSimulated {
		stableOut = fromValue.Sub(sellCommission)
		step1ID = simulatedID()
	} else {
		status, err := e.submitAndAwait(ctx, domain.SmartTradeRequest{
			AccountID:    bot.AccountID,
			Pair:         pairFor(from, stable),
			PositionType: domain.PositionSell,
			Amount:       amount,
		})
		if err != nil {
			return nil, fmt.Errorf("step 1 (%s -> %s): %w", from, stable, err)
		}
		step1ID = status.ID
		step1Raw = status.Raw
		if out, ok := realizedAmount(status.Raw); ok {
			stableOut = out
		} else {
			stableOut = fromValue.Sub(sellCommission)
		}
	}
	e.recordStep(parent.ID, 1, step1ID, from, stable, amount, stableOut, fromPrice, decimal.NewFromInt(1), sellCommission, rate, step1Raw)

	// Step 2: buy to with the realized stable. Prices are re-read so the buy
	// sizes against the market as it is now, not as it was at tick start.
	freshToPrice := toPrice
	if e.mode == domain.ModeLive {
		quote, err := e.prices.GetPrice(ctx, e.strategy, to, stable, bot.ID)
		if err != nil {
			return nil, fmt.Errorf("step 2 price refresh for %s: %w", to, err)
		}
		freshToPrice = quote.Price
	}

	buyCommission := stableOut.Mul(rate)
	units := stableOut.DivRound(freshToPrice, 16).Mul(safetyMargin)

	var toAmount decimal.Decimal
	var step2ID string
	var step2Raw json.RawMessage

	if e.mode == domain.ModeSimulated {
		toAmount = stableOut.Sub(buyCommission).DivRound(freshToPrice, 16).Mul(safetyMargin)
		step2ID = simulatedID()
	} else {
		buy := domain.PositionBuy
		status, err := e.submitAndAwait(ctx, domain.SmartTradeRequest{
			AccountID:          bot.AccountID,
			Pair:               pairFor(to, stable),
			PositionType:       domain.PositionBuy,
			ForcedPositionType: &buy,
			Amount:             units,
		})
		if err != nil {
			return nil, fmt.Errorf("step 2 (%s -> %s): %w", stable, to, err)
		}
		step2ID = status.ID
		step2Raw = status.Raw
		if out, ok := realizedAmount(status.Raw); ok {
			toAmount = out
		} else {
			toAmount = stableOut.Sub(buyCommission).DivRound(freshToPrice, 16)
		}
	}
	e.recordStep(parent.ID, 2, step2ID, stable, to, stableOut, toAmount, decimal.NewFromInt(1), freshToPrice, buyCommission, rate, step2Raw)

	return &fill{
		tradeID:    step1ID + "-" + step2ID,
		toAmount:   toAmount,
		netStable:  stableOut.Sub(buyCommission),
		commission: sellCommission.Add(buyCommission),
	}, nil
}

// settle applies the success path: final parent row, atomic asset swap,
// snapshot and tracker update, current coin, peak value, and the
// reference-coin equivalents.
func (e *Executor) settle(ctx context.Context, bot *domain.Bot, parent *domain.Trade, outcome *fill,
	from, to string, toPrice decimal.Decimal, prices map[string]domain.PriceQuote) error {
	parent.TradeID = &outcome.tradeID
	parent.ToAmount = outcome.toAmount
	parent.CommissionAmount = outcome.commission
	if err := e.trades.CompleteParent(parent); err != nil {
		return err
	}

	newAsset := &domain.Asset{
		BotID:                bot.ID,
		Coin:                 to,
		Amount:               outcome.toAmount,
		EntryPrice:           toPrice,
		StablecoinEquivalent: outcome.netStable.Round(domain.MoneyScale),
	}
	if err := e.assets.Swap(bot.ID, newAsset); err != nil {
		return err
	}

	if err := e.snapshots.RecordUnits(bot.ID, to, outcome.toAmount, toPrice); err != nil {
		e.log.Error().Err(err).Int64("bot_id", bot.ID).Str("coin", to).Msg("Failed to record units after swap")
	}
	if err := e.botRepo.UpdateCurrentCoin(bot.ID, to); err != nil {
		return err
	}
	if err := e.botRepo.RaiseGlobalPeak(bot.ID, outcome.netStable); err != nil {
		return err
	}
	if err := e.botRepo.AddCommissionPaid(bot.ID, outcome.commission); err != nil {
		e.log.Error().Err(err).Int64("bot_id", bot.ID).Msg("Failed to accumulate commission total")
	}
	e.recordReferenceValue(ctx, bot, to, outcome.netStable, prices)

	e.log.Info().
		Int64("bot_id", bot.ID).
		Str("from", from).
		Str("to", to).
		Str("to_amount", outcome.toAmount.String()).
		Str("net_stable", outcome.netStable.String()).
		Str("trade_id", outcome.tradeID).
		Msg("Swap completed")
	e.tradeLog.Trade(bot.ID, "swap completed", map[string]string{
		"from": from, "to": to,
		"to_amount": outcome.toAmount.String(),
		"trade_id":  outcome.tradeID,
	})
	if e.events != nil {
		e.events.Emit(events.SwapExecuted, "executor", map[string]interface{}{
			"bot_id": bot.ID, "from": from, "to": to,
			"to_amount": outcome.toAmount.String(),
		})
	}
	return nil
}

// recordReferenceValue re-expresses the realized stable value in the bot's
// reference coin and folds it into the snapshot's equivalent value and the
// monotone reference-coin peak. Advisory metrics; a missing reference price
// skips the update rather than failing the settled trade.
func (e *Executor) recordReferenceValue(ctx context.Context, bot *domain.Bot, coin string,
	netStable decimal.Decimal, prices map[string]domain.PriceQuote) {

	ref := domain.NormalizeCoin(bot.ReferenceCoin)
	if ref == "" {
		return
	}
	stable := domain.NormalizeCoin(bot.PreferredStablecoin)

	refPrice, err := priceOf(prices, ref, stable)
	if err != nil {
		quote, qerr := e.prices.GetPrice(ctx, e.strategy, ref, stable, bot.ID)
		if qerr != nil {
			e.log.Warn().Err(qerr).
				Int64("bot_id", bot.ID).
				Str("reference_coin", ref).
				Msg("Reference coin price unavailable, equivalent value not updated")
			return
		}
		refPrice = quote.Price
	}
	if !refPrice.IsPositive() {
		return
	}

	refValue := netStable.DivRound(refPrice, 16)
	if err := e.snapshots.RecordETHEquivalent(bot.ID, coin, refValue); err != nil {
		e.log.Error().Err(err).Int64("bot_id", bot.ID).Str("coin", coin).Msg("Failed to record reference-coin value")
	}
	if err := e.botRepo.RaiseGlobalPeakInETH(bot.ID, refValue); err != nil {
		e.log.Error().Err(err).Int64("bot_id", bot.ID).Msg("Failed to raise reference-coin peak")
	}
}

// capAmount bounds the traded amount at the tracked asset, the live
// exchange balance, and the manual budget when configured.
func (e *Executor) capAmount(ctx context.Context, bot *domain.Bot, asset *domain.Asset,
	from string, fromPrice decimal.Decimal) (decimal.Decimal, error) {

	amount := asset.Amount

	if e.mode == domain.ModeLive && !e.mockData {
		balances, err := e.broker.GetAccountBalances(ctx, bot.AccountID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to read live balances: %w", err)
		}
		for _, b := range balances {
			if strings.EqualFold(b.Coin, from) {
				if b.Amount.LessThan(amount) {
					amount = b.Amount
				}
				break
			}
		}
	}

	if bot.ManualBudgetAmount != nil && bot.ManualBudgetAmount.IsPositive() && fromPrice.IsPositive() {
		budgetUnits := bot.ManualBudgetAmount.DivRound(fromPrice, 16)
		if budgetUnits.LessThan(amount) {
			amount = budgetUnits
		}
	}

	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no tradeable %s", domain.ErrInsufficientFunds, from)
	}
	return amount, nil
}

// submitAndAwait submits a market trade and waits for a terminal status.
// A non-terminal status after the poll budget, or a cancelled/failed
// terminal, is a trade failure.
func (e *Executor) submitAndAwait(ctx context.Context, req domain.SmartTradeRequest) (*domain.TradeStatus, error) {
	handle, err := e.broker.SubmitMarketTrade(ctx, req)
	if err != nil {
		return nil, err
	}

	status, err := e.broker.AwaitTradeCompletion(ctx, *handle, awaitTimeout)
	if err != nil {
		return nil, err
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: trade %s last status %q", domain.ErrTradeTimeout, status.ID, status.Status)
	}
	if status.Status == "cancelled" || status.Status == "failed" {
		return nil, fmt.Errorf("trade %s ended %s", status.ID, status.Status)
	}
	return status, nil
}

func (e *Executor) recordStep(parentID int64, number int, tradeID, from, to string,
	fromAmount, toAmount, fromPrice, toPrice, commission, rate decimal.Decimal, raw json.RawMessage) {

	now := time.Now().UTC()
	step := &domain.TradeStep{
		ParentTradeID:    parentID,
		StepNumber:       number,
		TradeID:          tradeID,
		FromCoin:         from,
		ToCoin:           to,
		FromAmount:       fromAmount,
		ToAmount:         toAmount,
		FromPrice:        fromPrice,
		ToPrice:          toPrice,
		CommissionAmount: commission,
		CommissionRate:   rate,
		Status:           domain.TradeCompleted,
		CompletedAt:      &now,
		RawData:          raw,
	}
	if err := e.trades.CreateStep(step); err != nil {
		e.log.Error().Err(err).Int64("parent_trade_id", parentID).Int("step", number).Msg("Failed to record trade step")
	}
}

func (e *Executor) recordMissed(botID int64, from, to string, reason domain.MissedReason, cause error) {
	ctx := map[string]string{"error": cause.Error()}
	if err := e.missed.Record(botID, from, to, reason, decimal.Zero, ctx); err != nil {
		e.log.Error().Err(err).Int64("bot_id", botID).Msg("Failed to record missed trade")
	}
}

// missedReasonFor maps a pre-trade check failure to its reason code.
func missedReasonFor(err error) domain.MissedReason {
	switch {
	case errors.Is(err, domain.ErrLockConflict):
		return domain.MissedAssetLocked
	case errors.Is(err, domain.ErrInsufficientFunds):
		return domain.MissedInsufficientFunds
	default:
		return domain.MissedOther
	}
}

// pairFor builds the broker's BASE_QUOTE pair string.
func pairFor(coin, stable string) string {
	return domain.NormalizeCoin(coin) + "_" + domain.NormalizeCoin(stable)
}

func simulatedID() string {
	return "sim-" + uuid.New().String()[:8]
}

// priceOf resolves a coin's price in the preferred stablecoin. The
// stablecoin itself is implied at 1.
func priceOf(prices map[string]domain.PriceQuote, coin, stable string) (decimal.Decimal, error) {
	coin = domain.NormalizeCoin(coin)
	if coin == stable {
		return decimal.NewFromInt(1), nil
	}
	quote, ok := prices[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price observed for %s", coin)
	}
	return quote.Price, nil
}
