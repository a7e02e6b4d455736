// Package engine scores candidate swaps and selects the best admissible one,
// subject to threshold admission and global progress protection.
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/deviation"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/events"
)

// DecisionKind is the outcome family of one evaluation.
type DecisionKind string

const (
	DecisionNoOp DecisionKind = "noop"
	DecisionSwap DecisionKind = "swap"
)

// NoOp reason codes.
const (
	ReasonNoCurrentCoin      = "no_current_coin"
	ReasonMissingPrice       = "missing_price"
	ReasonNoCandidate        = "no_candidate_admitted"
	ReasonProgressProtection = "progress_protection"
)

// Decision is the result of one evaluation tick.
type Decision struct {
	Kind   DecisionKind
	Reason string // set on NoOp
	From   string // set on Swap
	To     string // set on Swap
	Score  *deviation.ScoreDetails
}

// BaselineSource provides the per-coin baselines and held-history needed for
// deviation math. Satisfied by the snapshot manager.
type BaselineSource interface {
	InitialPrices(bot *domain.Bot) (map[string]decimal.Decimal, error)
	Snapshot(botID int64, coin string) (*domain.CoinSnapshot, error)
}

// TradeLogger persists TRADE-level decision trace entries.
type TradeLogger interface {
	Trade(botID int64, message string, context interface{})
}

// Engine evaluates a bot's basket against the current prices.
type Engine struct {
	baselines  BaselineSource
	deviations *deviation.Repository
	missed     *MissedRepository
	tradeLog   TradeLogger
	broker     domain.BrokerClient
	events     *events.Manager
	log        zerolog.Logger

	mu         sync.RWMutex
	takerRates map[string]decimal.Decimal // account_id -> cached broker taker rate
}

// New creates a decision engine.
func New(baselines BaselineSource, deviations *deviation.Repository, missed *MissedRepository,
	tradeLog TradeLogger, broker domain.BrokerClient, ev *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		baselines:  baselines,
		deviations: deviations,
		missed:     missed,
		tradeLog:   tradeLog,
		broker:     broker,
		events:     ev,
		log:        log.With().Str("service", "engine").Logger(),
		takerRates: make(map[string]decimal.Decimal),
	}
}

// RefreshCommission fetches and caches the broker taker rate for the bot's
// account. Failures are logged and leave the cache untouched; evaluation
// then falls back to the bot's configured rate.
func (e *Engine) RefreshCommission(ctx context.Context, bot *domain.Bot) {
	if bot.AccountID == "" {
		return
	}
	rates, err := e.broker.GetCommissionRates(ctx, bot.AccountID)
	if err != nil {
		e.log.Warn().Err(err).Int64("bot_id", bot.ID).Msg("Commission refresh failed, using fallback rate")
		return
	}
	e.mu.Lock()
	e.takerRates[bot.AccountID] = rates.Taker
	e.mu.Unlock()
}

// CommissionRate resolves the effective rate: cached broker taker rate when
// present, else the bot's configured fallback. The configured rate is never
// overwritten even after the broker reports a real one.
func (e *Engine) CommissionRate(bot *domain.Bot) decimal.Decimal {
	e.mu.RLock()
	rate, ok := e.takerRates[bot.AccountID]
	e.mu.RUnlock()
	if ok && rate.IsPositive() {
		return rate
	}
	return bot.CommissionRate
}

// Evaluate runs the full decision algorithm for one tick.
func (e *Engine) Evaluate(bot *domain.Bot, asset *domain.Asset, prices map[string]domain.PriceQuote) (*Decision, error) {
	if bot.CurrentCoin == nil || asset == nil {
		return &Decision{Kind: DecisionNoOp, Reason: ReasonNoCurrentCoin}, nil
	}

	held := domain.NormalizeCoin(*bot.CurrentCoin)
	heldQuote, ok := prices[held]
	if !ok {
		e.log.Warn().Int64("bot_id", bot.ID).Str("coin", held).Msg("Current coin price missing, tick is NoOp")
		return &Decision{Kind: DecisionNoOp, Reason: ReasonMissingPrice}, nil
	}

	baselines, err := e.baselines.InitialPrices(bot)
	if err != nil {
		return nil, err
	}
	heldBaseline, ok := baselines[held]
	if !ok {
		return &Decision{Kind: DecisionNoOp, Reason: ReasonMissingPrice}, nil
	}

	candidates, err := e.scoreCandidates(bot, asset, held, heldQuote.Price, heldBaseline, baselines, prices)
	if err != nil {
		return nil, err
	}

	best := pickBest(bot, candidates)
	if best == nil {
		e.recordBelowThreshold(bot, held, candidates)
		return &Decision{Kind: DecisionNoOp, Reason: ReasonNoCandidate}, nil
	}

	rate := e.CommissionRate(bot)
	if blocked, netValue, minAcceptable := progressBlocked(bot, asset, heldQuote.Price, rate); blocked {
		e.log.Info().
			Int64("bot_id", bot.ID).
			Str("net_value", netValue.String()).
			Str("min_acceptable", minAcceptable.String()).
			Msg("Swap blocked by global progress protection")

		if err := e.missed.Record(bot.ID, held, best.TargetCoin, domain.MissedProgressProtection,
			best.BaseScore, map[string]string{
				"net_value":      netValue.String(),
				"min_acceptable": minAcceptable.String(),
				"peak_value":     bot.GlobalPeakValue.String(),
			}); err != nil {
			e.log.Error().Err(err).Msg("Failed to record missed trade")
		}
		e.tradeLog.Trade(bot.ID, "swap blocked by progress protection", map[string]string{
			"from": held, "to": best.TargetCoin,
			"net_value": netValue.String(), "min_acceptable": minAcceptable.String(),
		})
		if e.events != nil {
			e.events.Emit(events.SwapRejected, "engine", map[string]interface{}{
				"bot_id": bot.ID, "from": held, "to": best.TargetCoin,
				"reason": ReasonProgressProtection,
			})
		}
		return &Decision{Kind: DecisionNoOp, Reason: ReasonProgressProtection}, nil
	}

	e.tradeLog.Trade(bot.ID, "swap selected", map[string]string{
		"from":       held,
		"to":         best.TargetCoin,
		"base_score": best.BaseScore.String(),
	})

	return &Decision{
		Kind:  DecisionSwap,
		From:  held,
		To:    best.TargetCoin,
		Score: best,
	}, nil
}

func (e *Engine) scoreCandidates(bot *domain.Bot, asset *domain.Asset, held string,
	heldPrice, heldBaseline decimal.Decimal,
	baselines map[string]decimal.Decimal, prices map[string]domain.PriceQuote) ([]deviation.ScoreDetails, error) {

	var candidates []deviation.ScoreDetails
	for _, coin := range bot.Coins {
		coin = domain.NormalizeCoin(coin)
		if coin == held {
			continue
		}

		quote, ok := prices[coin]
		if !ok {
			e.log.Warn().Int64("bot_id", bot.ID).Str("coin", coin).Msg("Candidate price missing, skipped")
			continue
		}
		baseline, ok := baselines[coin]
		if !ok {
			e.log.Warn().Int64("bot_id", bot.ID).Str("coin", coin).Msg("Candidate baseline missing, skipped")
			continue
		}

		snap, err := e.baselines.Snapshot(bot.ID, coin)
		if err != nil {
			return nil, err
		}
		maxUnits := decimal.Zero
		wasHeld := false
		if snap != nil {
			maxUnits = snap.MaxUnitsReached
			wasHeld = snap.WasEverHeld
		}

		metrics, err := deviation.Compute(deviation.Inputs{
			HeldCoin:         held,
			HeldAmount:       asset.Amount,
			HeldPrice:        heldPrice,
			HeldBaseline:     heldBaseline,
			CandidateCoin:    coin,
			CandidatePrice:   quote.Price,
			CandidateBase:    baseline,
			MaxUnitsReached:  maxUnits,
			CandidateWasHeld: wasHeld,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("coin", coin).Msg("Candidate metrics failed, skipped")
			continue
		}

		if err := e.deviations.Record(bot.ID, metrics); err != nil {
			e.log.Error().Err(err).Str("coin", coin).Msg("Failed to record deviation")
		}

		candidates = append(candidates, deviation.Score(metrics, bot.ThresholdPercent))
	}
	return candidates, nil
}

// pickBest returns the admissible candidate with the largest drop from its
// own baseline, the buy-low selection. Ties prefer the earlier position in
// the bot's configured coin list, resolved against the basket order rather
// than the order candidates happen to arrive in.
func pickBest(bot *domain.Bot, candidates []deviation.ScoreDetails) *deviation.ScoreDetails {
	var best *deviation.ScoreDetails
	for i := range candidates {
		c := &candidates[i]
		if !c.MeetsThreshold {
			continue
		}
		switch {
		case best == nil:
			best = c
		case c.BaseScore.LessThan(best.BaseScore):
			best = c
		case c.BaseScore.Equal(best.BaseScore) &&
			bot.CoinPosition(c.TargetCoin) < bot.CoinPosition(best.TargetCoin):
			best = c
		}
	}
	return best
}

// recordBelowThreshold writes a MissedTrade when no candidate was admitted
// but at least one moved in the favorable direction (dropped from its
// baseline) without reaching the threshold. Candidates that merely rose, or
// were vetoed by re-entry protection, are not missed trades.
func (e *Engine) recordBelowThreshold(bot *domain.Bot, held string, candidates []deviation.ScoreDetails) {
	var top *deviation.ScoreDetails
	for i := range candidates {
		c := &candidates[i]
		if !c.BaseScore.IsNegative() {
			continue
		}
		if c.UnitGainPercent != nil && c.UnitGainPercent.IsNegative() {
			continue
		}
		if top == nil || c.BaseScore.LessThan(top.BaseScore) {
			top = c
		}
	}
	if top == nil {
		return
	}

	if err := e.missed.Record(bot.ID, held, top.TargetCoin, domain.MissedBelowThreshold,
		top.BaseScore, map[string]string{
			"base_score": top.BaseScore.String(),
			"threshold":  bot.ThresholdPercent.String(),
		}); err != nil {
		e.log.Error().Err(err).Msg("Failed to record missed trade")
	}
}

// progressBlocked applies global progress protection: the swap is blocked
// when the net stablecoin value of the current position has fallen below the
// retained fraction of the lifetime peak.
func progressBlocked(bot *domain.Bot, asset *domain.Asset, heldPrice, rate decimal.Decimal) (bool, decimal.Decimal, decimal.Decimal) {
	netValue := asset.Amount.Mul(heldPrice).Mul(decimal.NewFromInt(1).Sub(rate))
	minAcceptable := bot.GlobalPeakValue.Mul(
		decimal.NewFromInt(1).Sub(bot.GlobalThresholdPercent.Div(decimal.NewFromInt(100))))

	blocked := bot.GlobalPeakValue.IsPositive() && netValue.LessThan(minAcceptable)
	return blocked, netValue, minAcceptable
}
