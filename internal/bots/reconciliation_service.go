package bots

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/events"
)

// DiscrepancySeverity classifies a reconciliation finding.
type DiscrepancySeverity string

const (
	SeverityHigh   DiscrepancySeverity = "HIGH"
	SeverityMedium DiscrepancySeverity = "MEDIUM"
	SeverityLow    DiscrepancySeverity = "LOW"
)

// Divergence bands. Percent difference between tracked and live amounts.
var (
	highBand   = decimal.NewFromInt(10)
	mediumBand = decimal.NewFromInt(2)
)

// Discrepancy is one reconciliation finding. Advisory only; the Asset table
// is never written from here.
type Discrepancy struct {
	BotID          int64               `json:"bot_id"`
	Coin           string              `json:"coin"`
	TrackedAmount  decimal.Decimal     `json:"tracked_amount"`
	LiveAmount     decimal.Decimal     `json:"live_amount"`
	DivergencePct  decimal.Decimal     `json:"divergence_percent"`
	Severity       DiscrepancySeverity `json:"severity"`
	Detail         string              `json:"detail"`
	CheckedAt      time.Time           `json:"checked_at"`
	BrokerAccounts string              `json:"broker_account,omitempty"`
}

// ReconciliationService compares bot-tracked Asset rows against
// broker-reported balances on demand.
type ReconciliationService struct {
	botRepo *BotRepository
	assets  *AssetRepository
	broker  domain.BrokerClient
	events  *events.Manager
	log     zerolog.Logger
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(botRepo *BotRepository, assets *AssetRepository,
	broker domain.BrokerClient, ev *events.Manager, log zerolog.Logger) *ReconciliationService {
	return &ReconciliationService{
		botRepo: botRepo,
		assets:  assets,
		broker:  broker,
		events:  ev,
		log:     log.With().Str("service", "reconciliation").Logger(),
	}
}

// ReconcileBot checks one bot's tracked position against the exchange.
func (s *ReconciliationService) ReconcileBot(ctx context.Context, botID int64) ([]Discrepancy, error) {
	bot, err := s.botRepo.Get(botID)
	if err != nil {
		return nil, err
	}

	asset, err := s.assets.Get(botID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, nil
	}

	balances, err := s.broker.GetAccountBalances(ctx, bot.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch live balances: %w", err)
	}

	live := decimal.Zero
	for _, b := range balances {
		if strings.EqualFold(b.Coin, asset.Coin) {
			live = b.Amount
			break
		}
	}

	d := s.classify(bot, asset, live)
	if d == nil {
		return nil, nil
	}

	s.log.Warn().
		Int64("bot_id", botID).
		Str("coin", d.Coin).
		Str("severity", string(d.Severity)).
		Str("tracked", d.TrackedAmount.String()).
		Str("live", d.LiveAmount.String()).
		Msg("Balance discrepancy detected")
	if s.events != nil {
		s.events.Emit(events.Discrepancy, "reconciliation", map[string]interface{}{
			"bot_id":   botID,
			"coin":     d.Coin,
			"severity": string(d.Severity),
		})
	}
	return []Discrepancy{*d}, nil
}

// ReconcileAll checks every enabled bot. Broker errors for one bot do not
// stop the sweep.
func (s *ReconciliationService) ReconcileAll(ctx context.Context) ([]Discrepancy, error) {
	bots, err := s.botRepo.ListEnabled()
	if err != nil {
		return nil, err
	}

	var all []Discrepancy
	for _, bot := range bots {
		found, err := s.ReconcileBot(ctx, bot.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("bot_id", bot.ID).Msg("Reconciliation failed for bot")
			continue
		}
		all = append(all, found...)
	}
	return all, nil
}

func (s *ReconciliationService) classify(bot *domain.Bot, asset *domain.Asset, live decimal.Decimal) *Discrepancy {
	if asset.Amount.Equal(live) {
		return nil
	}

	var pct decimal.Decimal
	if asset.Amount.IsPositive() {
		pct = asset.Amount.Sub(live).Abs().
			DivRound(asset.Amount, 8).
			Mul(decimal.NewFromInt(100))
	} else {
		pct = decimal.NewFromInt(100)
	}

	severity := SeverityLow
	if pct.GreaterThanOrEqual(highBand) {
		severity = SeverityHigh
	} else if pct.GreaterThanOrEqual(mediumBand) {
		severity = SeverityMedium
	}

	return &Discrepancy{
		BotID:          bot.ID,
		Coin:           asset.Coin,
		TrackedAmount:  asset.Amount,
		LiveAmount:     live,
		DivergencePct:  pct.Round(4),
		Severity:       severity,
		Detail:         fmt.Sprintf("tracked %s, exchange reports %s", asset.Amount.String(), live.String()),
		CheckedAt:      time.Now().UTC(),
		BrokerAccounts: bot.AccountID,
	}
}
