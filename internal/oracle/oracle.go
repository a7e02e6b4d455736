// Package oracle resolves coin prices through an ordered pair of providers
// and writes every successful observation to the price-history log.
package oracle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// Strategy carries the ordered provider identifiers for a lookup.
type Strategy struct {
	Primary  string
	Fallback string
}

// DefaultStrategy prefers the exchange broker's direct rate endpoint with
// the public aggregator as fallback.
var DefaultStrategy = Strategy{Primary: "exchange", Fallback: "aggregator"}

// HistoryWriter records observed prices. Satisfied by the price-history
// repository.
type HistoryWriter interface {
	Record(point domain.PricePoint) error
}

// Oracle resolves prices. It is pure with respect to external inputs: no
// caching happens across ticks beyond what providers themselves do.
type Oracle struct {
	providers map[string]domain.PriceProvider
	history   HistoryWriter
	log       zerolog.Logger
}

// New creates an oracle over the given providers.
func New(providers []domain.PriceProvider, history HistoryWriter, log zerolog.Logger) *Oracle {
	byName := make(map[string]domain.PriceProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Oracle{
		providers: byName,
		history:   history,
		log:       log.With().Str("service", "oracle").Logger(),
	}
}

// GetPrice resolves the price of coin quoted in quote for the bot, trying
// the primary provider then the fallback. The returned quote's Source names
// the provider that produced the value, suffixed with "(fallback)" when the
// fallback path served it. Both providers failing surfaces a
// PriceUnavailableError carrying both reasons.
func (o *Oracle) GetPrice(ctx context.Context, strategy Strategy, coin, quote string, botID int64) (*domain.PriceQuote, error) {
	coin = domain.NormalizeCoin(coin)

	price, err := o.fromProvider(ctx, strategy.Primary, coin, quote)
	if err == nil {
		return o.observed(botID, coin, price, strategy.Primary)
	}
	primaryErr := err

	o.log.Warn().
		Err(primaryErr).
		Str("provider", strategy.Primary).
		Str("coin", coin).
		Int64("bot_id", botID).
		Msg("Primary price provider failed, trying fallback")

	price, err = o.fromProvider(ctx, strategy.Fallback, coin, quote)
	if err == nil {
		return o.observed(botID, coin, price, strategy.Fallback+" (fallback)")
	}

	return nil, &domain.PriceUnavailableError{
		Coin:     coin,
		Primary:  primaryErr,
		Fallback: err,
	}
}

// GetPrices resolves all coins in the basket, skipping the ones that are
// unavailable. The returned map only contains resolved coins.
func (o *Oracle) GetPrices(ctx context.Context, strategy Strategy, coins []string, quote string, botID int64) map[string]domain.PriceQuote {
	prices := make(map[string]domain.PriceQuote, len(coins))
	for _, coin := range coins {
		q, err := o.GetPrice(ctx, strategy, coin, quote, botID)
		if err != nil {
			o.log.Warn().
				Err(err).
				Str("coin", coin).
				Int64("bot_id", botID).
				Msg("Price unavailable, coin skipped for this tick")
			continue
		}
		prices[domain.NormalizeCoin(coin)] = *q
	}
	return prices
}

func (o *Oracle) fromProvider(ctx context.Context, name, coin, quote string) (decimal.Decimal, error) {
	provider, ok := o.providers[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown price provider %q", name)
	}

	price, err := provider.GetPrice(ctx, coin, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("provider %s returned non-positive price for %s", name, coin)
	}
	return price, nil
}

func (o *Oracle) observed(botID int64, coin string, price decimal.Decimal, source string) (*domain.PriceQuote, error) {
	if o.history != nil {
		if err := o.history.Record(domain.PricePoint{
			BotID:  botID,
			Coin:   coin,
			Price:  price,
			Source: source,
		}); err != nil {
			// History is advisory; a write failure never fails the lookup.
			o.log.Warn().Err(err).Str("coin", coin).Msg("Failed to record price history")
		}
	}

	return &domain.PriceQuote{Price: price, Source: source}, nil
}
