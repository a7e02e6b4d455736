package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// ExchangeProvider adapts the broker's direct rate endpoint to the
// PriceProvider contract. Base and quote are passed exactly as the broker
// expects them.
type ExchangeProvider struct {
	broker domain.BrokerClient
}

// NewExchangeProvider wraps a broker client as a price provider.
func NewExchangeProvider(broker domain.BrokerClient) *ExchangeProvider {
	return &ExchangeProvider{broker: broker}
}

// Name identifies this provider in price-history rows.
func (p *ExchangeProvider) Name() string {
	return "exchange"
}

// GetPrice resolves the broker market rate for coin quoted in quote.
func (p *ExchangeProvider) GetPrice(ctx context.Context, coin, quote string) (decimal.Decimal, error) {
	price, err := p.broker.GetMarketRate(ctx, coin, quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange rate lookup failed: %w", err)
	}
	return price, nil
}
