package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/rebalancer/internal/domain"
)

type stubProvider struct {
	name   string
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) GetPrice(ctx context.Context, coin, quote string) (decimal.Decimal, error) {
	p.calls++
	if p.err != nil {
		return decimal.Zero, p.err
	}
	price, ok := p.prices[coin]
	if !ok {
		return decimal.Zero, errors.New("unknown coin")
	}
	return price, nil
}

type captureHistory struct {
	points []domain.PricePoint
}

func (h *captureHistory) Record(point domain.PricePoint) error {
	h.points = append(h.points, point)
	return nil
}

func newOracle(primary, fallback *stubProvider, history HistoryWriter) *Oracle {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return New([]domain.PriceProvider{primary, fallback}, history, log)
}

func TestGetPrice_PrimaryServes(t *testing.T) {
	primary := &stubProvider{name: "exchange", prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(50000)}}
	fallback := &stubProvider{name: "aggregator"}
	history := &captureHistory{}
	o := newOracle(primary, fallback, history)

	quote, err := o.GetPrice(context.Background(), DefaultStrategy, "btc", "USDT", 1)
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, "exchange", quote.Source)
	assert.Zero(t, fallback.calls, "fallback untouched when primary serves")

	require.Len(t, history.points, 1)
	assert.Equal(t, "BTC", history.points[0].Coin)
	assert.Equal(t, int64(1), history.points[0].BotID)
}

func TestGetPrice_FallbackOnPrimaryFailure(t *testing.T) {
	primary := &stubProvider{name: "exchange", err: errors.New("rate endpoint down")}
	fallback := &stubProvider{name: "aggregator", prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(49950)}}
	o := newOracle(primary, fallback, nil)

	quote, err := o.GetPrice(context.Background(), DefaultStrategy, "BTC", "USDT", 1)
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.NewFromInt(49950)))
	assert.Equal(t, "aggregator (fallback)", quote.Source)
}

func TestGetPrice_BothFail(t *testing.T) {
	primary := &stubProvider{name: "exchange", err: errors.New("down")}
	fallback := &stubProvider{name: "aggregator", err: errors.New("also down")}
	o := newOracle(primary, fallback, nil)

	_, err := o.GetPrice(context.Background(), DefaultStrategy, "BTC", "USDT", 1)
	require.Error(t, err)

	var unavailable *domain.PriceUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "BTC", unavailable.Coin)
	assert.Error(t, unavailable.Primary)
	assert.Error(t, unavailable.Fallback)
}

func TestGetPrice_NonPositivePriceRejected(t *testing.T) {
	primary := &stubProvider{name: "exchange", prices: map[string]decimal.Decimal{"BTC": decimal.Zero}}
	fallback := &stubProvider{name: "aggregator", prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(50000)}}
	o := newOracle(primary, fallback, nil)

	quote, err := o.GetPrice(context.Background(), DefaultStrategy, "BTC", "USDT", 1)
	require.NoError(t, err)
	assert.Equal(t, "aggregator (fallback)", quote.Source)
}

func TestGetPrices_SkipsUnavailableCoins(t *testing.T) {
	primary := &stubProvider{name: "exchange", prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(50000),
		"ETH": decimal.NewFromInt(3000),
	}}
	fallback := &stubProvider{name: "aggregator", err: errors.New("down")}
	o := newOracle(primary, fallback, nil)

	prices := o.GetPrices(context.Background(), DefaultStrategy, []string{"BTC", "ETH", "SOL"}, "USDT", 1)
	assert.Len(t, prices, 2)
	assert.Contains(t, prices, "BTC")
	assert.Contains(t, prices, "ETH")
	assert.NotContains(t, prices, "SOL")
}
