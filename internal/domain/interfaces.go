package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PositionType is the broker-side direction of a market trade. It must be
// consistent with the pair orientation the broker expects (BASE_QUOTE).
type PositionType string

const (
	PositionBuy  PositionType = "buy"
	PositionSell PositionType = "sell"
)

// Account is an exchange account visible through the broker.
type Account struct {
	ID           string
	Name         string
	ExchangeName string
	MarketCode   string
}

// Balance is a single non-zero coin balance on an exchange account.
type Balance struct {
	Coin        string
	Amount      decimal.Decimal
	AmountInUSD decimal.Decimal
}

// CommissionSource records where a commission rate came from.
type CommissionSource string

const (
	CommissionFromAPI         CommissionSource = "api"
	CommissionFromAccountInfo CommissionSource = "account_info"
	CommissionDefault         CommissionSource = "default"
)

// CommissionRates holds maker/taker rates as decimal fractions
// (0.001 = 0.1%). Exchange is the exchange identifier they apply to.
type CommissionRates struct {
	Maker    decimal.Decimal
	Taker    decimal.Decimal
	Exchange string
	Source   CommissionSource
}

// SmartTradeRequest describes a market smart-trade submission.
// ForcedPositionType overrides the position type the client would derive
// from the pair, for callers that know the correct orientation.
type SmartTradeRequest struct {
	AccountID          string
	Pair               string // BASE_QUOTE
	PositionType       PositionType
	Amount             decimal.Decimal
	TakeProfitPercent  *decimal.Decimal
	ForcedPositionType *PositionType
	Demo               bool
}

// TradeHandle identifies a submitted trade at the broker.
type TradeHandle struct {
	ID string
}

// TradeStatus is the broker-reported state of a submitted trade. Raw holds
// the full provider payload for realized-amount extraction.
type TradeStatus struct {
	ID     string
	Status string
	Raw    json.RawMessage
}

// Terminal reports whether the status string is one of the broker's
// terminal states, or the embedded position reports a fill.
func (s *TradeStatus) Terminal() bool {
	switch s.Status {
	case "completed", "closed", "done", "finished", "cancelled", "failed":
		return true
	}
	return positionFilled(s.Raw)
}

// positionFilled checks for a filled position.status in the raw payload.
func positionFilled(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var payload struct {
		Position struct {
			Status string `json:"status"`
		} `json:"position"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	return payload.Position.Status == "filled"
}

// BrokerClient is the contract of the external exchange trading service.
// Implementations sign every request and apply the retry policy described
// in the exchange client package.
type BrokerClient interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccountBalances(ctx context.Context, accountID string) ([]Balance, error)
	GetMarketRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
	GetCommissionRates(ctx context.Context, accountID string) (*CommissionRates, error)
	SubmitMarketTrade(ctx context.Context, req SmartTradeRequest) (*TradeHandle, error)
	GetTrade(ctx context.Context, handle TradeHandle) (*TradeStatus, error)
	AwaitTradeCompletion(ctx context.Context, handle TradeHandle, maxWait time.Duration) (*TradeStatus, error)
}

// PriceQuote is a resolved price with its provenance.
type PriceQuote struct {
	Price  decimal.Decimal
	Source string
}

// PriceProvider resolves the current price of coin quoted in quote.
type PriceProvider interface {
	Name() string
	GetPrice(ctx context.Context, coin, quote string) (decimal.Decimal, error)
}
