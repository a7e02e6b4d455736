package exchange

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// accountPayload is one entry of the accounts listing.
type accountPayload struct {
	ID           json.Number `json:"id"`
	Name         string      `json:"name"`
	ExchangeName string      `json:"exchange_name"`
	MarketCode   string      `json:"market_code"`
}

// balancePayload is one row of the account table data endpoint.
type balancePayload struct {
	CurrencyCode string      `json:"currency_code"`
	Position     json.Number `json:"position"`
	USDValue     json.Number `json:"usd_value"`
}

// tradingFeesPayload is the trading fees endpoint response.
type tradingFeesPayload struct {
	MakerFeeRate *json.Number `json:"maker_fee_rate"`
	TakerFeeRate *json.Number `json:"taker_fee_rate"`
}

// accountInfoPayload is the subset of the account info endpoint used for
// the commission fallback path.
type accountInfoPayload struct {
	ExchangeName string       `json:"exchange_name"`
	MakerFee     *json.Number `json:"maker_fee"`
	TakerFee     *json.Number `json:"taker_fee"`
}

// smartTradePayload is the smart-trade creation request body. The broker's
// v2 entity shape: position with units and order type, optional take profit
// steps, stop loss always disabled, instant market execution.
type smartTradePayload struct {
	AccountID  string             `json:"account_id"`
	Pair       string             `json:"pair"`
	Instant    bool               `json:"instant"`
	Demo       bool               `json:"demo"`
	Position   positionPayload    `json:"position"`
	TakeProfit *takeProfitPayload `json:"take_profit,omitempty"`
	StopLoss   stopLossPayload    `json:"stop_loss"`
}

type positionPayload struct {
	Type      string       `json:"type"`
	Units     unitsPayload `json:"units"`
	Total     *string      `json:"total,omitempty"`
	OrderType string       `json:"order_type"`
}

type unitsPayload struct {
	Value string `json:"value"`
}

type takeProfitPayload struct {
	Enabled bool                    `json:"enabled"`
	Steps   []takeProfitStepPayload `json:"steps"`
}

type takeProfitStepPayload struct {
	OrderType string              `json:"order_type"`
	Price     takeProfitStepPrice `json:"price"`
	Volume    int                 `json:"volume"`
}

type takeProfitStepPrice struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type stopLossPayload struct {
	Enabled bool `json:"enabled"`
}

// smartTradeResponse is the subset of the smart-trade entity the client
// needs: id and status. The full body is retained raw for amount
// extraction by the executor.
type smartTradeResponse struct {
	ID     json.Number `json:"id"`
	Status struct {
		Type string `json:"type"`
	} `json:"status"`
	StatusString string `json:"status_string"`
}

// status returns the effective status string of the entity.
func (r *smartTradeResponse) status() string {
	if r.Status.Type != "" {
		return r.Status.Type
	}
	return r.StatusString
}

// parseNumber converts a json.Number to decimal, tolerating empty values.
func parseNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
