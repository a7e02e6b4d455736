// Package exchange provides the signed REST client for the external
// exchange broker service.
//
// Requests carry APIKEY and Signature headers; the signature is
// HMAC-SHA256 over path || body, where body is the JSON-serialized payload
// (empty string for GETs). The API has two endpoint families distinguished
// by URL prefix; smart-trade entities are always routed to v2.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

const (
	defaultBaseURL = "https://api.3commas.io"

	pathPrefixV1 = "/public/api/ver1"
	pathPrefixV2 = "/public/api/v2"

	maxAttempts = 3

	pollInterval = 3 * time.Second
	maxPolls     = 15
)

// Default commission rates used when the exchange does not expose rates.
var (
	defaultMakerRate = decimal.RequireFromString("0.001")
	defaultTakerRate = decimal.RequireFromString("0.002")
)

// Client is the signed HTTP client for the broker API.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient creates a new broker client.
func NewClient(apiKey, apiSecret string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "exchange").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sign computes the HMAC-SHA256 signature over path || body.
func (c *Client) sign(path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs a signed request with the retry policy: up to 3 attempts
// for transport errors and 5xx responses with 1s/2s/3s backoff; 4xx
// responses are surfaced immediately with code and provider body.
func (c *Client) request(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("%w: exchange API credentials", domain.ErrConfigMissing)
	}

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request payload: %w", err)
		}
		body = string(raw)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		respBody, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return respBody, nil
		}

		lastErr = err
		var brokerErr *domain.BrokerError
		if errors.As(err, &brokerErr) && !brokerErr.Retryable() {
			return nil, err
		}

		c.log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Msg("Broker request failed, retrying")
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path, body string) ([]byte, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("APIKEY", c.apiKey)
	req.Header.Set("Signature", c.sign(path, body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.BrokerError{Code: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.BrokerError{Code: 0, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := string(respBody)
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return nil, &domain.BrokerError{Code: resp.StatusCode, Message: msg}
	}

	return respBody, nil
}

// ListAccounts lists the exchange accounts visible to the credentials.
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	body, err := c.request(ctx, http.MethodGet, pathPrefixV1+"/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var payload []accountPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse accounts response: %w", err)
	}

	accounts := make([]domain.Account, 0, len(payload))
	for _, a := range payload {
		accounts = append(accounts, domain.Account{
			ID:           a.ID.String(),
			Name:         a.Name,
			ExchangeName: a.ExchangeName,
			MarketCode:   a.MarketCode,
		})
	}

	return accounts, nil
}

// GetAccountBalances returns the account's non-zero balances sorted by USD
// value descending.
func (c *Client) GetAccountBalances(ctx context.Context, accountID string) ([]domain.Balance, error) {
	path := fmt.Sprintf("%s/accounts/%s/account_table_data", pathPrefixV1, accountID)
	body, err := c.request(ctx, http.MethodPost, path, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to get account balances: %w", err)
	}

	var payload []balancePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse balances response: %w", err)
	}

	balances := make([]domain.Balance, 0, len(payload))
	for _, b := range payload {
		amount := parseNumber(b.Position)
		if amount.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{
			Coin:        domain.NormalizeCoin(b.CurrencyCode),
			Amount:      amount,
			AmountInUSD: parseNumber(b.USDValue),
		})
	}

	sort.SliceStable(balances, func(i, j int) bool {
		return balances[i].AmountInUSD.GreaterThan(balances[j].AmountInUSD)
	})

	return balances, nil
}

// GetMarketRate resolves the current rate for base quoted in quote.
// Best-effort across three endpoint shapes; returns domain.ErrNotFound when
// none resolves.
func (c *Client) GetMarketRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	pair := fmt.Sprintf("%s_%s", domain.NormalizeCoin(base), domain.NormalizeCoin(quote))

	paths := []string{
		fmt.Sprintf("%s/accounts/currency_rates?pair=%s", pathPrefixV1, pair),
		fmt.Sprintf("%s/accounts/currency_rates_with_leverage_data?pair=%s", pathPrefixV1, pair),
		fmt.Sprintf("%s/smart_trades/currency_rates?pair=%s", pathPrefixV2, pair),
	}

	for _, path := range paths {
		body, err := c.request(ctx, http.MethodGet, path, nil)
		if err != nil {
			c.log.Debug().Err(err).Str("path", path).Msg("Market rate endpoint failed")
			continue
		}

		if price, ok := extractRate(body); ok {
			return price, nil
		}
	}

	return decimal.Zero, fmt.Errorf("market rate for %s: %w", pair, domain.ErrNotFound)
}

// extractRate pulls a price out of any of the known rate payload shapes.
func extractRate(body []byte) (decimal.Decimal, bool) {
	var payload struct {
		Last json.Number `json:"last"`
		Rate json.Number `json:"rate"`
		Bid  json.Number `json:"bid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, false
	}

	for _, n := range []json.Number{payload.Last, payload.Rate, payload.Bid} {
		if d := parseNumber(n); d.IsPositive() {
			return d, true
		}
	}
	return decimal.Zero, false
}

// GetCommissionRates fetches the account's commission rates. When the
// exchange does not expose rates, defaults apply (maker 0.1%, taker 0.2%)
// and Source records the origin of the values.
func (c *Client) GetCommissionRates(ctx context.Context, accountID string) (*domain.CommissionRates, error) {
	rates := &domain.CommissionRates{
		Maker:  defaultMakerRate,
		Taker:  defaultTakerRate,
		Source: domain.CommissionDefault,
	}

	feesPath := fmt.Sprintf("%s/accounts/%s/trading_fees", pathPrefixV1, accountID)
	if body, err := c.request(ctx, http.MethodGet, feesPath, nil); err == nil {
		var payload tradingFeesPayload
		if err := json.Unmarshal(body, &payload); err == nil &&
			(payload.MakerFeeRate != nil || payload.TakerFeeRate != nil) {
			if payload.MakerFeeRate != nil {
				rates.Maker = parseNumber(*payload.MakerFeeRate)
			}
			if payload.TakerFeeRate != nil {
				rates.Taker = parseNumber(*payload.TakerFeeRate)
			}
			rates.Source = domain.CommissionFromAPI
			return rates, nil
		}
	}

	infoPath := fmt.Sprintf("%s/accounts/%s", pathPrefixV1, accountID)
	if body, err := c.request(ctx, http.MethodGet, infoPath, nil); err == nil {
		var payload accountInfoPayload
		if err := json.Unmarshal(body, &payload); err == nil {
			rates.Exchange = payload.ExchangeName
			if payload.MakerFee != nil || payload.TakerFee != nil {
				if payload.MakerFee != nil {
					rates.Maker = parseNumber(*payload.MakerFee)
				}
				if payload.TakerFee != nil {
					rates.Taker = parseNumber(*payload.TakerFee)
				}
				rates.Source = domain.CommissionFromAccountInfo
				return rates, nil
			}
		}
	}

	c.log.Debug().
		Str("account_id", accountID).
		Msg("Exchange does not expose commission rates, using defaults")

	return rates, nil
}

// SubmitMarketTrade creates a market smart-trade. The position type is
// derived from the request unless a forced type is supplied.
func (c *Client) SubmitMarketTrade(ctx context.Context, req domain.SmartTradeRequest) (*domain.TradeHandle, error) {
	positionType := req.PositionType
	if req.ForcedPositionType != nil {
		positionType = *req.ForcedPositionType
	}

	payload := smartTradePayload{
		AccountID: req.AccountID,
		Pair:      req.Pair,
		Instant:   true,
		Demo:      req.Demo,
		Position: positionPayload{
			Type:      string(positionType),
			Units:     unitsPayload{Value: req.Amount.String()},
			OrderType: "market",
		},
		StopLoss: stopLossPayload{Enabled: false},
	}

	if req.TakeProfitPercent != nil {
		payload.TakeProfit = &takeProfitPayload{
			Enabled: true,
			Steps: []takeProfitStepPayload{
				{
					OrderType: "market",
					Price: takeProfitStepPrice{
						Type:  "percent",
						Value: req.TakeProfitPercent.String(),
					},
					Volume: 100,
				},
			},
		}
	}

	body, err := c.request(ctx, http.MethodPost, pathPrefixV2+"/smart_trades", payload)
	if err != nil {
		return nil, fmt.Errorf("failed to submit market trade: %w", err)
	}

	var resp smartTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse smart trade response: %w", err)
	}

	c.log.Info().
		Str("trade_id", resp.ID.String()).
		Str("pair", req.Pair).
		Str("position_type", string(positionType)).
		Str("amount", req.Amount.String()).
		Bool("demo", req.Demo).
		Msg("Market trade submitted")

	return &domain.TradeHandle{ID: resp.ID.String()}, nil
}

// GetTrade fetches the current status of a submitted trade.
func (c *Client) GetTrade(ctx context.Context, handle domain.TradeHandle) (*domain.TradeStatus, error) {
	path := fmt.Sprintf("%s/smart_trades/%s", pathPrefixV2, handle.ID)
	body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", handle.ID, err)
	}

	var resp smartTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse trade status: %w", err)
	}

	return &domain.TradeStatus{
		ID:     resp.ID.String(),
		Status: resp.status(),
		Raw:    json.RawMessage(body),
	}, nil
}

// AwaitTradeCompletion polls the trade status with jittered backoff until a
// terminal status appears or the budget runs out. On timeout it returns the
// last observed status rather than an error; callers that need strict
// completion must check the status explicitly.
func (c *Client) AwaitTradeCompletion(ctx context.Context, handle domain.TradeHandle, maxWait time.Duration) (*domain.TradeStatus, error) {
	deadline := time.Now().Add(maxWait)
	bo := &backoff.Backoff{
		Min:    pollInterval,
		Max:    pollInterval * 2,
		Factor: 1.2,
		Jitter: true,
	}

	var last *domain.TradeStatus
	for attempt := 0; attempt < maxPolls; attempt++ {
		status, err := c.GetTrade(ctx, handle)
		if err != nil {
			c.log.Warn().Err(err).Str("trade_id", handle.ID).Msg("Trade status poll failed")
		} else {
			last = status
			if status.Terminal() {
				return status, nil
			}
		}

		if time.Now().After(deadline) {
			break
		}

		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}

	if last == nil {
		return nil, fmt.Errorf("trade %s: %w", handle.ID, domain.ErrTradeTimeout)
	}

	c.log.Warn().
		Str("trade_id", handle.ID).
		Str("last_status", last.Status).
		Msg("Trade did not reach a terminal status within the poll budget")

	return last, nil
}
