// Package aggregator provides the unauthenticated public price aggregator
// client used as the oracle's fallback provider.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// slugMap translates common ticker symbols to the aggregator's coin slugs.
// Unknown symbols pass through lowercased.
var slugMap = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"SOL":   "solana",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"LTC":   "litecoin",
	"AVAX":  "avalanche-2",
	"LINK":  "chainlink",
	"ATOM":  "cosmos",
	"UNI":   "uniswap",
	"XLM":   "stellar",
	"TRX":   "tron",
	"NEAR":  "near",
	"ALGO":  "algorand",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"BUSD":  "binance-usd",
	"DAI":   "dai",
}

// Client fetches spot prices from the public simple-price endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new aggregator client. baseURL may be empty to use
// the default.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("client", "aggregator").Logger(),
	}
}

// Name identifies this provider in price-history rows.
func (c *Client) Name() string {
	return "aggregator"
}

// Slug returns the aggregator slug for a ticker symbol.
func Slug(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if slug, ok := slugMap[symbol]; ok {
		return slug
	}
	return strings.ToLower(symbol)
}

// GetPrice fetches the current price of coin quoted in quote.
// Response shape: {"<slug>": {"<quote>": <price>}}.
func (c *Client) GetPrice(ctx context.Context, coin, quote string) (decimal.Decimal, error) {
	slug := Slug(coin)
	vs := strings.ToLower(quote)
	// The aggregator quotes stablecoins via their USD peg.
	switch vs {
	case "usdt", "usdc", "busd", "dai":
		vs = "usd"
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s",
		c.baseURL, url.QueryEscape(slug), url.QueryEscape(vs))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("aggregator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return decimal.Zero, fmt.Errorf("aggregator returned status %d: %s", resp.StatusCode, msg)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read aggregator response: %w", err)
	}

	var payload map[string]map[string]json.Number
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse aggregator response: %w", err)
	}

	quotes, ok := payload[slug]
	if !ok {
		return decimal.Zero, fmt.Errorf("aggregator has no data for %s (%s)", coin, slug)
	}

	raw, ok := quotes[vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("aggregator has no %s quote for %s", vs, coin)
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse aggregator price %q: %w", raw.String(), err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("aggregator returned non-positive price for %s", coin)
	}

	return price, nil
}
