package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/rebalancer/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewClient("test-key", "test-secret", log, WithBaseURL(srv.URL))
}

func TestRequestSigning(t *testing.T) {
	var gotKey, gotSig, gotPath, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("APIKEY")
		gotSig = r.Header.Get("Signature")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.GetAccountBalances(context.Background(), "123")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "/public/api/ver1/accounts/123/account_table_data", gotPath)

	// Signature is HMAC-SHA256 over path || body.
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(gotPath + gotBody))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var attempts int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"pair not tradable"}`))
	})

	_, err := c.ListAccounts(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "4xx is surfaced immediately")

	var brokerErr *domain.BrokerError
	require.True(t, errors.As(err, &brokerErr))
	assert.Equal(t, http.StatusUnprocessableEntity, brokerErr.Code)
	assert.False(t, brokerErr.Retryable())
}

func TestGetAccountBalances_FiltersAndSorts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"currency_code": "ada", "position": "1000", "usd_value": "500"},
			{"currency_code": "DUST", "position": "0", "usd_value": "0"},
			{"currency_code": "BTC", "position": "0.5", "usd_value": "25000"}
		]`))
	})

	balances, err := c.GetAccountBalances(context.Background(), "123")
	require.NoError(t, err)
	require.Len(t, balances, 2, "zero positions are dropped")
	assert.Equal(t, "BTC", balances[0].Coin)
	assert.Equal(t, "ADA", balances[1].Coin)
	assert.True(t, balances[1].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestGetCommissionRates_DefaultsWhenUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rates, err := c.GetCommissionRates(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionDefault, rates.Source)
	assert.True(t, rates.Maker.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, rates.Taker.Equal(decimal.RequireFromString("0.002")))
}

func TestGetCommissionRates_FromFeesEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/public/api/ver1/accounts/123/trading_fees" {
			_, _ = w.Write([]byte(`{"maker_fee_rate": "0.0008", "taker_fee_rate": "0.0015"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	rates, err := c.GetCommissionRates(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionFromAPI, rates.Source)
	assert.True(t, rates.Taker.Equal(decimal.RequireFromString("0.0015")))
}

func TestSubmitMarketTrade_BuildsV2Entity(t *testing.T) {
	var gotPath string
	var gotPayload map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_, _ = w.Write([]byte(`{"id": 98765, "status": {"type": "created"}}`))
	})

	buy := domain.PositionBuy
	handle, err := c.SubmitMarketTrade(context.Background(), domain.SmartTradeRequest{
		AccountID:          "123",
		Pair:               "DOT_USDT",
		PositionType:       domain.PositionSell,
		ForcedPositionType: &buy,
		Amount:             decimal.RequireFromString("99.3"),
	})
	require.NoError(t, err)
	assert.Equal(t, "98765", handle.ID)
	assert.Equal(t, "/public/api/v2/smart_trades", gotPath)

	position := gotPayload["position"].(map[string]interface{})
	assert.Equal(t, "buy", position["type"], "forced position type wins")
	assert.Equal(t, "market", position["order_type"])
	units := position["units"].(map[string]interface{})
	assert.Equal(t, "99.3", units["value"])
	assert.Equal(t, true, gotPayload["instant"])
	stopLoss := gotPayload["stop_loss"].(map[string]interface{})
	assert.Equal(t, false, stopLoss["enabled"])
}

func TestAwaitTradeCompletion_TerminalStatus(t *testing.T) {
	var polls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			_, _ = w.Write([]byte(`{"id": 5, "status": {"type": "in_progress"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id": 5, "status": {"type": "finished"}}`))
	})

	status, err := c.AwaitTradeCompletion(context.Background(), domain.TradeHandle{ID: "5"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "finished", status.Status)
	assert.True(t, status.Terminal())
	assert.GreaterOrEqual(t, polls, 2)
}

func TestAwaitTradeCompletion_TimeoutReturnsLastStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 5, "status": {"type": "in_progress"}}`))
	})

	// A zero budget allows a single poll and then gives up.
	status, err := c.AwaitTradeCompletion(context.Background(), domain.TradeHandle{ID: "5"}, 0)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "in_progress", status.Status)
	assert.False(t, status.Terminal())
}

func TestGetMarketRate_FallsThroughEndpointShapes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/public/api/ver1/accounts/currency_rates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"last": "0.5012"}`))
	})

	rate, err := c.GetMarketRate(context.Background(), "ada", "usdt")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.5012")))
}

func TestMissingCredentialsRejected(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	c := NewClient("", "", log)

	_, err := c.ListAccounts(context.Background())
	assert.True(t, errors.Is(err, domain.ErrConfigMissing))
}
