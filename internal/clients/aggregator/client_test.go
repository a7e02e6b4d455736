package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "bitcoin", Slug("BTC"))
	assert.Equal(t, "bitcoin", Slug(" btc "))
	assert.Equal(t, "cardano", Slug("ADA"))
	// Unknown symbols pass through lowercased.
	assert.Equal(t, "newcoin", Slug("NEWCOIN"))
}

func TestGetPrice(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"bitcoin": {"usd": 50123.45}}`))
	})

	price, err := c.GetPrice(context.Background(), "BTC", "USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("50123.45")))
	// Stablecoin quotes map onto the USD peg.
	assert.Equal(t, "ids=bitcoin&vs_currencies=usd", gotQuery)
}

func TestGetPrice_MissingCoin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.GetPrice(context.Background(), "BTC", "USDT")
	assert.Error(t, err)
}

func TestGetPrice_UpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":{"error_message":"rate limited"}}`))
	})

	_, err := c.GetPrice(context.Background(), "BTC", "USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestGetPrice_NonPositiveRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin": {"usd": 0}}`))
	})

	_, err := c.GetPrice(context.Background(), "BTC", "USDT")
	assert.Error(t, err)
}
