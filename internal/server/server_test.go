package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/deviation"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/events"
	"github.com/quantfold/rebalancer/internal/executor"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
)

func newTestServer(t *testing.T) (*Server, *bots.BotRepository, *bots.AssetRepository) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.New(nil).Level(zerolog.Disabled)
	conn := db.Conn()
	botRepo := bots.NewBotRepository(conn, log)
	assetRepo := bots.NewAssetRepository(conn, log)

	srv := New(Config{
		Log:          log,
		DevMode:      true,
		DB:           db,
		Bots:         botRepo,
		Assets:       assetRepo,
		Logs:         bots.NewLogRepository(conn, log),
		Trades:       executor.NewTradeRepository(conn, log),
		Missed:       engine.NewMissedRepository(conn, log),
		Deviations:   deviation.NewRepository(conn, log),
		PriceHistory: oracle.NewHistoryRepository(conn, log),
		Locks:        locks.NewRepository(conn, log),
		Events:       events.NewManager(events.NewBus(), log),
	})
	return srv, botRepo, assetRepo
}

func seedBot(t *testing.T, botRepo *bots.BotRepository, assetRepo *bots.AssetRepository) *domain.Bot {
	t.Helper()
	bot := &domain.Bot{
		UserID:                 1,
		Name:                   "basket",
		Coins:                  []string{"BTC", "ETH"},
		InitialCoin:            "BTC",
		ThresholdPercent:       decimal.NewFromInt(10),
		GlobalThresholdPercent: decimal.NewFromInt(10),
		CheckIntervalMinutes:   5,
		CommissionRate:         decimal.NewFromFloat(0.002),
		PreferredStablecoin:    "USDT",
		ReferenceCoin:          "ETH",
		AccountID:              "acct-1",
		Enabled:                true,
	}
	require.NoError(t, botRepo.Create(bot))
	require.NoError(t, botRepo.UpdateCurrentCoin(bot.ID, "BTC"))
	require.NoError(t, assetRepo.Create(&domain.Asset{
		BotID: bot.ID, Coin: "BTC", Amount: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(50000), StablecoinEquivalent: decimal.NewFromInt(50000),
	}))
	return bot
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doGet(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListBots(t *testing.T) {
	srv, botRepo, assetRepo := newTestServer(t)
	seedBot(t, botRepo, assetRepo)

	rec := doGet(t, srv, "/api/bots/")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []botView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "basket", views[0].Name)
	assert.False(t, views[0].Running, "no scheduler wired in this harness")
	require.NotNil(t, views[0].Asset)
	assert.Equal(t, "BTC", views[0].Asset.Coin)
}

func TestGetBot(t *testing.T) {
	srv, botRepo, assetRepo := newTestServer(t)
	bot := seedBot(t, botRepo, assetRepo)

	rec := doGet(t, srv, "/api/bots/"+itoa(bot.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	var view botView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, bot.ID, view.ID)
	require.NotNil(t, view.CurrentCoin)
	assert.Equal(t, "BTC", *view.CurrentCoin)
}

func TestGetBot_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doGet(t, srv, "/api/bots/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doGet(t, srv, "/api/bots/not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBotTradesEmpty(t *testing.T) {
	srv, botRepo, assetRepo := newTestServer(t)
	bot := seedBot(t, botRepo, assetRepo)

	rec := doGet(t, srv, "/api/bots/"+itoa(bot.ID)+"/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestLogsFilterByLevel(t *testing.T) {
	srv, botRepo, assetRepo := newTestServer(t)
	bot := seedBot(t, botRepo, assetRepo)

	require.NoError(t, srv.cfg.Logs.Append(&bot.ID, domain.LogInfo, "tick done", nil))
	srv.cfg.Logs.Trade(bot.ID, "swap selected", map[string]string{"to": "ETH"})

	rec := doGet(t, srv, "/api/logs?level=TRADE")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []domain.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "swap selected", entries[0].Message)

	// Decision log serves the same TRADE entries scoped to the bot.
	rec = doGet(t, srv, "/api/bots/"+itoa(bot.ID)+"/decision-log")
	require.Equal(t, http.StatusOK, rec.Code)
	entries = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestActiveLocks(t *testing.T) {
	srv, _, _ := newTestServer(t)

	lock := &domain.AssetLock{
		LockID:    "lock-1",
		BotID:     1,
		Coin:      "BTC",
		Amount:    decimal.NewFromInt(1),
		Reason:    "trade_to_ETH",
		Status:    domain.LockLocked,
		ExpiresAt: time.Now().Add(5 * time.Minute),
		CreatedAt: time.Now(),
	}
	require.NoError(t, srv.cfg.Locks.Insert(srv.cfg.DB.Conn(), lock))

	rec := doGet(t, srv, "/api/locks")
	require.Equal(t, http.StatusOK, rec.Code)

	var active []domain.AssetLock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "lock-1", active[0].LockID)
}

func TestDatabaseStats(t *testing.T) {
	srv, botRepo, assetRepo := newTestServer(t)
	seedBot(t, botRepo, assetRepo)

	rec := doGet(t, srv, "/api/system/database/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.NotEmpty(t, stats)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
