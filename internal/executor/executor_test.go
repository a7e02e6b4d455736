package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
	"github.com/quantfold/rebalancer/internal/snapshots"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// scriptedBroker replays canned responses per submission, in order.
type scriptedBroker struct {
	domain.BrokerClient
	submissions []domain.SmartTradeRequest
	statuses    []domain.TradeStatus
	balances    []domain.Balance
	onBalances  func()
	submitErr   error
}

func (b *scriptedBroker) GetAccountBalances(ctx context.Context, accountID string) ([]domain.Balance, error) {
	if b.onBalances != nil {
		b.onBalances()
	}
	return b.balances, nil
}

func (b *scriptedBroker) SubmitMarketTrade(ctx context.Context, req domain.SmartTradeRequest) (*domain.TradeHandle, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	i := len(b.submissions)
	b.submissions = append(b.submissions, req)
	if i >= len(b.statuses) {
		return nil, fmt.Errorf("unexpected submission %d", i)
	}
	return &domain.TradeHandle{ID: b.statuses[i].ID}, nil
}

func (b *scriptedBroker) AwaitTradeCompletion(ctx context.Context, handle domain.TradeHandle, maxWait time.Duration) (*domain.TradeStatus, error) {
	for i := range b.statuses {
		if b.statuses[i].ID == handle.ID {
			return &b.statuses[i], nil
		}
	}
	return nil, fmt.Errorf("unknown trade %s", handle.ID)
}

type staticPrices struct {
	prices map[string]decimal.Decimal
}

func (s *staticPrices) GetPrice(ctx context.Context, strategy oracle.Strategy, coin, quote string, botID int64) (*domain.PriceQuote, error) {
	p, ok := s.prices[domain.NormalizeCoin(coin)]
	if !ok {
		return nil, fmt.Errorf("no price for %s", coin)
	}
	return &domain.PriceQuote{Price: p, Source: "exchange"}, nil
}

type nopTradeLog struct{}

func (nopTradeLog) Trade(botID int64, message string, context interface{}) {}

type harness struct {
	db      *sql.DB
	exec    *Executor
	trades  *TradeRepository
	assets  *bots.AssetRepository
	botRepo *bots.BotRepository
	snapMgr *snapshots.Manager
	missed  *engine.MissedRepository
	locks   *locks.Manager
	broker  *scriptedBroker
	bot     *domain.Bot
}

func newHarness(t *testing.T, broker *scriptedBroker, mode domain.RunMode) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(database.Schema)
	require.NoError(t, err)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	trades := NewTradeRepository(db, log)
	assetRepo := bots.NewAssetRepository(db, log)
	botRepo := bots.NewBotRepository(db, log)
	snapMgr := snapshots.NewManager(
		snapshots.NewSnapshotRepository(db, log),
		snapshots.NewUnitTrackerRepository(db, log), log)
	lockMgr := locks.NewManager(db, locks.NewRepository(db, log), assetRepo, nil, log)
	missed := engine.NewMissedRepository(db, log)

	bot := &domain.Bot{
		UserID:                 1,
		Name:                   "basket",
		Coins:                  []string{"ADA", "DOT"},
		InitialCoin:            "ADA",
		ThresholdPercent:       dec("10"),
		GlobalThresholdPercent: dec("10"),
		CheckIntervalMinutes:   5,
		CommissionRate:         dec("0.002"),
		PreferredStablecoin:    "USDT",
		ReferenceCoin:          "ETH",
		AccountID:              "acct-1",
		Enabled:                true,
	}
	require.NoError(t, botRepo.Create(bot))
	current := "ADA"
	require.NoError(t, botRepo.UpdateCurrentCoin(bot.ID, current))
	bot.CurrentCoin = &current

	require.NoError(t, assetRepo.Create(&domain.Asset{
		BotID:                bot.ID,
		Coin:                 "ADA",
		Amount:               dec("1000"),
		EntryPrice:           dec("0.5"),
		StablecoinEquivalent: dec("500"),
	}))
	require.NoError(t, snapMgr.EnsureBaselines(bot, map[string]domain.PriceQuote{
		"ADA": {Price: dec("0.5")},
		"DOT": {Price: dec("5")},
	}))

	exec := New(Config{
		Trades:    trades,
		Assets:    assetRepo,
		Bots:      botRepo,
		Snapshots: snapMgr,
		Locks:     lockMgr,
		Missed:    missed,
		Broker:    broker,
		Prices:    &staticPrices{prices: map[string]decimal.Decimal{"ADA": dec("0.5"), "DOT": dec("5"), "ETH": dec("2000")}},
		Strategy:  oracle.DefaultStrategy,
		TradeLog:  nopTradeLog{},
		Mode:      mode,
		MockData:  true,
	}, log)

	return &harness{
		db: db, exec: exec, trades: trades, assets: assetRepo,
		botRepo: botRepo, snapMgr: snapMgr, missed: missed,
		locks: lockMgr, broker: broker, bot: bot,
	}
}

func tickPrices() map[string]domain.PriceQuote {
	return map[string]domain.PriceQuote{
		"ADA": {Price: dec("0.5"), Source: "exchange"},
		"DOT": {Price: dec("5"), Source: "exchange"},
	}
}

func terminal(id, status, raw string) domain.TradeStatus {
	s := domain.TradeStatus{ID: id, Status: status}
	if raw != "" {
		s.Raw = json.RawMessage(raw)
	}
	return s
}

func TestExecute_DirectTradeToStablecoin(t *testing.T) {
	broker := &scriptedBroker{statuses: []domain.TradeStatus{
		terminal("t-1", "finished", `{"data":{"entered_total":"499.0"}}`),
	}}
	h := newHarness(t, broker, domain.ModeLive)

	err := h.exec.Execute(context.Background(), h.bot, "ADA", "USDT", tickPrices(), dec("0.002"))
	require.NoError(t, err)

	require.Len(t, broker.submissions, 1)
	assert.Equal(t, "ADA_USDT", broker.submissions[0].Pair)
	assert.Equal(t, domain.PositionSell, broker.submissions[0].PositionType)

	trades, err := h.trades.Recent(h.bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeCompleted, trades[0].Status)
	assert.Equal(t, domain.TradeDirect, trades[0].Kind)
	require.NotNil(t, trades[0].TradeID)
	assert.Equal(t, "t-1", *trades[0].TradeID)
	assert.True(t, trades[0].ToAmount.Equal(dec("499")))

	asset, err := h.assets.Get(h.bot.ID)
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, "USDT", asset.Coin)
	assert.True(t, asset.Amount.Equal(dec("499")))

	bot, err := h.botRepo.Get(h.bot.ID)
	require.NoError(t, err)
	require.NotNil(t, bot.CurrentCoin)
	assert.Equal(t, "USDT", *bot.CurrentCoin)

	// The trade lock is gone.
	assert.NoError(t, h.locks.CanTrade(h.bot.ID, "USDT", dec("1")))
}

func TestExecute_TwoStepTrade(t *testing.T) {
	broker := &scriptedBroker{statuses: []domain.TradeStatus{
		terminal("s-1", "finished", `{"data":{"entered_total":"499.0"}}`),
		terminal("s-2", "finished", `{"position":{"quantity":"99.3"}}`),
	}}
	h := newHarness(t, broker, domain.ModeLive)

	err := h.exec.Execute(context.Background(), h.bot, "ADA", "DOT", tickPrices(), dec("0.002"))
	require.NoError(t, err)

	require.Len(t, broker.submissions, 2)
	assert.Equal(t, "ADA_USDT", broker.submissions[0].Pair)
	assert.Equal(t, domain.PositionSell, broker.submissions[0].PositionType)
	assert.Equal(t, "DOT_USDT", broker.submissions[1].Pair)
	assert.Equal(t, domain.PositionBuy, broker.submissions[1].PositionType)
	require.NotNil(t, broker.submissions[1].ForcedPositionType)
	assert.Equal(t, domain.PositionBuy, *broker.submissions[1].ForcedPositionType)
	// Step 2 sizes with the 0.5% safety margin: 499/5 * 0.995.
	assert.True(t, broker.submissions[1].Amount.Equal(dec("499").DivRound(dec("5"), 16).Mul(dec("0.995"))))

	trades, err := h.trades.Recent(h.bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	parent := trades[0]
	assert.Equal(t, domain.TradeIndirect, parent.Kind)
	assert.Equal(t, domain.TradeCompleted, parent.Status)
	require.NotNil(t, parent.TradeID)
	assert.Equal(t, "s-1-s-2", *parent.TradeID)

	steps, err := h.trades.Steps(parent.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, "s-1", steps[0].TradeID)
	assert.Equal(t, 2, steps[1].StepNumber)
	assert.Equal(t, "s-2", steps[1].TradeID)

	// Parent commission equals the sum of step commissions.
	sum := steps[0].CommissionAmount.Add(steps[1].CommissionAmount)
	assert.True(t, parent.CommissionAmount.Equal(sum))

	asset, err := h.assets.Get(h.bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "DOT", asset.Coin)
	assert.True(t, asset.Amount.Equal(dec("99.3")))

	// Peak value rises to the realized net stable value.
	bot, err := h.botRepo.Get(h.bot.ID)
	require.NoError(t, err)
	assert.True(t, bot.GlobalPeakValue.IsPositive())
	assert.Equal(t, "DOT", *bot.CurrentCoin)
}

func TestExecute_BrokerTimeoutFailsTrade(t *testing.T) {
	broker := &scriptedBroker{statuses: []domain.TradeStatus{
		{ID: "s-1", Status: "in_progress"},
	}}
	h := newHarness(t, broker, domain.ModeLive)

	err := h.exec.Execute(context.Background(), h.bot, "ADA", "DOT", tickPrices(), dec("0.002"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTradeTimeout))

	trades, err := h.trades.Recent(h.bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeFailed, trades[0].Status)

	// Asset untouched, no DOT position.
	asset, err := h.assets.Get(h.bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "ADA", asset.Coin)
	assert.True(t, asset.Amount.Equal(dec("1000")))

	// Lock released on the failure path.
	assert.NoError(t, h.locks.CanTrade(h.bot.ID, "ADA", dec("1")))
}

func TestExecute_SubmitErrorFailsTrade(t *testing.T) {
	broker := &scriptedBroker{submitErr: &domain.BrokerError{Code: 422, Message: "pair not tradable"}}
	h := newHarness(t, broker, domain.ModeLive)

	err := h.exec.Execute(context.Background(), h.bot, "ADA", "DOT", tickPrices(), dec("0.002"))
	require.Error(t, err)

	trades, err := h.trades.Recent(h.bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeFailed, trades[0].Status)

	var missedCount int
	require.NoError(t, h.db.QueryRow(
		`SELECT COUNT(*) FROM missed_trades WHERE bot_id = ? AND reason = 'exchange_error'`,
		h.bot.ID).Scan(&missedCount))
	assert.Equal(t, 1, missedCount)
}

func TestExecute_LockHeldByOtherBot(t *testing.T) {
	broker := &scriptedBroker{}
	h := newHarness(t, broker, domain.ModeLive)

	// A second bot holds ADA on the same exchange account.
	other := &domain.Bot{
		UserID: 1, Name: "other", Coins: []string{"ADA", "DOT"}, InitialCoin: "ADA",
		ThresholdPercent: dec("10"), GlobalThresholdPercent: dec("10"),
		CheckIntervalMinutes: 5, CommissionRate: dec("0.002"),
		PreferredStablecoin: "USDT", ReferenceCoin: "ETH", AccountID: "acct-1", Enabled: true,
	}
	require.NoError(t, h.botRepo.Create(other))
	require.NoError(t, h.assets.Create(&domain.Asset{
		BotID: other.ID, Coin: "ADA", Amount: dec("100"),
		EntryPrice: dec("0.5"), StablecoinEquivalent: dec("50"),
	}))
	_, err := h.locks.Acquire(other.ID, "ADA", dec("100"), "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)

	err = h.exec.Execute(context.Background(), h.bot, "ADA", "DOT", tickPrices(), dec("0.002"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockConflict))

	// No broker submission happened and no parent trade was opened.
	assert.Empty(t, broker.submissions)
	trades, err := h.trades.Recent(h.bot.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	var missedCount int
	require.NoError(t, h.db.QueryRow(
		`SELECT COUNT(*) FROM missed_trades WHERE bot_id = ? AND reason = 'asset_locked'`,
		h.bot.ID).Scan(&missedCount))
	assert.Equal(t, 1, missedCount)
}

func TestExecute_SimulatedModeSkipsBroker(t *testing.T) {
	broker := &scriptedBroker{}
	h := newHarness(t, broker, domain.ModeSimulated)

	err := h.exec.Execute(context.Background(), h.bot, "ADA", "DOT", tickPrices(), dec("0.002"))
	require.NoError(t, err)

	assert.Empty(t, broker.submissions, "simulation never reaches the broker")

	trades, err := h.trades.Recent(h.bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeCompleted, trades[0].Status)

	asset, err := h.assets.Get(h.bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "DOT", asset.Coin)
	// 1000 ADA * 0.5 = 500 stable; minus 0.2% = 499; minus buy commission
	// and margin: 499 * 0.998 / 5 * 0.995.
	expected := dec("499").Mul(dec("0.998")).DivRound(dec("5"), 16).Mul(dec("0.995"))
	assert.True(t, asset.Amount.Equal(expected))
}

func TestExecute_BudgetCapsAmount(t *testing.T) {
	broker := &scriptedBroker{statuses: []domain.TradeStatus{
		terminal("t-1", "finished", ""),
	}}
	h := newHarness(t, broker, domain.ModeLive)

	budget := dec("100") // stablecoin budget, 200 ADA at 0.5
	_, err := h.db.Exec(`UPDATE bots SET manual_budget_amount = ? WHERE id = ?`,
		budget.String(), h.bot.ID)
	require.NoError(t, err)
	bot, err := h.botRepo.Get(h.bot.ID)
	require.NoError(t, err)

	err = h.exec.Execute(context.Background(), bot, "ADA", "USDT", tickPrices(), dec("0.002"))
	require.NoError(t, err)

	require.Len(t, broker.submissions, 1)
	assert.True(t, broker.submissions[0].Amount.Equal(dec("200")))
}

func TestExecute_ReferenceValueTracked(t *testing.T) {
	broker := &scriptedBroker{}
	h := newHarness(t, broker, domain.ModeSimulated)

	err := h.exec.Execute(context.Background(), h.bot, "ADA", "DOT", tickPrices(), dec("0.002"))
	require.NoError(t, err)

	// Net stable 499 * 0.998 = 498.002 re-expressed at the ETH price of 2000.
	want := dec("498.002").DivRound(dec("2000"), 16)

	var ethValue string
	require.NoError(t, h.db.QueryRow(
		`SELECT eth_equivalent_value FROM coin_snapshots WHERE bot_id = ? AND coin = 'DOT'`,
		h.bot.ID).Scan(&ethValue))
	assert.True(t, dec(ethValue).Equal(want), "got %s", ethValue)

	bot, err := h.botRepo.Get(h.bot.ID)
	require.NoError(t, err)
	assert.True(t, bot.GlobalPeakValueInETH.Equal(want), "got %s", bot.GlobalPeakValueInETH)
}

func TestExecute_LiveBalanceReadUnderLock(t *testing.T) {
	broker := &scriptedBroker{
		statuses: []domain.TradeStatus{terminal("t-1", "finished", "")},
		balances: []domain.Balance{{Coin: "ADA", Amount: dec("400"), AmountInUSD: dec("200")}},
	}
	h := newHarness(t, broker, domain.ModeLive)

	// Rebuild without mock data so the live balance path is exercised.
	log := zerolog.New(nil).Level(zerolog.Disabled)
	exec := New(Config{
		Trades:    h.trades,
		Assets:    h.assets,
		Bots:      h.botRepo,
		Snapshots: h.snapMgr,
		Locks:     h.locks,
		Missed:    h.missed,
		Broker:    broker,
		Prices:    &staticPrices{prices: map[string]decimal.Decimal{"ADA": dec("0.5"), "DOT": dec("5"), "ETH": dec("2000")}},
		Strategy:  oracle.DefaultStrategy,
		TradeLog:  nopTradeLog{},
		Mode:      domain.ModeLive,
	}, log)

	var locksAtBalanceRead int
	broker.onBalances = func() {
		require.NoError(t, h.db.QueryRow(
			`SELECT COUNT(*) FROM asset_locks WHERE bot_id = ? AND coin = 'ADA' AND status = 'locked'`,
			h.bot.ID).Scan(&locksAtBalanceRead))
	}

	err := exec.Execute(context.Background(), h.bot, "ADA", "USDT", tickPrices(), dec("0.002"))
	require.NoError(t, err)

	assert.Equal(t, 1, locksAtBalanceRead, "balance read happens under the source-coin lock")
	require.Len(t, broker.submissions, 1)
	assert.True(t, broker.submissions[0].Amount.Equal(dec("400")), "sell capped at the live balance")
}

func TestRealizedAmountPrecedence(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"entered_total wins", `{"data":{"entered_total":"10","entered_amount":"9"},"position":{"quantity":"8"}}`, "10", true},
		{"entered_amount next", `{"data":{"entered_amount":9.5},"position":{"quantity":"8"}}`, "9.5", true},
		{"position total value", `{"position":{"total":{"value":"7.25"}}}`, "7.25", true},
		{"done quantity times price", `{"position":{"done_quantity":"2","done_average_price":"3"}}`, "6", true},
		{"quantity fallback", `{"position":{"quantity":4}}`, "4", true},
		{"units object", `{"position":{"units":{"value":"5.5"}}}`, "5.5", true},
		{"nothing present", `{"position":{}}`, "0", false},
		{"empty payload", ``, "0", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var raw json.RawMessage
			if tc.raw != "" {
				raw = json.RawMessage(tc.raw)
			}
			got, ok := realizedAmount(raw)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, got.Equal(dec(tc.want)), "got %s", got)
			}
		})
	}
}
