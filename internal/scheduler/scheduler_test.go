package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/deviation"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/executor"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
	"github.com/quantfold/rebalancer/internal/snapshots"
)

type flatProvider struct{}

func (flatProvider) Name() string { return "exchange" }

func (flatProvider) GetPrice(ctx context.Context, coin, quote string) (decimal.Decimal, error) {
	switch domain.NormalizeCoin(coin) {
	case "BTC":
		return decimal.NewFromInt(50000), nil
	default:
		return decimal.NewFromInt(3000), nil
	}
}

type stubBroker struct {
	domain.BrokerClient
}

func (stubBroker) GetCommissionRates(ctx context.Context, accountID string) (*domain.CommissionRates, error) {
	return &domain.CommissionRates{
		Maker:  decimal.NewFromFloat(0.001),
		Taker:  decimal.NewFromFloat(0.002),
		Source: domain.CommissionFromAPI,
	}, nil
}

type nopTradeLog struct{}

func (nopTradeLog) Trade(botID int64, message string, context interface{}) {}

func newScheduler(t *testing.T) (*Scheduler, *bots.BotRepository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(database.Schema)
	require.NoError(t, err)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	botRepo := bots.NewBotRepository(db, log)
	assetRepo := bots.NewAssetRepository(db, log)
	snapMgr := snapshots.NewManager(
		snapshots.NewSnapshotRepository(db, log),
		snapshots.NewUnitTrackerRepository(db, log), log)
	o := oracle.New([]domain.PriceProvider{flatProvider{}}, nil, log)
	broker := stubBroker{}
	eng := engine.New(snapMgr, deviation.NewRepository(db, log),
		engine.NewMissedRepository(db, log), nopTradeLog{}, broker, nil, log)
	exec := executor.New(executor.Config{
		Trades:    executor.NewTradeRepository(db, log),
		Assets:    assetRepo,
		Bots:      botRepo,
		Snapshots: snapMgr,
		Locks:     locks.NewManager(db, locks.NewRepository(db, log), assetRepo, nil, log),
		Missed:    engine.NewMissedRepository(db, log),
		Broker:    broker,
		Strategy:  oracle.Strategy{Primary: "exchange"},
		TradeLog:  nopTradeLog{},
		Mode:      domain.ModeSimulated,
		MockData:  true,
	}, log)

	sched := New(botRepo, assetRepo, snapMgr, o, oracle.Strategy{Primary: "exchange"},
		eng, exec, nil, log)
	return sched, botRepo, db
}

func seedBot(t *testing.T, repo *bots.BotRepository, db *sql.DB, enabled bool) *domain.Bot {
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
		Enabled:                enabled,
	}
	require.NoError(t, repo.Create(bot))
	require.NoError(t, repo.UpdateCurrentCoin(bot.ID, "BTC"))
	_, err := db.Exec(`
		INSERT INTO bot_assets (bot_id, coin, amount, entry_price, stablecoin_equivalent, last_updated)
		VALUES (?, 'BTC', '1', '50000', '50000', ?)
	`, bot.ID, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
	return bot
}

func TestStartRunsImmediateTick(t *testing.T) {
	sched, botRepo, db := newScheduler(t)
	bot := seedBot(t, botRepo, db, true)

	require.NoError(t, sched.Start(bot.ID))
	defer sched.StopAll()

	assert.True(t, sched.Running(bot.ID))

	// The first tick runs without waiting for the interval; it stamps
	// last_check_time and creates the baselines.
	require.Eventually(t, func() bool {
		got, err := botRepo.Get(bot.ID)
		return err == nil && got.LastCheckTime != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM coin_snapshots WHERE bot_id = ?`, bot.ID).Scan(&n); err != nil {
			return false
		}
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTwiceIsNoOp(t *testing.T) {
	sched, botRepo, db := newScheduler(t)
	bot := seedBot(t, botRepo, db, true)

	require.NoError(t, sched.Start(bot.ID))
	defer sched.StopAll()
	require.NoError(t, sched.Start(bot.ID))

	assert.True(t, sched.Running(bot.ID))
}

func TestStartDisabledBotRejected(t *testing.T) {
	sched, botRepo, db := newScheduler(t)
	bot := seedBot(t, botRepo, db, false)

	err := sched.Start(bot.ID)
	assert.Error(t, err)
	assert.False(t, sched.Running(bot.ID))
}

func TestStopWaitsForLoopExit(t *testing.T) {
	sched, botRepo, db := newScheduler(t)
	bot := seedBot(t, botRepo, db, true)

	require.NoError(t, sched.Start(bot.ID))
	sched.Stop(bot.ID)

	assert.False(t, sched.Running(bot.ID))

	// Stopping an already-stopped bot is harmless.
	sched.Stop(bot.ID)
}

func TestStartAllEnabled(t *testing.T) {
	sched, botRepo, db := newScheduler(t)
	a := seedBot(t, botRepo, db, true)
	b := seedBot(t, botRepo, db, false)

	require.NoError(t, sched.StartAllEnabled())
	defer sched.StopAll()

	assert.True(t, sched.Running(a.ID))
	assert.False(t, sched.Running(b.ID))
}
