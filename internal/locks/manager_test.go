package locks

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/domain"
)

type fakeAssets struct {
	assets map[int64]*domain.Asset
}

func (f *fakeAssets) GetByCoin(botID int64, coin string) (*domain.Asset, error) {
	asset, ok := f.assets[botID]
	if !ok || asset.Coin != domain.NormalizeCoin(coin) {
		return nil, nil
	}
	return asset, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeAssets) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(database.Schema)
	require.NoError(t, err)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	assets := &fakeAssets{assets: map[int64]*domain.Asset{
		1: {BotID: 1, Coin: "ADA", Amount: decimal.NewFromInt(1000)},
		2: {BotID: 2, Coin: "ADA", Amount: decimal.NewFromInt(500)},
	}}
	return NewManager(db, NewRepository(db, log), assets, nil, log), assets
}

func TestAcquireReleaseAcquire(t *testing.T) {
	mgr, _ := newTestManager(t)
	amount := decimal.NewFromInt(100)

	lease, err := mgr.Acquire(1, "ADA", amount, "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, lease.LockID)

	require.NoError(t, mgr.Release(lease.LockID, 1))

	// Re-acquire after release succeeds.
	lease2, err := mgr.Acquire(1, "ADA", amount, "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, lease.LockID, lease2.LockID)
}

func TestCrossBotConflict(t *testing.T) {
	mgr, _ := newTestManager(t)
	amount := decimal.NewFromInt(100)

	_, err := mgr.Acquire(1, "ADA", amount, "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)

	// Another bot cannot trade or lock the same coin.
	err = mgr.CanTrade(2, "ADA", amount)
	assert.True(t, errors.Is(err, domain.ErrLockConflict))

	_, err = mgr.Acquire(2, "ADA", amount, "trade_to_DOT", 5*time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockConflict))
}

func TestSameBotDoesNotSelfConflict(t *testing.T) {
	mgr, _ := newTestManager(t)
	amount := decimal.NewFromInt(100)

	_, err := mgr.Acquire(1, "ADA", amount, "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)

	assert.NoError(t, mgr.CanTrade(1, "ADA", amount))
}

func TestCanTrade_InsufficientFunds(t *testing.T) {
	mgr, _ := newTestManager(t)

	err := mgr.CanTrade(1, "ADA", decimal.NewFromInt(5000))
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
}

func TestCanTrade_AssetMissing(t *testing.T) {
	mgr, _ := newTestManager(t)

	err := mgr.CanTrade(1, "DOT", decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, domain.ErrAssetMissing))
}

func TestCrossBotReleaseRejected(t *testing.T) {
	mgr, _ := newTestManager(t)

	lease, err := mgr.Acquire(1, "ADA", decimal.NewFromInt(100), "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)

	err = mgr.Release(lease.LockID, 2)
	assert.Error(t, err)

	// Still held by bot 1.
	err = mgr.CanTrade(2, "ADA", decimal.NewFromInt(100))
	assert.True(t, errors.Is(err, domain.ErrLockConflict))
}

func TestReleaseIdempotentForOwner(t *testing.T) {
	mgr, _ := newTestManager(t)

	lease, err := mgr.Acquire(1, "ADA", decimal.NewFromInt(100), "trade_to_DOT", 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, mgr.Release(lease.LockID, 1))
	require.NoError(t, mgr.Release(lease.LockID, 1))
}

func TestExpiredLockDoesNotConflict(t *testing.T) {
	mgr, _ := newTestManager(t)

	// Acquire with a TTL already in the past.
	_, err := mgr.Acquire(1, "ADA", decimal.NewFromInt(100), "trade_to_DOT", -time.Minute)
	require.NoError(t, err)

	assert.NoError(t, mgr.CanTrade(2, "ADA", decimal.NewFromInt(100)))
	_, err = mgr.Acquire(2, "ADA", decimal.NewFromInt(100), "trade_to_DOT", 5*time.Minute)
	assert.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	mgr, _ := newTestManager(t)

	lease, err := mgr.Acquire(1, "ADA", decimal.NewFromInt(100), "trade_to_DOT", -time.Minute)
	require.NoError(t, err)

	mgr.SweepExpired()

	lock, err := mgr.repo.Get(lease.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockReleased, lock.Status)
	assert.NotNil(t, lock.ReleasedAt)
}

func TestExtend(t *testing.T) {
	mgr, _ := newTestManager(t)

	lease, err := mgr.Acquire(1, "ADA", decimal.NewFromInt(100), "allocation", 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, mgr.Extend(lease.LockID, 1, 10*time.Minute))

	lock, err := mgr.repo.Get(lease.LockID)
	require.NoError(t, err)
	assert.True(t, lock.ExpiresAt.After(lease.ExpiresAt))

	// Cross-bot extend rejected.
	assert.Error(t, mgr.Extend(lease.LockID, 2, time.Minute))
}
