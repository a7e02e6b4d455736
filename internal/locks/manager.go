// Package locks coordinates leased claims over (bot, coin) pairs so that two
// bots sharing an exchange account never submit trades mutating the same
// balance at the same time.
package locks

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/events"
)

// AssetReader resolves the bot's current position. Satisfied by the asset
// repository.
type AssetReader interface {
	GetByCoin(botID int64, coin string) (*domain.Asset, error)
}

// Lease is the caller's handle on an acquired lock.
type Lease struct {
	LockID    string
	ExpiresAt time.Time
}

// Manager is the per-process lock coordinator.
type Manager struct {
	db     *sql.DB
	repo   *Repository
	assets AssetReader
	events *events.Manager
	log    zerolog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager.
func NewManager(db *sql.DB, repo *Repository, assets AssetReader, ev *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		db:     db,
		repo:   repo,
		assets: assets,
		events: ev,
		log:    log.With().Str("service", "locks").Logger(),
		now:    time.Now,
	}
}

// CanTrade reports whether the bot may trade the given amount of coin:
// the bot's Asset must cover the amount and no other bot may hold a live
// lock on the coin. Locks owned by the same bot never self-conflict.
func (m *Manager) CanTrade(botID int64, coin string, amount decimal.Decimal) error {
	coin = domain.NormalizeCoin(coin)

	asset, err := m.assets.GetByCoin(botID, coin)
	if err != nil {
		return fmt.Errorf("failed to load asset for lock check: %w", err)
	}
	if asset == nil {
		return fmt.Errorf("%w: bot %d holds no %s", domain.ErrAssetMissing, botID, coin)
	}
	if asset.Amount.LessThan(amount) {
		return fmt.Errorf("%w: have %s %s, need %s",
			domain.ErrInsufficientFunds, asset.Amount.String(), coin, amount.String())
	}

	conflict, err := m.repo.ConflictingLock(m.db, botID, coin, m.now())
	if err != nil {
		return err
	}
	if conflict != nil {
		return fmt.Errorf("%w: %s held by bot %d until %s",
			domain.ErrLockConflict, coin, conflict.BotID, conflict.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Acquire atomically claims a lock on (bot, coin) for ttl. The conflict
// check and insert run in one transaction; SQLite's single writer
// serializes concurrent acquire attempts.
func (m *Manager) Acquire(botID int64, coin string, amount decimal.Decimal, reason string, ttl time.Duration) (*Lease, error) {
	coin = domain.NormalizeCoin(coin)
	now := m.now()

	lock := &domain.AssetLock{
		LockID:    uuid.New().String(),
		BotID:     botID,
		Coin:      coin,
		Amount:    amount,
		Reason:    reason,
		Status:    domain.LockLocked,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		conflict, err := m.repo.ConflictingLock(tx, botID, coin, now)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("%w: %s held by bot %d", domain.ErrLockConflict, coin, conflict.BotID)
		}
		return m.repo.Insert(tx, lock)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Int64("bot_id", botID).
		Str("coin", coin).
		Str("lock_id", lock.LockID).
		Str("reason", reason).
		Time("expires_at", lock.ExpiresAt).
		Msg("Lock acquired")
	if m.events != nil {
		m.events.Emit(events.LockAcquired, "locks", map[string]interface{}{
			"bot_id":  botID,
			"coin":    coin,
			"lock_id": lock.LockID,
			"reason":  reason,
		})
	}

	return &Lease{LockID: lock.LockID, ExpiresAt: lock.ExpiresAt}, nil
}

// Release releases a lock. Cross-bot release is rejected; releasing an
// already-released lock owned by the same bot is a no-op.
func (m *Manager) Release(lockID string, botID int64) error {
	lock, err := m.repo.Get(lockID)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("%w: lock %s", domain.ErrNotFound, lockID)
	}
	if lock.BotID != botID {
		return fmt.Errorf("lock %s belongs to bot %d, release by bot %d rejected",
			lockID, lock.BotID, botID)
	}
	if lock.Status == domain.LockReleased {
		return nil
	}

	if err := m.repo.Release(lockID, m.now()); err != nil {
		return err
	}

	m.log.Info().
		Int64("bot_id", botID).
		Str("coin", lock.Coin).
		Str("lock_id", lockID).
		Msg("Lock released")
	if m.events != nil {
		m.events.Emit(events.LockReleased, "locks", map[string]interface{}{
			"bot_id":  botID,
			"coin":    lock.Coin,
			"lock_id": lockID,
		})
	}
	return nil
}

// Extend pushes a live lock's expiry forward by additional minutes.
func (m *Manager) Extend(lockID string, botID int64, additional time.Duration) error {
	lock, err := m.repo.Get(lockID)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("%w: lock %s", domain.ErrNotFound, lockID)
	}
	if lock.BotID != botID {
		return fmt.Errorf("lock %s belongs to bot %d, extend by bot %d rejected",
			lockID, lock.BotID, botID)
	}
	if !lock.Held(m.now()) {
		return fmt.Errorf("%w: lock %s is not held", domain.ErrLockConflict, lockID)
	}

	return m.repo.Extend(lockID, lock.ExpiresAt.Add(additional))
}

// SweepExpired releases expired locks. Wired to the maintenance cron.
func (m *Manager) SweepExpired() {
	n, err := m.repo.SweepExpired(m.now())
	if err != nil {
		m.log.Error().Err(err).Msg("Lock sweep failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("released", n).Msg("Expired locks swept")
	}
}
