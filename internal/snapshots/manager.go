// Package snapshots maintains per-(bot, coin) baselines: the initial price
// observed when the bot first sees a coin, the running units held, and the
// monotone max-units watermark used by re-entry protection.
package snapshots

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// Manager owns snapshot and unit-tracker state for all bots.
type Manager struct {
	snapshots *SnapshotRepository
	trackers  *UnitTrackerRepository
	log       zerolog.Logger
}

// NewManager creates a snapshot manager over the two repositories.
func NewManager(snapshots *SnapshotRepository, trackers *UnitTrackerRepository, log zerolog.Logger) *Manager {
	return &Manager{
		snapshots: snapshots,
		trackers:  trackers,
		log:       log.With().Str("service", "snapshots").Logger(),
	}
}

// EnsureBaselines creates a CoinSnapshot for every basket coin that does not
// have one yet, using the just-observed price as the immutable baseline.
// Coins without a price this tick are skipped and picked up on a later tick.
// Runs at the top of every tick; after the first tick (or after a reset) it
// is a no-op.
func (m *Manager) EnsureBaselines(bot *domain.Bot, prices map[string]domain.PriceQuote) error {
	for _, coin := range bot.Coins {
		coin = domain.NormalizeCoin(coin)

		existing, err := m.snapshots.Get(bot.ID, coin)
		if err != nil {
			return fmt.Errorf("failed to check baseline for %s: %w", coin, err)
		}
		if existing != nil {
			continue
		}

		quote, ok := prices[coin]
		if !ok {
			m.log.Warn().
				Int64("bot_id", bot.ID).
				Str("coin", coin).
				Msg("No price observed, baseline deferred to a later tick")
			continue
		}

		snap := &domain.CoinSnapshot{
			BotID:             bot.ID,
			Coin:              coin,
			InitialPrice:      quote.Price,
			SnapshotTimestamp: time.Now().UTC(),
			UnitsHeld:         decimal.Zero,
			MaxUnitsReached:   decimal.Zero,
			WasEverHeld:       strings.EqualFold(coin, bot.InitialCoin),
		}
		if err := m.snapshots.Create(snap); err != nil {
			return fmt.Errorf("failed to create baseline for %s: %w", coin, err)
		}

		m.log.Info().
			Int64("bot_id", bot.ID).
			Str("coin", coin).
			Str("initial_price", quote.Price.String()).
			Msg("Baseline snapshot created")
	}
	return nil
}

// RecordUnits upserts the unit tracker and folds the observation into the
// snapshot: units_held is overwritten, was_ever_held set, and
// max_units_reached raised when exceeded.
func (m *Manager) RecordUnits(botID int64, coin string, units, price decimal.Decimal) error {
	coin = domain.NormalizeCoin(coin)

	if err := m.trackers.Upsert(botID, coin, units, price); err != nil {
		return fmt.Errorf("failed to record units for %s: %w", coin, err)
	}
	if err := m.snapshots.UpdateUnits(botID, coin, units); err != nil {
		return fmt.Errorf("failed to fold units into snapshot for %s: %w", coin, err)
	}

	m.log.Debug().
		Int64("bot_id", botID).
		Str("coin", coin).
		Str("units", units.String()).
		Msg("Units recorded")
	return nil
}

// RecordETHEquivalent stores the held value expressed in the bot's
// reference coin. Advisory metric, never read by the scoring path.
func (m *Manager) RecordETHEquivalent(botID int64, coin string, value decimal.Decimal) error {
	if err := m.snapshots.UpdateETHEquivalent(botID, coin, value); err != nil {
		return fmt.Errorf("failed to record reference-coin value for %s: %w", coin, err)
	}
	return nil
}

// InitialPrices returns the baseline price map used by the deviation
// calculator. Only coins with a snapshot appear in the map.
func (m *Manager) InitialPrices(bot *domain.Bot) (map[string]decimal.Decimal, error) {
	snaps, err := m.snapshots.ListByBot(bot.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load baselines: %w", err)
	}

	baselines := make(map[string]decimal.Decimal, len(snaps))
	for _, s := range snaps {
		baselines[domain.NormalizeCoin(s.Coin)] = s.InitialPrice
	}
	return baselines, nil
}

// Snapshot returns the snapshot row for a (bot, coin), or nil.
func (m *Manager) Snapshot(botID int64, coin string) (*domain.CoinSnapshot, error) {
	return m.snapshots.Get(botID, coin)
}

// Reset deletes all snapshots and trackers for a bot. Baselines are
// re-created at the then-current prices on the next tick; initial_price is
// never mutated in place.
func (m *Manager) Reset(botID int64) error {
	snaps, err := m.snapshots.DeleteByBot(botID)
	if err != nil {
		return err
	}
	trackers, err := m.trackers.DeleteByBot(botID)
	if err != nil {
		return err
	}

	m.log.Info().
		Int64("bot_id", botID).
		Int64("snapshots_deleted", snaps).
		Int64("trackers_deleted", trackers).
		Msg("Snapshot state reset")
	return nil
}
