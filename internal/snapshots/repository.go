package snapshots

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// SnapshotRepository handles coin_snapshots persistence.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "coin_snapshots").Logger(),
	}
}

// Get returns the snapshot for a (bot, coin), or nil when none exists.
func (r *SnapshotRepository) Get(botID int64, coin string) (*domain.CoinSnapshot, error) {
	row := r.db.QueryRow(`
		SELECT id, bot_id, coin, initial_price, snapshot_timestamp,
		       units_held, eth_equivalent_value, was_ever_held, max_units_reached
		FROM coin_snapshots
		WHERE bot_id = ? AND coin = ?
	`, botID, domain.NormalizeCoin(coin))

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin snapshot: %w", err)
	}
	return snap, nil
}

// ListByBot returns all snapshots for a bot.
func (r *SnapshotRepository) ListByBot(botID int64) ([]domain.CoinSnapshot, error) {
	rows, err := r.db.Query(`
		SELECT id, bot_id, coin, initial_price, snapshot_timestamp,
		       units_held, eth_equivalent_value, was_ever_held, max_units_reached
		FROM coin_snapshots
		WHERE bot_id = ?
		ORDER BY coin
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list coin snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.CoinSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coin snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// Create inserts a new snapshot row. The UNIQUE(bot_id, coin) constraint
// rejects duplicates; snapshot creation is single-writer per bot so a
// constraint failure here indicates a bug upstream.
func (r *SnapshotRepository) Create(snap *domain.CoinSnapshot) error {
	ts := snap.SnapshotTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := r.db.Exec(`
		INSERT INTO coin_snapshots (bot_id, coin, initial_price, snapshot_timestamp,
		                            units_held, eth_equivalent_value, was_ever_held, max_units_reached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.BotID,
		domain.NormalizeCoin(snap.Coin),
		snap.InitialPrice.String(),
		ts.Format(time.RFC3339Nano),
		snap.UnitsHeld.String(),
		snap.ETHEquivalentValue.String(),
		boolToInt(snap.WasEverHeld),
		snap.MaxUnitsReached.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to create coin snapshot: %w", err)
	}

	snap.ID, _ = res.LastInsertId()
	snap.SnapshotTimestamp = ts
	return nil
}

// UpdateUnits writes the observed units into the snapshot, marks the coin as
// held, and raises max_units_reached when exceeded. initial_price is never
// touched.
func (r *SnapshotRepository) UpdateUnits(botID int64, coin string, units decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE coin_snapshots
		SET units_held = ?,
		    was_ever_held = 1,
		    max_units_reached = CASE
		        WHEN CAST(? AS REAL) > CAST(max_units_reached AS REAL) THEN ?
		        ELSE max_units_reached
		    END
		WHERE bot_id = ? AND coin = ?
	`,
		units.String(), units.String(), units.String(),
		botID, domain.NormalizeCoin(coin),
	)
	if err != nil {
		return fmt.Errorf("failed to update snapshot units: %w", err)
	}
	return nil
}

// UpdateETHEquivalent stores the reference-coin equivalent value.
func (r *SnapshotRepository) UpdateETHEquivalent(botID int64, coin string, value decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE coin_snapshots SET eth_equivalent_value = ? WHERE bot_id = ? AND coin = ?
	`, value.String(), botID, domain.NormalizeCoin(coin))
	if err != nil {
		return fmt.Errorf("failed to update snapshot eth equivalent: %w", err)
	}
	return nil
}

// DeleteByBot removes all snapshots for a bot. Used by bot reset.
func (r *SnapshotRepository) DeleteByBot(botID int64) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM coin_snapshots WHERE bot_id = ?`, botID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete coin snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*domain.CoinSnapshot, error) {
	var snap domain.CoinSnapshot
	var initialPrice, ts, unitsHeld, ethValue, maxUnits string
	var wasEverHeld int

	if err := row.Scan(&snap.ID, &snap.BotID, &snap.Coin, &initialPrice, &ts,
		&unitsHeld, &ethValue, &wasEverHeld, &maxUnits); err != nil {
		return nil, err
	}

	var err error
	if snap.InitialPrice, err = decimal.NewFromString(initialPrice); err != nil {
		return nil, fmt.Errorf("invalid initial_price %q: %w", initialPrice, err)
	}
	if snap.UnitsHeld, err = decimal.NewFromString(unitsHeld); err != nil {
		return nil, fmt.Errorf("invalid units_held %q: %w", unitsHeld, err)
	}
	if snap.ETHEquivalentValue, err = decimal.NewFromString(ethValue); err != nil {
		return nil, fmt.Errorf("invalid eth_equivalent_value %q: %w", ethValue, err)
	}
	if snap.MaxUnitsReached, err = decimal.NewFromString(maxUnits); err != nil {
		return nil, fmt.Errorf("invalid max_units_reached %q: %w", maxUnits, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		snap.SnapshotTimestamp = t
	}
	snap.WasEverHeld = wasEverHeld != 0

	return &snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UnitTrackerRepository handles coin_unit_trackers persistence.
type UnitTrackerRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUnitTrackerRepository creates a new unit-tracker repository.
func NewUnitTrackerRepository(db *sql.DB, log zerolog.Logger) *UnitTrackerRepository {
	return &UnitTrackerRepository{
		db:  db,
		log: log.With().Str("repo", "coin_unit_trackers").Logger(),
	}
}

// Get returns the tracker for a (bot, coin), or nil when none exists.
func (r *UnitTrackerRepository) Get(botID int64, coin string) (*domain.CoinUnitTracker, error) {
	row := r.db.QueryRow(`
		SELECT id, bot_id, coin, units, last_price, updated_at
		FROM coin_unit_trackers
		WHERE bot_id = ? AND coin = ?
	`, botID, domain.NormalizeCoin(coin))

	var t domain.CoinUnitTracker
	var units, lastPrice, updatedAt string
	err := row.Scan(&t.ID, &t.BotID, &t.Coin, &units, &lastPrice, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit tracker: %w", err)
	}

	if t.Units, err = decimal.NewFromString(units); err != nil {
		return nil, fmt.Errorf("invalid units %q: %w", units, err)
	}
	if t.LastPrice, err = decimal.NewFromString(lastPrice); err != nil {
		return nil, fmt.Errorf("invalid last_price %q: %w", lastPrice, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

// Upsert writes the tracker row for a (bot, coin).
func (r *UnitTrackerRepository) Upsert(botID int64, coin string, units, lastPrice decimal.Decimal) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.Exec(`
		INSERT INTO coin_unit_trackers (bot_id, coin, units, last_price, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, coin) DO UPDATE SET
		    units = excluded.units,
		    last_price = excluded.last_price,
		    updated_at = excluded.updated_at
	`, botID, domain.NormalizeCoin(coin), units.String(), lastPrice.String(), now)
	if err != nil {
		return fmt.Errorf("failed to upsert unit tracker: %w", err)
	}
	return nil
}

// DeleteByBot removes all trackers for a bot. Used by bot reset.
func (r *UnitTrackerRepository) DeleteByBot(botID int64) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM coin_unit_trackers WHERE bot_id = ?`, botID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unit trackers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
