package bots

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/domain"
)

// AssetRepository handles bot_assets persistence. A bot holds exactly one
// Asset row after initial allocation; the swap transition (delete old,
// insert new) is atomic.
type AssetRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAssetRepository creates a new asset repository.
func NewAssetRepository(db *sql.DB, log zerolog.Logger) *AssetRepository {
	return &AssetRepository{
		db:  db,
		log: log.With().Str("repo", "bot_assets").Logger(),
	}
}

// Get returns the bot's single Asset row, or nil before initial allocation.
// Two rows for one bot is a broken invariant and aborts the caller.
func (r *AssetRepository) Get(botID int64) (*domain.Asset, error) {
	rows, err := r.db.Query(`
		SELECT id, bot_id, coin, amount, entry_price, stablecoin_equivalent, last_updated
		FROM bot_assets
		WHERE bot_id = ?
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(assets) {
	case 0:
		return nil, nil
	case 1:
		return &assets[0], nil
	default:
		return nil, fmt.Errorf("%w: bot %d holds %d assets", domain.ErrInvariant, botID, len(assets))
	}
}

// GetByCoin returns the Asset for (bot, coin), or nil.
func (r *AssetRepository) GetByCoin(botID int64, coin string) (*domain.Asset, error) {
	row := r.db.QueryRow(`
		SELECT id, bot_id, coin, amount, entry_price, stablecoin_equivalent, last_updated
		FROM bot_assets
		WHERE bot_id = ? AND coin = ?
	`, botID, domain.NormalizeCoin(coin))

	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// Create inserts the bot's initial Asset.
func (r *AssetRepository) Create(asset *domain.Asset) error {
	now := time.Now().UTC()
	res, err := r.db.Exec(`
		INSERT INTO bot_assets (bot_id, coin, amount, entry_price, stablecoin_equivalent, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		asset.BotID,
		domain.NormalizeCoin(asset.Coin),
		asset.Amount.String(),
		asset.EntryPrice.String(),
		asset.StablecoinEquivalent.String(),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	asset.ID, _ = res.LastInsertId()
	asset.LastUpdated = now
	return nil
}

// Swap atomically replaces the bot's Asset: delete all rows for the bot,
// insert the new position. External observers never see zero or two rows.
func (r *AssetRepository) Swap(botID int64, newAsset *domain.Asset) error {
	now := time.Now().UTC()
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM bot_assets WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("failed to delete old asset: %w", err)
		}
		res, err := tx.Exec(`
			INSERT INTO bot_assets (bot_id, coin, amount, entry_price, stablecoin_equivalent, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			botID,
			domain.NormalizeCoin(newAsset.Coin),
			newAsset.Amount.String(),
			newAsset.EntryPrice.String(),
			newAsset.StablecoinEquivalent.String(),
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert new asset: %w", err)
		}
		newAsset.ID, _ = res.LastInsertId()
		newAsset.BotID = botID
		newAsset.LastUpdated = now
		return nil
	})
}

// DeleteByBot removes the bot's assets. Used by bot reset.
func (r *AssetRepository) DeleteByBot(botID int64) error {
	if _, err := r.db.Exec(`DELETE FROM bot_assets WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("failed to delete assets: %w", err)
	}
	return nil
}

func scanAsset(row rowScanner) (*domain.Asset, error) {
	var a domain.Asset
	var amount, entryPrice, stableEq, lastUpdated string

	if err := row.Scan(&a.ID, &a.BotID, &a.Coin, &amount, &entryPrice, &stableEq, &lastUpdated); err != nil {
		return nil, err
	}

	var err error
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if a.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("invalid entry_price %q: %w", entryPrice, err)
	}
	if a.StablecoinEquivalent, err = decimal.NewFromString(stableEq); err != nil {
		return nil, fmt.Errorf("invalid stablecoin_equivalent %q: %w", stableEq, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
		a.LastUpdated = t
	}
	return &a, nil
}
