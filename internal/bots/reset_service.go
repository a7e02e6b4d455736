package bots

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/events"
)

// SnapshotResetter clears snapshot and unit-tracker state for a bot.
// Satisfied by the snapshot manager.
type SnapshotResetter interface {
	Reset(botID int64) error
}

// ResetService wipes a bot's learned state so the next tick re-creates
// baselines at the then-current prices. Config (basket, thresholds) is kept.
type ResetService struct {
	db        *sql.DB
	botRepo   *BotRepository
	assets    *AssetRepository
	snapshots SnapshotResetter
	events    *events.Manager
	log       zerolog.Logger
}

// NewResetService creates a reset service.
func NewResetService(db *sql.DB, botRepo *BotRepository, assets *AssetRepository,
	snapshots SnapshotResetter, ev *events.Manager, log zerolog.Logger) *ResetService {
	return &ResetService{
		db:        db,
		botRepo:   botRepo,
		assets:    assets,
		snapshots: snapshots,
		events:    ev,
		log:       log.With().Str("service", "bot_reset").Logger(),
	}
}

// Reset deletes snapshots, trackers, assets, clears current_coin, zeroes the
// peak value, and writes a BotResetEvent audit row. Peak value is allowed to
// decrease only here.
func (s *ResetService) Reset(botID int64, reason string) error {
	bot, err := s.botRepo.Get(botID)
	if err != nil {
		return err
	}

	if err := s.snapshots.Reset(botID); err != nil {
		return fmt.Errorf("failed to reset snapshots: %w", err)
	}
	if err := s.assets.DeleteByBot(botID); err != nil {
		return fmt.Errorf("failed to reset assets: %w", err)
	}
	if err := s.botRepo.ClearCurrentCoin(botID); err != nil {
		return err
	}
	if err := s.botRepo.ResetGlobalPeak(botID); err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO bot_reset_events (bot_id, reason, created_at)
		VALUES (?, ?, ?)
	`, botID, reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record reset event: %w", err)
	}

	s.log.Info().
		Int64("bot_id", botID).
		Str("bot_name", bot.Name).
		Str("reason", reason).
		Msg("Bot reset")
	if s.events != nil {
		s.events.Emit(events.BotReset, "bots", map[string]interface{}{
			"bot_id": botID,
			"reason": reason,
		})
	}
	return nil
}

// ResetEvents returns the audit trail for a bot, newest first.
func (s *ResetService) ResetEvents(botID int64, limit int) ([]domain.BotResetEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, bot_id, reason, created_at
		FROM bot_reset_events
		WHERE bot_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reset events: %w", err)
	}
	defer rows.Close()

	var out []domain.BotResetEvent
	for rows.Next() {
		var e domain.BotResetEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.BotID, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reset event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
