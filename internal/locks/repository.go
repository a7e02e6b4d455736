package locks

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/rebalancer/internal/domain"
)

// Repository handles asset_locks persistence. Mutations that must be
// serializable against concurrent checks run inside a caller-supplied
// transaction.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new lock repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "asset_locks").Logger(),
	}
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// ConflictingLock returns a live lock on the coin held by a different bot,
// or nil. Must run on the same transaction as the subsequent insert.
func (r *Repository) ConflictingLock(q execer, botID int64, coin string, now time.Time) (*domain.AssetLock, error) {
	rows, err := q.Query(`
		SELECT lock_id, bot_id, coin, amount, reason, status, expires_at, created_at, released_at
		FROM asset_locks
		WHERE coin = ? AND status = 'locked' AND bot_id != ?
	`, domain.NormalizeCoin(coin), botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicting locks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		if lock.Held(now) {
			return lock, nil
		}
	}
	return nil, rows.Err()
}

// Insert writes a new lock row.
func (r *Repository) Insert(q execer, lock *domain.AssetLock) error {
	_, err := q.Exec(`
		INSERT INTO asset_locks (lock_id, bot_id, coin, amount, reason, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		lock.LockID,
		lock.BotID,
		domain.NormalizeCoin(lock.Coin),
		lock.Amount.String(),
		lock.Reason,
		string(lock.Status),
		lock.ExpiresAt.UTC().Format(time.RFC3339Nano),
		lock.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

// Get returns a lock by id, or nil when absent.
func (r *Repository) Get(lockID string) (*domain.AssetLock, error) {
	row := r.db.QueryRow(`
		SELECT lock_id, bot_id, coin, amount, reason, status, expires_at, created_at, released_at
		FROM asset_locks
		WHERE lock_id = ?
	`, lockID)

	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return lock, nil
}

// Release marks a lock released. Idempotent.
func (r *Repository) Release(lockID string, now time.Time) error {
	_, err := r.db.Exec(`
		UPDATE asset_locks
		SET status = 'released', released_at = ?
		WHERE lock_id = ? AND status = 'locked'
	`, now.UTC().Format(time.RFC3339Nano), lockID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Extend pushes the expiry of a live lock forward.
func (r *Repository) Extend(lockID string, newExpiry time.Time) error {
	_, err := r.db.Exec(`
		UPDATE asset_locks SET expires_at = ? WHERE lock_id = ? AND status = 'locked'
	`, newExpiry.UTC().Format(time.RFC3339Nano), lockID)
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	return nil
}

// SweepExpired transitions expired locked rows to released.
func (r *Repository) SweepExpired(now time.Time) (int64, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	res, err := r.db.Exec(`
		UPDATE asset_locks
		SET status = 'released', released_at = ?
		WHERE status = 'locked' AND expires_at <= ?
	`, nowStr, nowStr)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListActive returns all currently-held locks.
func (r *Repository) ListActive(now time.Time) ([]domain.AssetLock, error) {
	rows, err := r.db.Query(`
		SELECT lock_id, bot_id, coin, amount, reason, status, expires_at, created_at, released_at
		FROM asset_locks
		WHERE status = 'locked' AND expires_at > ?
		ORDER BY created_at
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	defer rows.Close()

	var out []domain.AssetLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lock)
	}
	return out, rows.Err()
}

func scanLock(row rowScanner) (*domain.AssetLock, error) {
	var lock domain.AssetLock
	var amount, status, expiresAt, createdAt string
	var releasedAt sql.NullString

	if err := row.Scan(&lock.LockID, &lock.BotID, &lock.Coin, &amount, &lock.Reason,
		&status, &expiresAt, &createdAt, &releasedAt); err != nil {
		return nil, err
	}

	var err error
	if lock.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid lock amount %q: %w", amount, err)
	}
	lock.Status = domain.LockStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		lock.ExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		lock.CreatedAt = t
	}
	if releasedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, releasedAt.String); err == nil {
			lock.ReleasedAt = &t
		}
	}
	return &lock, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
