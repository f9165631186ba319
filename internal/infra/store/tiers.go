package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/pit/internal/domain"
)

var _ domain.TierStore = (*DB)(nil)

// ─── User Tiers ─────────────────────────────────────────────────────────────

// UserTier returns the stored tier. Users without a row are free tier.
func (db *DB) UserTier(ctx context.Context, userID string) (domain.Tier, bool, error) {
	var (
		tier     string
		promoted int
	)
	err := db.db.QueryRowContext(ctx, db.q(`
		SELECT tier, promotion_used FROM user_tiers WHERE user_id = ?
	`), userID).Scan(&tier, &promoted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TierFree, false, nil
	}
	if err != nil {
		return "", false, err
	}
	t, err := domain.ParseTier(tier)
	if err != nil {
		return "", false, err
	}
	return t, promoted == 1, nil
}

// SetUserTier upserts the user's tier.
func (db *DB) SetUserTier(ctx context.Context, userID string, tier domain.Tier) error {
	_, err := db.db.ExecContext(ctx, db.q(`
		INSERT INTO user_tiers (user_id, tier, promotion_used, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			tier       = excluded.tier,
			updated_at = excluded.updated_at
	`), userID, string(tier), db.timestamp())
	return err
}

// ClaimFreeBoutPromotion marks the one-time promotion as used.
// Returns false when it was already claimed.
func (db *DB) ClaimFreeBoutPromotion(ctx context.Context, userID string) (bool, error) {
	var claimed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.timestamp()
		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO user_tiers (user_id, tier, promotion_used, updated_at)
			VALUES (?, 'free', 0, ?)
			ON CONFLICT (user_id) DO NOTHING
		`), userID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, db.q(`
			UPDATE user_tiers SET promotion_used = 1, updated_at = ?
			WHERE user_id = ? AND promotion_used = 0
		`), now, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

// CountBoutsSince counts bouts the user started at or after since.
func (db *DB) CountBoutsSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, db.q(`
		SELECT COUNT(*) FROM bouts WHERE owner_id = ? AND created_at >= ?
	`), ownerID, formatTime(since)).Scan(&n)
	return n, err
}
