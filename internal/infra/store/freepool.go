package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ─── Free Bout Pool ─────────────────────────────────────────────────────────
// One row per UTC day. Consumption is a conditional increment so two free
// bouts racing for the last slot cannot both win.

// ConsumeFreeBout takes one slot from day's pool if fewer than maxDaily
// have been used and the estimated spend stays within capMicro.
func (db *DB) ConsumeFreeBout(ctx context.Context, day string, maxDaily int, capMicro, estimateMicro int64) (bool, error) {
	if _, err := db.db.ExecContext(ctx, db.q(`
		INSERT INTO free_bout_pool (day, used, spend_micro, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT (day) DO NOTHING
	`), day, db.timestamp()); err != nil {
		return false, fmt.Errorf("ensure pool row: %w", err)
	}

	var used int
	err := db.db.QueryRowContext(ctx, db.q(`
		UPDATE free_bout_pool
		SET used = used + 1, spend_micro = spend_micro + ?, updated_at = ?
		WHERE day = ? AND used < ? AND spend_micro + ? <= ?
		RETURNING used
	`), estimateMicro, db.timestamp(), day, maxDaily, estimateMicro, capMicro).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume pool: %w", err)
	}
	return true, nil
}

// RefundFreeBout returns a slot and its estimated spend.
func (db *DB) RefundFreeBout(ctx context.Context, day string, estimateMicro int64) error {
	_, err := db.db.ExecContext(ctx, db.q(fmt.Sprintf(`
		UPDATE free_bout_pool
		SET used = %[1]s(0, used - 1), spend_micro = %[1]s(0, spend_micro - ?), updated_at = ?
		WHERE day = ?
	`, db.greatest())), estimateMicro, db.timestamp(), day)
	return err
}

// SettleFreeBoutSpend corrects the day's spend by the actual-minus-estimate delta.
func (db *DB) SettleFreeBoutSpend(ctx context.Context, day string, deltaMicro int64) error {
	_, err := db.db.ExecContext(ctx, db.q(fmt.Sprintf(`
		UPDATE free_bout_pool
		SET spend_micro = %s(0, spend_micro + ?), updated_at = ?
		WHERE day = ?
	`, db.greatest())), deltaMicro, db.timestamp(), day)
	return err
}

// FreePoolStatus returns the day's usage. Missing days report zero.
func (db *DB) FreePoolStatus(ctx context.Context, day string) (used int, spendMicro int64, err error) {
	err = db.db.QueryRowContext(ctx, db.q(`
		SELECT used, spend_micro FROM free_bout_pool WHERE day = ?
	`), day).Scan(&used, &spendMicro)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return
}
