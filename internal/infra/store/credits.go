package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tutu-network/pit/internal/domain"
)

var _ domain.CreditStore = (*DB)(nil)

// ─── Credit Accounts ────────────────────────────────────────────────────────

// EnsureCreditAccount creates the balance row if missing and records the
// starting grant. Existing rows are left untouched.
func (db *DB) EnsureCreditAccount(ctx context.Context, userID string, startingMicro int64) (bool, error) {
	var created bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.timestamp()
		res, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO credits (user_id, balance_micro, last_charge_micro, updated_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT (user_id) DO NOTHING
		`), userID, startingMicro, now)
		if err != nil {
			return fmt.Errorf("insert credits: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true
		if startingMicro == 0 {
			return nil
		}
		return db.insertTransaction(ctx, tx, userID, startingMicro, domain.TxSignup, userID, nil)
	})
	return created, err
}

// CreditBalance returns the user's balance row.
func (db *DB) CreditBalance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	var (
		bal     domain.CreditBalance
		updated string
	)
	err := db.db.QueryRowContext(ctx, db.q(`
		SELECT user_id, balance_micro, updated_at FROM credits WHERE user_id = ?
	`), userID).Scan(&bal.UserID, &bal.BalanceMicro, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CreditBalance{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.CreditBalance{}, err
	}
	bal.UpdatedAt = parseTime(updated)
	return bal, nil
}

// ─── Atomic Balance Operations ──────────────────────────────────────────────

// Preauthorize reserves amount only if the balance covers it. The check and
// the decrement are one statement; a concurrent preauth for the same user
// re-evaluates the WHERE clause against the committed row.
func (db *DB) Preauthorize(ctx context.Context, userID string, amount int64, source domain.TxSource, ref string, meta map[string]any) (domain.PreauthResult, error) {
	if amount < 0 {
		return domain.PreauthResult{}, domain.ErrInvalidAmount
	}

	var after int64
	reserved := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, db.q(`
			UPDATE credits
			SET balance_micro = balance_micro - ?, updated_at = ?
			WHERE user_id = ? AND balance_micro >= ?
			RETURNING balance_micro
		`), amount, db.timestamp(), userID, amount).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("preauth update: %w", err)
		}
		reserved = true
		return db.insertTransaction(ctx, tx, userID, -amount, source, ref, meta)
	})
	if err != nil {
		return domain.PreauthResult{}, err
	}
	if reserved {
		return domain.PreauthResult{Success: true, BalanceAfter: after}, nil
	}

	// Nothing was written; report the balance for the caller's message.
	bal, err := db.CreditBalance(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return domain.PreauthResult{Success: false}, nil
	}
	if err != nil {
		return domain.PreauthResult{}, err
	}
	return domain.PreauthResult{Success: false, BalanceAfter: bal.BalanceMicro}, nil
}

// SettleCharge deducts min(amount, balance) in a single clamped UPDATE and
// records the amount actually deducted. A balance of zero still produces a
// zero-delta transaction. A missing user is reported as Applied=false.
func (db *DB) SettleCharge(ctx context.Context, userID string, amount int64, source domain.TxSource, ref string, meta map[string]any) (domain.SettleResult, error) {
	if amount < 0 {
		return domain.SettleResult{}, domain.ErrInvalidAmount
	}

	var res domain.SettleResult
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var after, charged int64
		// SET expressions read the pre-update row, so last_charge_micro
		// captures the clamped amount against the old balance.
		err := tx.QueryRowContext(ctx, db.q(fmt.Sprintf(`
			UPDATE credits
			SET last_charge_micro = %s(?, balance_micro),
			    balance_micro     = %s(0, balance_micro - ?),
			    updated_at        = ?
			WHERE user_id = ?
			RETURNING balance_micro, last_charge_micro
		`, db.least(), db.greatest())), amount, amount, db.timestamp(), userID).Scan(&after, &charged)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("settle update: %w", err)
		}

		m := cloneMeta(meta)
		m["atomicSettlement"] = true
		m["requestedMicro"] = amount
		res = domain.SettleResult{Applied: true, DeltaMicro: -charged, BalanceAfter: after}
		return db.insertTransaction(ctx, tx, userID, -charged, source, ref, m)
	})
	return res, err
}

// ApplyCreditDelta adjusts the balance by delta and appends a transaction.
// Negative deltas never take the balance below zero.
func (db *DB) ApplyCreditDelta(ctx context.Context, userID string, delta int64, source domain.TxSource, ref string, meta map[string]any) (domain.SettleResult, error) {
	var res domain.SettleResult
	missing := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var after int64
		err := tx.QueryRowContext(ctx, db.q(`
			UPDATE credits
			SET balance_micro = balance_micro + ?, updated_at = ?
			WHERE user_id = ? AND balance_micro + ? >= 0
			RETURNING balance_micro
		`), delta, db.timestamp(), userID, delta).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			missing = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}
		res = domain.SettleResult{Applied: true, DeltaMicro: delta, BalanceAfter: after}
		return db.insertTransaction(ctx, tx, userID, delta, source, ref, meta)
	})
	if err != nil {
		return domain.SettleResult{}, err
	}
	if !missing {
		return res, nil
	}

	if _, err := db.CreditBalance(ctx, userID); err != nil {
		return domain.SettleResult{}, err
	}
	return domain.SettleResult{}, domain.ErrInsufficientCredits
}

// ─── Transactions ───────────────────────────────────────────────────────────

func (db *DB) insertTransaction(ctx context.Context, q queryer, userID string, delta int64, source domain.TxSource, ref string, meta map[string]any) error {
	var metaJSON sql.NullString
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}
	var refVal sql.NullString
	if ref != "" {
		refVal = sql.NullString{String: ref, Valid: true}
	}
	_, err := q.ExecContext(ctx, db.q(`
		INSERT INTO credit_transactions (user_id, delta_micro, source, reference_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), userID, delta, string(source), refVal, metaJSON, db.timestamp())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListCreditTransactions returns the user's most recent transactions, newest first.
func (db *DB) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, db.q(`
		SELECT id, user_id, delta_micro, source, reference_id, metadata, created_at
		FROM credit_transactions WHERE user_id = ?
		ORDER BY id DESC LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// TransactionsByReference returns every entry for one reference, oldest first.
func (db *DB) TransactionsByReference(ctx context.Context, ref string) ([]domain.CreditTransaction, error) {
	rows, err := db.db.QueryContext(ctx, db.q(`
		SELECT id, user_id, delta_micro, source, reference_id, metadata, created_at
		FROM credit_transactions WHERE reference_id = ?
		ORDER BY id ASC
	`), ref)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]domain.CreditTransaction, error) {
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var (
			tx      domain.CreditTransaction
			source  string
			ref     sql.NullString
			meta    sql.NullString
			created string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.DeltaMicro, &source, &ref, &meta, &created); err != nil {
			return nil, err
		}
		tx.Source = domain.TxSource(source)
		tx.ReferenceID = ref.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for tx %d: %w", tx.ID, err)
			}
		}
		tx.CreatedAt = parseTime(created)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
