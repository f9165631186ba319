package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tutu-network/pit/internal/domain"
)

var _ domain.BoutStore = (*DB)(nil)

// ─── Bout Operations ────────────────────────────────────────────────────────

// CreateBout inserts a running bout. If the id exists, the stored record is
// returned with created=false so the caller can apply idempotency rules.
func (db *DB) CreateBout(ctx context.Context, b domain.Bout) (bool, domain.Bout, error) {
	now := db.timestamp()
	res, err := db.db.ExecContext(ctx, db.q(`
		INSERT INTO bouts (id, owner_id, preset_id, topic, status, model_id,
			response_length, response_format, transcript, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), b.ID, nullString(b.OwnerID), b.PresetID, nullString(b.Topic), string(domain.BoutRunning),
		nullString(b.ModelID), nullString(b.ResponseLength), nullString(b.ResponseFormat), now, now)
	if err != nil {
		return false, domain.Bout{}, fmt.Errorf("insert bout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Bout{}, err
	}
	if n == 1 {
		return true, domain.Bout{}, nil
	}

	existing, err := db.Bout(ctx, b.ID)
	if err != nil {
		return false, domain.Bout{}, err
	}
	return false, existing, nil
}

// ClaimBout marks a bout as started in one statement. The upsert only
// overwrites a row that has not started yet (or failed) and that belongs to
// the same owner or to nobody, so two requests racing on one id cannot
// both claim it.
func (db *DB) ClaimBout(ctx context.Context, b domain.Bout) (bool, domain.Bout, error) {
	now := db.timestamp()
	res, err := db.db.ExecContext(ctx, db.q(`
		INSERT INTO bouts (id, owner_id, preset_id, topic, status, model_id,
			response_length, response_format, transcript, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id        = excluded.owner_id,
			preset_id       = excluded.preset_id,
			topic           = excluded.topic,
			status          = excluded.status,
			model_id        = excluded.model_id,
			response_length = excluded.response_length,
			response_format = excluded.response_format,
			transcript      = '[]',
			share_line      = NULL,
			input_tokens    = 0,
			output_tokens   = 0,
			error           = NULL,
			started_at      = excluded.started_at,
			updated_at      = excluded.updated_at
		WHERE (bouts.started_at IS NULL OR bouts.status = ?)
			AND (bouts.owner_id IS NULL OR bouts.owner_id = excluded.owner_id)
	`), b.ID, nullString(b.OwnerID), b.PresetID, nullString(b.Topic), string(domain.BoutRunning),
		nullString(b.ModelID), nullString(b.ResponseLength), nullString(b.ResponseFormat),
		now, now, now, string(domain.BoutFailed))
	if err != nil {
		return false, domain.Bout{}, fmt.Errorf("claim bout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Bout{}, err
	}
	if n == 1 {
		return true, domain.Bout{}, nil
	}

	existing, err := db.Bout(ctx, b.ID)
	if err != nil {
		return false, domain.Bout{}, err
	}
	return false, existing, nil
}

// ReleaseBout clears the start mark of a claimed bout that never ran.
func (db *DB) ReleaseBout(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, db.q(`
		UPDATE bouts SET started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`), db.timestamp(), id, string(domain.BoutRunning))
	return err
}

// SetBoutModel records the model a claimed bout runs on.
func (db *DB) SetBoutModel(ctx context.Context, id, modelID string) error {
	res, err := db.db.ExecContext(ctx, db.q(`
		UPDATE bouts SET model_id = ?, updated_at = ? WHERE id = ?
	`), nullString(modelID), db.timestamp(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBoutNotFound
	}
	return nil
}

// Bout loads a bout by id.
func (db *DB) Bout(ctx context.Context, id string) (domain.Bout, error) {
	var (
		b                                          domain.Bout
		owner, topic, model, length, format, share sql.NullString
		errMsg, started                            sql.NullString
		status, transcript, created, updated       string
	)
	err := db.db.QueryRowContext(ctx, db.q(`
		SELECT id, owner_id, preset_id, topic, status, model_id, response_length,
			response_format, transcript, share_line, input_tokens, output_tokens,
			error, started_at, created_at, updated_at
		FROM bouts WHERE id = ?
	`), id).Scan(&b.ID, &owner, &b.PresetID, &topic, &status, &model, &length,
		&format, &transcript, &share, &b.Usage.InputTokens, &b.Usage.OutputTokens,
		&errMsg, &started, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bout{}, domain.ErrBoutNotFound
	}
	if err != nil {
		return domain.Bout{}, err
	}

	b.OwnerID = owner.String
	b.Topic = topic.String
	b.Status = domain.BoutStatus(status)
	b.ModelID = model.String
	b.ResponseLength = length.String
	b.ResponseFormat = format.String
	b.ShareLine = share.String
	b.Error = errMsg.String
	if started.Valid {
		t := parseTime(started.String)
		b.StartedAt = &t
	}
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(transcript), &b.Transcript); err != nil {
		return domain.Bout{}, fmt.Errorf("decode transcript: %w", err)
	}
	return b, nil
}

// CompleteBout persists the final transcript and marks the bout completed.
func (db *DB) CompleteBout(ctx context.Context, id string, transcript []domain.Turn, shareLine string, usage domain.Usage) error {
	return db.finishBout(ctx, id, domain.BoutCompleted, transcript, shareLine, usage, "")
}

// FailBout persists the partial transcript and marks the bout failed.
func (db *DB) FailBout(ctx context.Context, id string, transcript []domain.Turn, usage domain.Usage, errMsg string) error {
	return db.finishBout(ctx, id, domain.BoutFailed, transcript, "", usage, errMsg)
}

func (db *DB) finishBout(ctx context.Context, id string, status domain.BoutStatus, transcript []domain.Turn, shareLine string, usage domain.Usage, errMsg string) error {
	if transcript == nil {
		transcript = []domain.Turn{}
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	res, err := db.db.ExecContext(ctx, db.q(`
		UPDATE bouts SET
			status        = ?,
			transcript    = ?,
			share_line    = ?,
			input_tokens  = ?,
			output_tokens = ?,
			error         = ?,
			updated_at    = ?
		WHERE id = ?
	`), string(status), string(data), nullString(shareLine), usage.InputTokens, usage.OutputTokens,
		nullString(errMsg), db.timestamp(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBoutNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
