package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tutu-network/pit/internal/domain"
)

var _ domain.AgentStore = (*DB)(nil)

// ─── Agents ─────────────────────────────────────────────────────────────────

// InsertAgent stores an agent and its provenance hashes.
func (db *DB) InsertAgent(ctx context.Context, rec domain.AgentRecord) error {
	m := rec.Manifest
	_, err := db.db.ExecContext(ctx, db.q(`
		INSERT INTO agents (id, name, system_prompt, preset_id, tier, model,
			response_length, response_format, owner_id, parent_id,
			manifest_created_at, prompt_hash, manifest_hash, hash_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.AgentID, m.Name, m.SystemPrompt, ptrString(m.PresetID), m.Tier, ptrString(m.Model),
		m.ResponseLength, m.ResponseFormat, ptrString(m.OwnerID), ptrString(m.ParentID),
		m.CreatedAt, rec.PromptHash, rec.ManifestHash, rec.HashVersion, formatTime(rec.CreatedAt))
	return err
}

// Agent loads an agent by id.
func (db *DB) Agent(ctx context.Context, id string) (domain.AgentRecord, error) {
	var (
		rec                          domain.AgentRecord
		preset, model, owner, parent sql.NullString
		created                      string
	)
	m := &rec.Manifest
	err := db.db.QueryRowContext(ctx, db.q(`
		SELECT id, name, system_prompt, preset_id, tier, model, response_length,
			response_format, owner_id, parent_id, manifest_created_at,
			prompt_hash, manifest_hash, hash_version, created_at
		FROM agents WHERE id = ?
	`), id).Scan(&m.AgentID, &m.Name, &m.SystemPrompt, &preset, &m.Tier, &model,
		&m.ResponseLength, &m.ResponseFormat, &owner, &parent, &m.CreatedAt,
		&rec.PromptHash, &rec.ManifestHash, &rec.HashVersion, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentRecord{}, domain.ErrAgentNotFound
	}
	if err != nil {
		return domain.AgentRecord{}, err
	}
	m.PresetID = stringPtr(preset)
	m.Model = stringPtr(model)
	m.OwnerID = stringPtr(owner)
	m.ParentID = stringPtr(parent)
	rec.CreatedAt = parseTime(created)
	return rec, nil
}

// CountAgentsByOwner returns how many agents ownerID has created.
func (db *DB) CountAgentsByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, db.q(`
		SELECT COUNT(*) FROM agents WHERE owner_id = ?
	`), ownerID).Scan(&n)
	return n, err
}

func ptrString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
