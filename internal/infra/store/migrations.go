package store

import "strings"

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements for a dialect.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations(d Dialect) []string {
	id, bigint := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	if d == DialectPostgres {
		id, bigint = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}
	r := strings.NewReplacer("{{id}}", id, "{{bigint}}", bigint)

	stmts := []string{
		// One balance row per user. last_charge_micro holds the amount the
		// most recent clamped settlement actually deducted.
		`CREATE TABLE IF NOT EXISTS credits (
			user_id           TEXT PRIMARY KEY,
			balance_micro     {{bigint}} NOT NULL DEFAULT 0 CHECK (balance_micro >= 0),
			last_charge_micro {{bigint}} NOT NULL DEFAULT 0,
			updated_at        TEXT NOT NULL
		)`,

		// Append-only ledger
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id           {{id}},
			user_id      TEXT NOT NULL,
			delta_micro  {{bigint}} NOT NULL,
			source       TEXT NOT NULL,
			reference_id TEXT,
			metadata     TEXT,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON credit_transactions(user_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_ref ON credit_transactions(reference_id)`,

		// Subscription state
		`CREATE TABLE IF NOT EXISTS user_tiers (
			user_id        TEXT PRIMARY KEY,
			tier           TEXT NOT NULL DEFAULT 'free',
			promotion_used INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL
		)`,

		// Bouts
		`CREATE TABLE IF NOT EXISTS bouts (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT,
			preset_id       TEXT NOT NULL,
			topic           TEXT,
			status          TEXT NOT NULL,
			model_id        TEXT,
			response_length TEXT,
			response_format TEXT,
			transcript      TEXT NOT NULL DEFAULT '[]',
			share_line      TEXT,
			input_tokens    {{bigint}} NOT NULL DEFAULT 0,
			output_tokens   {{bigint}} NOT NULL DEFAULT 0,
			error           TEXT,
			started_at      TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bouts_owner ON bouts(owner_id, created_at)`,

		// Shared daily free bout pool, keyed by UTC date
		`CREATE TABLE IF NOT EXISTS free_bout_pool (
			day             TEXT PRIMARY KEY,
			used            INTEGER NOT NULL DEFAULT 0,
			spend_micro     {{bigint}} NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL
		)`,

		// Agents with provenance hashes
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			system_prompt   TEXT NOT NULL,
			preset_id       TEXT,
			tier            TEXT NOT NULL,
			model           TEXT,
			response_length TEXT NOT NULL,
			response_format TEXT NOT NULL,
			owner_id        TEXT,
			parent_id       TEXT,
			manifest_created_at TEXT NOT NULL,
			prompt_hash     TEXT NOT NULL,
			manifest_hash   TEXT NOT NULL,
			hash_version    TEXT NOT NULL,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id)`,
	}

	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = r.Replace(s)
	}
	return out
}
