// Package store is the relational persistence layer for credits, bouts,
// tiers, the free bout pool and agent provenance.
//
// Two dialects share one set of statements:
//   - SQLite (modernc.org/sqlite, pure Go) for single-node deployments and tests
//   - Postgres (pgx stdlib driver) for shared deployments
//
// Statements are written with ? placeholders and rebound to $n for Postgres.
// Every balance mutation is a single conditional UPDATE … RETURNING; the
// application never reads a balance and writes it back.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// String returns the dialect name.
func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// DB wraps a database handle with its dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens a store. driver is "sqlite" or "postgres".
// For sqlite, dsn is a file path (":memory:" is not supported because
// each pooled connection would see a different database).
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, dsn)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenDir opens (or creates) pit.db inside dir. Used by tests and the
// default single-node configuration.
func OpenDir(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return Open(context.Background(), "sqlite", filepath.Join(dir, "pit.db"))
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer. Transactions queue on the connection instead of failing
	// with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, dialect: DialectSQLite, now: time.Now}
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{db: sqlDB, dialect: DialectPostgres, now: time.Now}
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

// Dialect returns the SQL dialect in use.
func (db *DB) Dialect() Dialect { return db.dialect }

// SetClock overrides the timestamp source.
func (db *DB) SetClock(now func() time.Time) { db.now = now }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

// Migrate applies all schema statements. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations(db.dialect) {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Dialect Helpers ────────────────────────────────────────────────────────

// q rebinds ? placeholders for the active dialect.
func (db *DB) q(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// greatest / least name the two-argument clamp functions.
func (db *DB) greatest() string {
	if db.dialect == DialectPostgres {
		return "GREATEST"
	}
	return "MAX"
}

func (db *DB) least() string {
	if db.dialect == DialectPostgres {
		return "LEAST"
	}
	return "MIN"
}

func (db *DB) timestamp() string {
	return db.now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// withTx runs fn inside a transaction, committing on nil error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
