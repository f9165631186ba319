// Package daemon holds the process-level configuration for the Pit server
// and the CLI: one TOML file with a section per subsystem.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/pit/internal/api"
	"github.com/tutu-network/pit/internal/app/bout"
	"github.com/tutu-network/pit/internal/app/ledger"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/infra/observability"
	"github.com/tutu-network/pit/internal/infra/provider"
)

// Config is the full ~/.pit/config.toml.
type Config struct {
	API       api.Config                 `toml:"api"`
	Database  DatabaseConfig             `toml:"database"`
	Ledger    ledger.Config              `toml:"ledger"`
	Bout      bout.Config                `toml:"bout"`
	Tier      tier.Config                `toml:"tier"`
	FreePool  tier.PoolConfig            `toml:"free_pool"`
	RateLimit RateLimitConfig            `toml:"rate_limit"`
	Provider  provider.Config            `toml:"provider"`
	Research  ResearchConfig             `toml:"research"`
	Presets   PresetsConfig              `toml:"presets"`
	Log       LogConfig                  `toml:"log"`
	Metrics   MetricsConfig              `toml:"metrics"`
	Tracing   observability.TracerConfig `toml:"tracing"`
}

// DatabaseConfig selects the store. An empty DSN with the sqlite driver
// uses pit.db inside Dir.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres
	DSN    string `toml:"dsn"`
	Dir    string `toml:"dir"`
}

// SQLitePath returns the sqlite file path.
func (d DatabaseConfig) SQLitePath() string {
	if d.DSN != "" {
		return d.DSN
	}
	return filepath.Join(d.Dir, "pit.db")
}

// RateLimitConfig toggles the per-identity bout limits.
type RateLimitConfig struct {
	Enabled bool `toml:"enabled"`
}

// ResearchConfig holds the research credential. Empty disables research
// access entirely.
type ResearchConfig struct {
	APIKey string `toml:"api_key"`
}

// PresetsConfig points at extra preset YAML files.
type PresetsConfig struct {
	Dir string `toml:"dir"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `toml:"format"` // text | json
	Level  string `toml:"level"`  // debug | info | warn | error
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the defaults used when no file is present.
func DefaultConfig() Config {
	home := Home()
	return Config{
		API: api.DefaultConfig(),
		Database: DatabaseConfig{
			Driver: "sqlite",
			Dir:    filepath.Join(home, "data"),
		},
		Ledger:    ledger.DefaultConfig(),
		Bout:      bout.DefaultConfig(),
		Tier:      tier.DefaultConfig(),
		FreePool:  tier.DefaultPoolConfig(),
		RateLimit: RateLimitConfig{Enabled: true},
		Provider:  provider.DefaultConfig(),
		Presets:   PresetsConfig{Dir: filepath.Join(home, "presets")},
		Log:       LogConfig{Format: "text", Level: "info"},
		Metrics:   MetricsConfig{Enabled: true},
		Tracing:   observability.DefaultTracerConfig(),
	}
}

// Home returns the Pit home directory: $PIT_HOME or ~/.pit.
func Home() string {
	if env := os.Getenv("PIT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pit")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Finalize copies cross-section settings into the sections that consume
// them. Call after every override has been applied.
func (c *Config) Finalize() {
	c.Bout.ResearchKey = c.Research.APIKey
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	if _, port, err := net.SplitHostPort(c.API.Addr); err != nil {
		errs = append(errs, fmt.Errorf("api.addr %q: %w", c.API.Addr, err))
	} else if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("api.addr %q: invalid port", c.API.Addr))
	}

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		if c.Database.DSN == "" && c.Database.Dir == "" {
			errs = append(errs, errors.New("database: sqlite needs dir or dsn"))
		}
	case "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}

	if c.Ledger.StartingCredits < 0 {
		errs = append(errs, errors.New("ledger.starting_credits must not be negative"))
	}
	if c.Bout.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("bout.max_concurrent must be positive"))
	}
	if c.Bout.TurnTimeout <= 0 {
		errs = append(errs, errors.New("bout.turn_timeout must be positive"))
	}
	if c.Bout.TopicMaxChars <= 0 {
		errs = append(errs, errors.New("bout.topic_max_chars must be positive"))
	}
	if c.FreePool.MaxDaily < 0 || c.FreePool.SpendCapMicro < 0 {
		errs = append(errs, errors.New("free_pool limits must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
}

// NewLogger builds the process logger.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
