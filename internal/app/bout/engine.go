// Package bout is the turn engine. Prepare validates a request and
// reserves credits; Run drives the agents through their turns, streams
// events and settles the reservation against actual usage whether the bout
// completes, fails or is cancelled.
package bout

import (
	"log/slog"
	"time"

	"github.com/tutu-network/pit/internal/app/experiment"
	"github.com/tutu-network/pit/internal/app/ledger"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// Config controls the engine.
type Config struct {
	MaxConcurrent int           `toml:"max_concurrent"`
	TurnTimeout   time.Duration `toml:"turn_timeout"`
	TopicMaxChars int           `toml:"topic_max_chars"`

	// ShareLine enables the one-line summary after a completed bout.
	ShareLine      bool          `toml:"share_line"`
	ShareLineModel string        `toml:"share_line_model"`
	ShareTimeout   time.Duration `toml:"share_timeout"`

	// ResearchKey unlocks experiment configs and the lab bypass. Empty
	// disables both.
	ResearchKey string `toml:"-"`
}

// DefaultConfig returns safe engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  16,
		TurnTimeout:    60 * time.Second,
		TopicMaxChars:  500,
		ShareLine:      true,
		ShareLineModel: domain.ModelHaiku,
		ShareTimeout:   15 * time.Second,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Bouts    domain.BoutStore
	Ledger   *ledger.Service
	Tiers    *tier.Policy
	Pool     *tier.FreePool
	Limiter  domain.RateLimiter // nil disables bout rate limits
	Presets  domain.PresetCatalog
	Provider domain.ModelProvider
	Tracer   *observability.Tracer
	Log      *slog.Logger
}

// Engine runs bouts. It holds no per-bout state; the semaphore bounds how
// many bouts execute at once.
type Engine struct {
	cfg      Config
	bouts    domain.BoutStore
	ledger   *ledger.Service
	tiers    *tier.Policy
	pool     *tier.FreePool
	limiter  domain.RateLimiter
	presets  domain.PresetCatalog
	provider domain.ModelProvider
	tracer   *observability.Tracer
	log      *slog.Logger
	sem      chan struct{}
	now      func() time.Time
}

// NewEngine creates an engine.
func NewEngine(cfg Config, d Deps) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = def.TurnTimeout
	}
	if cfg.TopicMaxChars <= 0 {
		cfg.TopicMaxChars = def.TopicMaxChars
	}
	if cfg.ShareLineModel == "" {
		cfg.ShareLineModel = def.ShareLineModel
	}
	if cfg.ShareTimeout <= 0 {
		cfg.ShareTimeout = def.ShareTimeout
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = observability.NewTracer(observability.DefaultTracerConfig())
	}
	return &Engine{
		cfg:      cfg,
		bouts:    d.Bouts,
		ledger:   d.Ledger,
		tiers:    d.Tiers,
		pool:     d.Pool,
		limiter:  d.Limiter,
		presets:  d.Presets,
		provider: d.Provider,
		tracer:   tracer,
		log:      log.With(slog.String("component", "bout")),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		now:      time.Now,
	}
}

// Active returns the number of bouts holding an engine slot.
func (e *Engine) Active() int { return len(e.sem) }

// Saturated reports whether every slot is taken.
func (e *Engine) Saturated() bool { return len(e.sem) >= cap(e.sem) }

// IsResearch reports whether c presented the configured research key.
func (e *Engine) IsResearch(c domain.Caller) bool {
	return c.ResearchKey != "" && experiment.CheckResearchKey(e.cfg.ResearchKey, c.ResearchKey) == nil
}

// Presets returns the catalog the engine resolves preset ids against.
func (e *Engine) Presets() domain.PresetCatalog { return e.presets }
