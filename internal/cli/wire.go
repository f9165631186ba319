package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tutu-network/pit/internal/app/bout"
	"github.com/tutu-network/pit/internal/app/ledger"
	"github.com/tutu-network/pit/internal/app/provenance"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/daemon"
	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
	"github.com/tutu-network/pit/internal/infra/presets"
	"github.com/tutu-network/pit/internal/infra/provider"
	"github.com/tutu-network/pit/internal/infra/ratelimit"
	"github.com/tutu-network/pit/internal/infra/store"
)

// newProvider builds the model provider. Tests replace it.
var newProvider = func(c provider.Config, log *slog.Logger) domain.ModelProvider {
	r := provider.NewRouter(c, log)
	if !r.PlatformConfigured() {
		log.Warn("no platform anthropic key configured; only BYOK bouts can run")
	}
	return r
}

// app is the wired service graph shared by serve and the admin commands.
type app struct {
	db      *store.DB
	ledger  *ledger.Service
	tiers   *tier.Policy
	pool    *tier.FreePool
	presets *presets.Catalog
	tracer  *observability.Tracer
	engine  *bout.Engine
	agents  *provenance.AgentService
}

func openStore(ctx context.Context, c daemon.DatabaseConfig) (*store.DB, error) {
	switch c.Driver {
	case "", "sqlite", "sqlite3":
		if c.DSN == "" {
			return store.OpenDir(c.Dir)
		}
		return store.Open(ctx, "sqlite", c.SQLitePath())
	default:
		return store.Open(ctx, c.Driver, c.DSN)
	}
}

func wireApp(ctx context.Context, c daemon.Config, log *slog.Logger) (*app, error) {
	db, err := openStore(ctx, c.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	catalog, err := presets.New(c.Presets.Dir, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load presets: %w", err)
	}

	tracer := observability.NewTracer(c.Tracing)
	led := ledger.NewService(db, c.Ledger, log)
	tiers := tier.NewPolicy(db, c.Tier, log)
	pool := tier.NewFreePool(db, c.FreePool)

	var limiter domain.RateLimiter
	if c.RateLimit.Enabled {
		limiter = ratelimit.New()
	}

	engine := bout.NewEngine(c.Bout, bout.Deps{
		Bouts:    db,
		Ledger:   led,
		Tiers:    tiers,
		Pool:     pool,
		Limiter:  limiter,
		Presets:  catalog,
		Provider: newProvider(c.Provider, log),
		Tracer:   tracer,
		Log:      log,
	})

	return &app{
		db:      db,
		ledger:  led,
		tiers:   tiers,
		pool:    pool,
		presets: catalog,
		tracer:  tracer,
		engine:  engine,
		agents:  provenance.NewAgentService(db, log),
	}, nil
}

func (a *app) Close() error { return a.db.Close() }
