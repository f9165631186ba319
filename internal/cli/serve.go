package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/pit/internal/api"
	"github.com/tutu-network/pit/internal/infra/presets"
)

// shutdownGrace bounds how long in-flight bouts get to finish on shutdown.
const shutdownGrace = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	serveCmd.Flags().String("addr", "", "listen address (default 127.0.0.1:8080)")
	env.BindPFlag("api.addr", serveCmd.Flags().Lookup("addr"))
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pit HTTP server",
	Long: `Start the HTTP server. SIGHUP reloads the preset directory;
SIGINT or SIGTERM drains in-flight requests and exits.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := wireApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(cfg.API, api.Deps{
		Engine: a.engine,
		Ledger: a.ledger,
		Tiers:  a.tiers,
		Pool:   a.pool,
		Agents: a.agents,
		Counts: a.db,
		Bouts:  a.db,
		Tracer: a.tracer,
		Health: a.db,
		Log:    logger,
	})
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	httpSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reloadOnHangup(ctx, a.presets, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	logger.Info("pit listening",
		slog.String("addr", cfg.API.Addr),
		slog.String("store", a.db.Dialect().String()),
		slog.Bool("ledger", cfg.Ledger.Enabled),
		slog.Bool("metrics", cfg.Metrics.Enabled))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Int("active_bouts", a.engine.Active()))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// reloadOnHangup reloads the preset catalog on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, catalog *presets.Catalog, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := catalog.Reload(); err != nil {
				log.Error("preset reload failed", slog.String("error", err.Error()))
				continue
			}
			log.Info("presets reloaded", slog.Int("count", len(catalog.List())))
		}
	}
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s schema is up to date\n", db.Dialect())
		return nil
	},
}
