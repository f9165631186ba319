// Package cli implements the pit command line: the server, ledger and tier
// administration, terminal bouts and agent provenance tools.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tutu-network/pit/internal/daemon"
)

var (
	cfgFile string
	cfg     daemon.Config
	logger  *slog.Logger

	// env layers PIT_* variables and bound flags over the config file.
	env = newEnv()
)

var rootCmd = &cobra.Command{
	Use:   "pit",
	Short: "Run AI agent bouts and settle their credits",
	Long: `pit runs multi-agent bouts against hosted models, streams the turns
and settles every bout against a micro-credit ledger.

Configuration is read from ~/.pit/config.toml (or --config). Any setting
can be overridden with a PIT_ environment variable, for example
PIT_DATABASE_DSN or PIT_PROVIDER_ANTHROPIC_API_KEY.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.pit/config.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver: sqlite or postgres")
	rootCmd.PersistentFlags().String("db-dsn", "", "database DSN (postgres) or file path (sqlite)")

	env.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	env.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	env.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := daemon.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	applyOverrides(env, &c)
	c.Finalize()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = c
	logger = daemon.NewLogger(cfg.Log, os.Stderr)
	return nil
}

// applyOverrides copies every set environment variable or changed flag
// into c.
func applyOverrides(v *viper.Viper, c *daemon.Config) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("api.addr", &c.API.Addr)
	str("api.allowed_origin", &c.API.AllowedOrigin)
	str("database.driver", &c.Database.Driver)
	str("database.dsn", &c.Database.DSN)
	str("database.dir", &c.Database.Dir)
	boolean("ledger.enabled", &c.Ledger.Enabled)
	integer("bout.max_concurrent", &c.Bout.MaxConcurrent)
	boolean("tier.subscriptions_enabled", &c.Tier.SubscriptionsEnabled)
	boolean("tier.promotion_enabled", &c.Tier.PromotionEnabled)
	integer("free_pool.max_daily", &c.FreePool.MaxDaily)
	boolean("rate_limit.enabled", &c.RateLimit.Enabled)
	str("provider.anthropic_api_key", &c.Provider.AnthropicAPIKey)
	str("provider.anthropic_base_url", &c.Provider.AnthropicBaseURL)
	str("provider.openrouter_base_url", &c.Provider.OpenRouterBaseURL)
	str("research.api_key", &c.Research.APIKey)
	str("presets.dir", &c.Presets.Dir)
	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
	boolean("metrics.enabled", &c.Metrics.Enabled)
}
