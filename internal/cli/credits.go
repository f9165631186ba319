package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Ledger & Tier Administration ───────────────────────────────────────────

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)

	creditsGrantCmd.Flags().String("source", string(domain.TxGrant), "transaction source: grant, purchase, referral, signup")
	creditsGrantCmd.Flags().String("note", "", "note stored in the transaction metadata")
	creditsHistoryCmd.Flags().Int("limit", 20, "number of transactions to show")

	rootCmd.AddCommand(tierCmd)
	tierCmd.AddCommand(tierSetCmd)
	tierCmd.AddCommand(tierShowCmd)
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust user credit balances",
}

// withApp wires the service graph for one command and closes it after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := wireApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ─── credits balance ────────────────────────────────────────────────────────

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			b, err := a.ledger.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits (%d micro)\n", b.UserID, b.Credits(), b.BalanceMicro)
			return nil
		})
	},
}

// ─── credits grant ──────────────────────────────────────────────────────────

var creditsGrantCmd = &cobra.Command{
	Use:   "grant USER_ID CREDITS",
	Short: "Add whole credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		credits, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || credits <= 0 {
			return fmt.Errorf("credits must be a positive integer, got %q", args[1])
		}
		src, _ := cmd.Flags().GetString("source")
		source := domain.TxSource(src)
		switch source {
		case domain.TxGrant, domain.TxPurchase, domain.TxReferral, domain.TxSignup:
		default:
			return fmt.Errorf("source %q cannot be granted", src)
		}
		note, _ := cmd.Flags().GetString("note")
		var meta map[string]any
		if note != "" {
			meta = map[string]any{"note": note}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.ledger.Grant(ctx, args[0], credits, source, meta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Granted %d credits to %s (balance %d)\n",
				credits, args[0], res.BalanceAfter/domain.MicroPerCredit)
			return nil
		})
	},
}

// ─── credits history ────────────────────────────────────────────────────────

var creditsHistoryCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List a user's recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			txs, err := a.ledger.Transactions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tSOURCE\tDELTA\tREFERENCE")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%+d\t%s\n",
					tx.ID, tx.CreatedAt.Local().Format(time.DateTime), tx.Source, tx.DeltaMicro, tx.ReferenceID)
			}
			return tw.Flush()
		})
	},
}

// ─── tier ───────────────────────────────────────────────────────────────────

var tierCmd = &cobra.Command{
	Use:   "tier",
	Short: "Manage user subscription tiers",
}

var tierSetCmd = &cobra.Command{
	Use:   "set USER_ID TIER",
	Short: "Set a user's tier (free, pass, lab)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := domain.ParseTier(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.db.SetUserTier(ctx, args[0], t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is now on the %s tier\n", args[0], t)
			return nil
		})
	},
}

var tierShowCmd = &cobra.Command{
	Use:   "show USER_ID",
	Short: "Show the tier a user resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			t, err := a.tiers.ResolveTier(ctx, args[0])
			if err != nil {
				return err
			}
			tc := domain.TierConfigs[t]
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (api access: %t)\n", args[0], t, tc.APIAccess)
			return nil
		})
	},
}
