package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tutu-network/pit/internal/app/bout"
	"github.com/tutu-network/pit/internal/domain"
)

func init() {
	rootCmd.AddCommand(boutCmd)
	boutCmd.AddCommand(boutRunCmd)
	rootCmd.AddCommand(presetsCmd)
	presetsCmd.AddCommand(presetsListCmd)

	f := boutRunCmd.Flags()
	f.String("preset", "", "preset id (required)")
	f.String("topic", "", "bout topic")
	f.String("user", "", "user id to bill; empty runs from the free pool")
	f.String("model", "", "model id, or byok")
	f.String("length", "", "response length: short, standard, long")
	f.String("format", "", "response format: spaced, markdown, plain, json")
	f.String("research-key", "", "research key (unlocks --experiment)")
	f.String("experiment", "", "path to an experiment config JSON file")
	f.String("byok-key", "", "bring-your-own provider key")
	f.String("byok-model", "", "upstream model for the BYOK key")
	boutRunCmd.MarkFlagRequired("preset")
}

var boutCmd = &cobra.Command{
	Use:   "bout",
	Short: "Run bouts from the terminal",
}

// ─── bout run ───────────────────────────────────────────────────────────────

var boutRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a bout and stream the turns",
	Long: `Run one bout against the configured provider and stream each turn to
the terminal. Credits are preauthorized and settled exactly as for the
HTTP API.`,
	RunE: runBout,
}

func runBout(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	presetID, _ := f.GetString("preset")
	topic, _ := f.GetString("topic")
	userID, _ := f.GetString("user")
	model, _ := f.GetString("model")
	length, _ := f.GetString("length")
	format, _ := f.GetString("format")
	researchKey, _ := f.GetString("research-key")
	expPath, _ := f.GetString("experiment")
	byokKey, _ := f.GetString("byok-key")
	byokModel, _ := f.GetString("byok-model")

	req := domain.BoutRequest{
		BoutID:         uuid.NewString(),
		PresetID:       presetID,
		Topic:          topic,
		ResponseLength: length,
		ResponseFormat: format,
		Model:          model,
	}
	if expPath != "" {
		data, err := os.ReadFile(expPath)
		if err != nil {
			return fmt.Errorf("read experiment: %w", err)
		}
		req.ExperimentConfig = data
	}

	caller := domain.Caller{UserID: userID, ClientID: "cli", ResearchKey: researchKey}
	if byokKey != "" {
		provider, _ := domain.DetectByokProvider(byokKey)
		caller.Byok = &domain.ByokCredential{Provider: provider, Key: byokKey, ModelID: byokModel}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	return withApp(cmd, func(_ context.Context, a *app) error {
		if userID != "" {
			if _, err := a.ledger.EnsureAccount(ctx, userID); err != nil {
				return err
			}
		}
		bc, err := a.engine.Prepare(ctx, req, caller)
		if err != nil {
			return describe(err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "🥊 %s · %s · %s\n", bc.Preset.Name, bc.ModelID, bc.BoutID)
		res, err := a.engine.Run(ctx, bc, &terminalSink{w: out})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "\n%d turns · %d in / %d out tokens · %d micro-credits\n",
			len(res.Transcript), res.Usage.InputTokens, res.Usage.OutputTokens, res.CostMicro)
		return nil
	})
}

// describe turns a bout rejection into its caller-facing message.
func describe(err error) error {
	if be, ok := bout.AsError(err); ok {
		return fmt.Errorf("%s (%d)", be.Message, be.Status)
	}
	return err
}

// terminalSink prints bout events as plain text.
type terminalSink struct {
	w io.Writer
}

func (s *terminalSink) Emit(ev domain.Event) {
	switch ev.Type {
	case domain.EventTurn:
		if info, ok := ev.Data.(domain.TurnInfo); ok {
			fmt.Fprintf(s.w, "\n── %s ──\n", info.AgentName)
		}
	case domain.EventTextDelta:
		io.WriteString(s.w, ev.Delta)
	case domain.EventTextEnd:
		io.WriteString(s.w, "\n")
	case domain.EventShareLine:
		if data, ok := ev.Data.(map[string]string); ok && data["text"] != "" {
			fmt.Fprintf(s.w, "\n» %s\n", data["text"])
		}
	case domain.EventError:
		fmt.Fprintf(s.w, "\n⚠️  %s\n", ev.ErrorText)
	}
}

// ─── presets list ───────────────────────────────────────────────────────────

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "Inspect the preset catalog",
}

var presetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			list := a.presets.List()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTIER\tTURNS\tAGENTS")
			for _, p := range list {
				names := make([]string, len(p.Agents))
				for i, ag := range p.Agents {
					names[i] = ag.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Tier, p.MaxTurns, strings.Join(names, ", "))
			}
			return tw.Flush()
		})
	},
}
