package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/pit/internal/app/provenance"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/domain"
)

// ─── Agent CLI ──────────────────────────────────────────────────────────────
// Agents are defined in YAML: a persona (structured fields or a raw
// prompt) plus optional preset, model and response settings. Creating an
// agent records its prompt and manifest hashes for later verification.

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentHashCmd)
	agentCmd.AddCommand(agentVerifyCmd)

	agentCreateCmd.Flags().StringP("file", "f", "", "Path to agent YAML definition")
	agentCreateCmd.Flags().String("user", "", "Owner user id")
	agentHashCmd.Flags().StringP("file", "f", "", "Path to agent YAML definition")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Create and verify agents",
	Long: `Create agents from YAML definitions and verify their provenance.
Every agent is stored with a SHA-256 hash of its canonical system prompt
and of its full manifest, so any later change to either is detectable.`,
}

// ─── agent create ───────────────────────────────────────────────────────────

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register an agent from a YAML definition",
	RunE:  runAgentCreate,
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	yamlFile, _ := cmd.Flags().GetString("file")
	if yamlFile == "" {
		return fmt.Errorf("agent YAML file required: pit agent create -f <file>")
	}
	in, err := readAgentFile(yamlFile)
	if err != nil {
		return err
	}
	in.OwnerID, _ = cmd.Flags().GetString("user")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if in.OwnerID != "" {
			t, err := a.tiers.ResolveTier(ctx, in.OwnerID)
			if err != nil {
				return err
			}
			owned, err := a.db.CountAgentsByOwner(ctx, in.OwnerID)
			if err != nil {
				return err
			}
			if d := tier.CanCreateAgent(t, owned); !d.Allowed {
				return errors.New(d.Reason)
			}
		}
		rec, err := a.agents.Create(ctx, in)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✅ Agent %q created\n", rec.Manifest.Name)
		fmt.Fprintf(out, "   id:            %s\n", rec.Manifest.AgentID)
		fmt.Fprintf(out, "   prompt hash:   %s\n", rec.PromptHash)
		fmt.Fprintf(out, "   manifest hash: %s\n", rec.ManifestHash)
		return nil
	})
}

// ─── agent hash ─────────────────────────────────────────────────────────────

var agentHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the hashes an agent definition would be stored with",
	Long: `Resolve an agent definition offline and print its canonical manifest
and hashes. The prompt hash is stable; the manifest hash includes the
creation time and changes on every run.`,
	RunE: runAgentHash,
}

func runAgentHash(cmd *cobra.Command, args []string) error {
	yamlFile, _ := cmd.Flags().GetString("file")
	if yamlFile == "" {
		return fmt.Errorf("agent YAML file required: pit agent hash -f <file>")
	}
	in, err := readAgentFile(yamlFile)
	if err != nil {
		return err
	}

	svc := provenance.NewAgentService(nil, logger)
	m, err := svc.Manifest(in, "")
	if err != nil {
		return err
	}
	h, err := provenance.HashAll(m)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"manifest": m,
		"hashes":   h,
	})
}

// ─── agent verify ───────────────────────────────────────────────────────────

var agentVerifyCmd = &cobra.Command{
	Use:   "verify AGENT_ID",
	Short: "Recompute a stored agent's hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ok, err := a.agents.Verify(ctx, args[0])
			if errors.Is(err, domain.ErrAgentNotFound) {
				return fmt.Errorf("agent %q not found", args[0])
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("agent %s: stored hashes do not match its manifest", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Agent %s verified\n", args[0])
			return nil
		})
	},
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// readAgentFile decodes an agent YAML definition.
func readAgentFile(path string) (provenance.CreateInput, error) {
	var in provenance.CreateInput
	info, err := os.Stat(path)
	if err != nil {
		return in, fmt.Errorf("cannot read agent file: %w", err)
	}
	if info.IsDir() {
		return in, fmt.Errorf("%s is a directory, expected a YAML file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("read agent file: %w", err)
	}
	if err := yaml.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parse agent file: %w", err)
	}
	return in, nil
}
