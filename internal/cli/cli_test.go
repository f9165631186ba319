package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/pit/internal/daemon"
	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/provider"
)

type scriptedProvider struct{ calls int }

func (p *scriptedProvider) Generate(ctx context.Context, req domain.GenerateRequest, onDelta func(string)) (domain.GenerateResult, error) {
	if strings.Contains(req.User, "<task>") {
		return domain.GenerateResult{Text: "A draw.", UsageReported: true}, nil
	}
	p.calls++
	text := fmt.Sprintf("zinger %d", p.calls)
	onDelta(text)
	return domain.GenerateResult{
		Text:          text,
		Usage:         domain.Usage{InputTokens: 100, OutputTokens: 20},
		UsageReported: true,
	}, nil
}

// resetFlags restores every flag to its default between executions of the
// shared command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Setenv("PIT_HOME", t.TempDir())

	prev := newProvider
	newProvider = func(provider.Config, *slog.Logger) domain.ModelProvider { return &scriptedProvider{} }
	t.Cleanup(func() { newProvider = prev })

	stdout := &bytes.Buffer{}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// runAll executes several command lines against one PIT_HOME.
func runAll(t *testing.T, lines ...[]string) []string {
	t.Helper()
	home := t.TempDir()
	prev := newProvider
	newProvider = func(provider.Config, *slog.Logger) domain.ModelProvider { return &scriptedProvider{} }
	t.Cleanup(func() { newProvider = prev })
	t.Setenv("PIT_HOME", home)

	var outs []string
	for _, args := range lines {
		resetFlags(rootCmd)
		stdout := &bytes.Buffer{}
		rootCmd.SetOut(stdout)
		rootCmd.SetErr(&bytes.Buffer{})
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.ExecuteContext(context.Background()), "pit %s", strings.Join(args, " "))
		outs = append(outs, stdout.String())
	}
	return outs
}

func TestMigrate(t *testing.T) {
	out, err := executeCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
}

func TestCreditsGrantAndHistory(t *testing.T) {
	outs := runAll(t,
		[]string{"credits", "grant", "alice", "250", "--note", "launch promo"},
		[]string{"credits", "balance", "alice"},
		[]string{"credits", "history", "alice", "--limit", "5"},
	)
	assert.Contains(t, outs[0], "Granted 250 credits to alice (balance 750)")
	assert.Contains(t, outs[1], "alice: 750 credits (75000 micro)")
	assert.Contains(t, outs[2], "grant")
	assert.Contains(t, outs[2], "+25000")
}

func TestCreditsGrantRejectsBadInput(t *testing.T) {
	_, err := executeCLI(t, "credits", "grant", "bob", "-5")
	require.Error(t, err)

	_, err = executeCLI(t, "credits", "grant", "bob", "5", "--source", "settlement")
	require.ErrorContains(t, err, "cannot be granted")
}

func TestTierSetAndShow(t *testing.T) {
	outs := runAll(t,
		[]string{"tier", "set", "carol", "lab"},
		[]string{"tier", "show", "carol"},
	)
	assert.Contains(t, outs[0], "carol is now on the lab tier")
	assert.Contains(t, outs[1], "carol: lab (api access: true)")

	_, err := executeCLI(t, "tier", "set", "carol", "platinum")
	require.ErrorContains(t, err, "unknown tier")
}

func TestBoutRun_StreamsTurns(t *testing.T) {
	outs := runAll(t,
		[]string{"bout", "run", "--preset", "roast-battle", "--topic", "mondays", "--user", "dave"},
		[]string{"credits", "history", "dave"},
	)
	out := outs[0]
	assert.Contains(t, out, "Roast Battle")
	assert.Contains(t, out, "── The Headliner ──")
	assert.Contains(t, out, "zinger 1")
	assert.Contains(t, out, "» A draw.")
	assert.Contains(t, out, "8 turns · 800 in / 160 out tokens")

	assert.Contains(t, outs[1], "preauth")
	assert.Contains(t, outs[1], "settlement")
}

func TestBoutRun_Rejection(t *testing.T) {
	_, err := executeCLI(t, "bout", "run", "--preset", "no-such-preset", "--user", "erin")
	require.ErrorContains(t, err, "Unknown preset. (404)")
}

func TestPresetsList(t *testing.T) {
	out, err := executeCLI(t, "presets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "roast-battle")
	assert.Contains(t, out, "The Headliner")
}

func TestAgentCreateHashVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "socrates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
persona:
  name: Socrates
  archetype: philosopher
  tone: patient
  quirks:
    - answers with questions
response_length: short
`), 0o600))

	out, err := executeCLI(t, "agent", "hash", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"promptHash": "0x`)
	assert.Contains(t, out, `"name": "Socrates"`)

	outs := runAll(t, []string{"agent", "create", "-f", path, "--user", "frank"})
	assert.Contains(t, outs[0], `Agent "Socrates" created`)

	var id string
	for _, line := range strings.Split(outs[0], "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "id:") {
			id = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "id:"))
		}
	}
	require.NotEmpty(t, id)

	stdout := &bytes.Buffer{}
	rootCmd.SetOut(stdout)
	rootCmd.SetArgs([]string{"agent", "verify", id})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, stdout.String(), "verified")

	// Free tier holds one agent.
	rootCmd.SetArgs([]string{"agent", "create", "-f", path, "--user", "frank"})
	require.Error(t, rootCmd.ExecuteContext(context.Background()))
}

func TestAgentCreateRequiresFile(t *testing.T) {
	_, err := executeCLI(t, "agent", "create", "-f", "")
	require.ErrorContains(t, err, "agent YAML file required")
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("PIT_DATABASE_DSN", "postgres://pit@db/pit")
	t.Setenv("PIT_DATABASE_DRIVER", "postgres")
	t.Setenv("PIT_LEDGER_ENABLED", "false")
	t.Setenv("PIT_RESEARCH_API_KEY", "lab-secret")
	t.Setenv("PIT_RATE_LIMIT_ENABLED", "false")

	c := daemon.DefaultConfig()
	applyOverrides(newEnv(), &c)
	c.Finalize()

	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, "postgres://pit@db/pit", c.Database.DSN)
	assert.False(t, c.Ledger.Enabled)
	assert.False(t, c.RateLimit.Enabled)
	assert.Equal(t, "lab-secret", c.Bout.ResearchKey)
	assert.Equal(t, daemon.DefaultConfig().API.Addr, c.API.Addr, "unset keys keep defaults")
}
