// Package experiment validates research experiment configurations and
// compiles them into the two runtime hooks the bout engine consumes: a
// per-turn prompt injection function and a turn-indexed map of scripted
// content.
//
// Compiled artifacts are pure functions of the validated config. They hold
// no state and are built once per bout.
package experiment

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Research Gate ──────────────────────────────────────────────────────────

// CheckResearchKey compares the presented key to the configured one in
// constant time. An empty configured key denies every caller.
func CheckResearchKey(configured, presented string) error {
	if configured == "" || presented == "" {
		return domain.ErrResearchKeyRequired
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return domain.ErrResearchKeyRequired
	}
	return nil
}

// ─── Validation ─────────────────────────────────────────────────────────────

// ValidationError names the offending field of a rejected config.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Unwrap lets callers match domain.ErrInvalidRequest.
func (e *ValidationError) Unwrap() error { return domain.ErrInvalidRequest }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate decodes raw and checks every range constraint against the preset.
// It stops at the first violation. Empty or null raw yields an empty config.
func Validate(raw json.RawMessage, maxTurns, agentCount int) (*domain.ExperimentConfig, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return &domain.ExperimentConfig{}, nil
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, invalid("experimentConfig", "experimentConfig must be valid JSON.")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, invalid("experimentConfig", "experimentConfig must be an object.")
	}

	cfg := &domain.ExperimentConfig{}

	if v, present := obj["promptInjections"]; present {
		items, ok := v.([]any)
		if !ok {
			return nil, invalid("experimentConfig.promptInjections", "experimentConfig.promptInjections must be an array.")
		}
		for i, item := range items {
			inj, err := validateInjection(i, item, maxTurns, agentCount)
			if err != nil {
				return nil, err
			}
			cfg.PromptInjections = append(cfg.PromptInjections, inj)
		}
	}

	if v, present := obj["scriptedTurns"]; present {
		items, ok := v.([]any)
		if !ok {
			return nil, invalid("experimentConfig.scriptedTurns", "experimentConfig.scriptedTurns must be an array.")
		}
		seen := make(map[int]bool, len(items))
		for i, item := range items {
			st, err := validateScripted(i, item, maxTurns, agentCount, seen)
			if err != nil {
				return nil, err
			}
			cfg.ScriptedTurns = append(cfg.ScriptedTurns, st)
		}
	}

	return cfg, nil
}

func validateInjection(i int, item any, maxTurns, agentCount int) (domain.PromptInjection, error) {
	prefix := fmt.Sprintf("experimentConfig.promptInjections[%d]", i)
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.PromptInjection{}, invalid(prefix, "%s must be an object.", prefix)
	}

	afterTurn, err := boundedIndex(prefix, "afterTurn", obj, maxTurns, "maxTurns")
	if err != nil {
		return domain.PromptInjection{}, err
	}
	target, err := boundedIndex(prefix, "targetAgentIndex", obj, agentCount, "agent count")
	if err != nil {
		return domain.PromptInjection{}, err
	}
	content, err := nonEmpty(prefix, obj)
	if err != nil {
		return domain.PromptInjection{}, err
	}
	return domain.PromptInjection{AfterTurn: afterTurn, TargetAgentIndex: target, Content: content}, nil
}

func validateScripted(i int, item any, maxTurns, agentCount int, seen map[int]bool) (domain.ScriptedTurn, error) {
	prefix := fmt.Sprintf("experimentConfig.scriptedTurns[%d]", i)
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.ScriptedTurn{}, invalid(prefix, "%s must be an object.", prefix)
	}

	turn, err := boundedIndex(prefix, "turn", obj, maxTurns, "maxTurns")
	if err != nil {
		return domain.ScriptedTurn{}, err
	}
	if seen[turn] {
		return domain.ScriptedTurn{}, invalid("experimentConfig.scriptedTurns",
			"experimentConfig.scriptedTurns has duplicate turn number %d.", turn)
	}
	seen[turn] = true

	agentIndex, err := boundedIndex(prefix, "agentIndex", obj, agentCount, "agent count")
	if err != nil {
		return domain.ScriptedTurn{}, err
	}
	content, err := nonEmpty(prefix, obj)
	if err != nil {
		return domain.ScriptedTurn{}, err
	}
	return domain.ScriptedTurn{Turn: turn, AgentIndex: agentIndex, Content: content}, nil
}

// boundedIndex reads a non-negative integer field and checks it is below limit.
func boundedIndex(prefix, name string, obj map[string]any, limit int, limitName string) (int, error) {
	field := prefix + "." + name
	f, ok := obj[name].(float64)
	if !ok || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, invalid(field, "%s must be a non-negative integer.", field)
	}
	n := int(f)
	if n >= limit {
		return 0, invalid(field, "%s (%d) exceeds %s (%d).", field, n, limitName, limit)
	}
	return n, nil
}

func nonEmpty(prefix string, obj map[string]any) (string, error) {
	field := prefix + ".content"
	s, ok := obj["content"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", invalid(field, "%s must be a non-empty string.", field)
	}
	return s, nil
}

// ─── Compilation ────────────────────────────────────────────────────────────

// CompilePromptHook returns a hook that joins, with newlines, the content of
// every injection whose afterTurn is before the current turn and whose
// target is the acting agent. It returns nil when there are no injections.
func CompilePromptHook(cfg *domain.ExperimentConfig) domain.PromptHook {
	if cfg == nil || len(cfg.PromptInjections) == 0 {
		return nil
	}
	injections := make([]domain.PromptInjection, len(cfg.PromptInjections))
	copy(injections, cfg.PromptInjections)

	return func(hc domain.HookContext) (string, bool) {
		var parts []string
		for _, inj := range injections {
			if hc.Turn > inj.AfterTurn && hc.AgentIndex == inj.TargetAgentIndex {
				parts = append(parts, inj.Content)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	}
}

// CompileScriptedTurns indexes scripted turns by turn number. It returns nil
// when there are none.
func CompileScriptedTurns(cfg *domain.ExperimentConfig) map[int]domain.ScriptedContent {
	if cfg == nil || len(cfg.ScriptedTurns) == 0 {
		return nil
	}
	out := make(map[int]domain.ScriptedContent, len(cfg.ScriptedTurns))
	for _, st := range cfg.ScriptedTurns {
		out[st.Turn] = domain.ScriptedContent{AgentIndex: st.AgentIndex, Content: st.Content}
	}
	return out
}

// Compiled holds both runtime artifacts of one config.
type Compiled struct {
	Hook     domain.PromptHook
	Scripted map[int]domain.ScriptedContent
}

// Compile validates raw and compiles it in one step.
func Compile(raw json.RawMessage, maxTurns, agentCount int) (Compiled, error) {
	cfg, err := Validate(raw, maxTurns, agentCount)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{
		Hook:     CompilePromptHook(cfg),
		Scripted: CompileScriptedTurns(cfg),
	}, nil
}
