package domain

// ─── Experiment Configuration ───────────────────────────────────────────────
// Research-only overrides. Validated once, compiled once, immutable after.

// PromptInjection appends content to an agent's persona after a turn.
type PromptInjection struct {
	AfterTurn        int    `json:"afterTurn"`
	TargetAgentIndex int    `json:"targetAgentIndex"`
	Content          string `json:"content"`
}

// ScriptedTurn replaces the model call for one turn.
type ScriptedTurn struct {
	Turn       int    `json:"turn"`
	AgentIndex int    `json:"agentIndex"`
	Content    string `json:"content"`
}

// ExperimentConfig is the validated experiment definition.
type ExperimentConfig struct {
	PromptInjections []PromptInjection `json:"promptInjections,omitempty"`
	ScriptedTurns    []ScriptedTurn    `json:"scriptedTurns,omitempty"`
}

// Empty reports whether the config has no effect.
func (c *ExperimentConfig) Empty() bool {
	return c == nil || (len(c.PromptInjections) == 0 && len(c.ScriptedTurns) == 0)
}
