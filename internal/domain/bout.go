package domain

import (
	"encoding/json"
	"time"
)

// ─── Agents & Presets ───────────────────────────────────────────────────────

// DefaultAgentColor is used when a preset agent has no color.
const DefaultAgentColor = "#f8fafc"

// ArenaPresetID marks a bout whose lineup was supplied by the caller.
const ArenaPresetID = "arena"

// DefaultArenaTurns is the turn count for arena lineups.
const DefaultArenaTurns = 6

// Agent is one debate participant.
type Agent struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Color        string `json:"color,omitempty" yaml:"color,omitempty"`
}

// PresetTier separates free scenarios from premium packs.
type PresetTier string

const (
	PresetFree    PresetTier = "free"
	PresetPremium PresetTier = "premium"
)

// Preset is an ordered lineup of agents with a turn limit.
type Preset struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	Agents        []Agent    `json:"agents" yaml:"agents"`
	MaxTurns      int        `json:"max_turns" yaml:"max_turns"`
	Tier          PresetTier `json:"tier" yaml:"tier"`
	RequiresInput bool       `json:"requires_input,omitempty" yaml:"requires_input,omitempty"`
}

// ─── Response Shape ─────────────────────────────────────────────────────────

// ResponseLength controls per-turn output size and the cost estimate.
type ResponseLength struct {
	ID                  string `json:"id"`
	Label               string `json:"label"`
	Hint                string `json:"hint"`
	MaxOutputTokens     int64  `json:"max_output_tokens"`
	OutputTokensPerTurn int64  `json:"output_tokens_per_turn"`
}

// ResponseFormat is the formatting instruction given to every agent.
type ResponseFormat struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Hint        string `json:"hint"`
	Instruction string `json:"instruction"`
}

// ─── Turns & Bouts ──────────────────────────────────────────────────────────

// Turn is one agent utterance.
type Turn struct {
	Turn      int    `json:"turn"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Text      string `json:"text"`
}

// Usage is accumulated token usage.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// BoutStatus is the persisted lifecycle state.
type BoutStatus string

const (
	BoutRunning   BoutStatus = "running"
	BoutCompleted BoutStatus = "completed"
	BoutFailed    BoutStatus = "error"
)

// Bout is the persisted bout record.
type Bout struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id,omitempty"`
	PresetID       string     `json:"preset_id"`
	Topic          string     `json:"topic,omitempty"`
	Status         BoutStatus `json:"status"`
	ModelID        string     `json:"model_id,omitempty"`
	ResponseLength string     `json:"response_length,omitempty"`
	ResponseFormat string     `json:"response_format,omitempty"`
	Transcript     []Turn     `json:"transcript"`
	ShareLine      string     `json:"share_line,omitempty"`
	Usage          Usage      `json:"usage"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BoutRequest is the typed request at the engine boundary.
type BoutRequest struct {
	BoutID           string          `json:"boutId"`
	PresetID         string          `json:"presetId"`
	Topic            string          `json:"topic,omitempty"`
	ResponseLength   string          `json:"length,omitempty"`
	ResponseFormat   string          `json:"format,omitempty"`
	Model            string          `json:"model,omitempty"`
	Agents           []Agent         `json:"agents,omitempty"` // arena lineup
	MaxTurns         int             `json:"maxTurns,omitempty"`
	ExperimentConfig json.RawMessage `json:"experimentConfig,omitempty"`
}

// Caller is the authenticated context around a request.
type Caller struct {
	UserID      string          // empty for anonymous callers
	ClientID    string          // rate-limit identity (IP)
	ResearchKey string          // X-Research-Key as presented
	Byok        *ByokCredential // caller-supplied key, nil when absent
	RequestID   string
}

// ─── Bout Context ───────────────────────────────────────────────────────────

// HookContext is passed to a compiled prompt hook before each turn.
type HookContext struct {
	Turn       int
	AgentIndex int
	AgentName  string
}

// PromptHook returns extra persona content for a turn, or ok=false.
type PromptHook func(HookContext) (content string, ok bool)

// ScriptedContent replaces a generated turn.
type ScriptedContent struct {
	AgentIndex int
	Content    string
}

// BoutContext is built by validation and consumed once by the scheduler.
type BoutContext struct {
	BoutID        string
	PresetID      string
	Preset        Preset
	Topic         string
	Length        ResponseLength
	Format        ResponseFormat
	ModelID       string
	Byok          *ByokCredential
	UserID        string
	Tier          Tier
	PreauthMicro  int64
	PromptHook    PromptHook
	ScriptedTurns map[int]ScriptedContent
	Research      bool
	FreePoolDay   string // non-empty when a free pool slot was consumed
	EstimateMicro int64
	RequestID     string
}

// EffectiveModelID is the upstream model id, used for context window
// lookups. Pricing uses ModelID so BYOK bouts pay the platform fee.
func (bc *BoutContext) EffectiveModelID() string {
	if bc.ModelID == ModelBYOK && bc.Byok != nil && bc.Byok.ModelID != "" {
		return bc.Byok.ModelID
	}
	return bc.ModelID
}

// ─── Stream Events ──────────────────────────────────────────────────────────

// EventType names a streamed bout event.
type EventType string

const (
	EventStart     EventType = "start"
	EventTurn      EventType = "data-turn"
	EventTextStart EventType = "text-start"
	EventTextDelta EventType = "text-delta"
	EventTextEnd   EventType = "text-end"
	EventShareLine EventType = "data-share-line"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// TurnInfo identifies the acting agent.
type TurnInfo struct {
	Turn      int    `json:"turn"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Color     string `json:"color"`
}

// Event is one streamed bout event.
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Data      any       `json:"data,omitempty"`
	ErrorText string    `json:"errorText,omitempty"`
}
