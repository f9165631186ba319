package domain

import "time"

// ─── Agent Provenance ───────────────────────────────────────────────────────

// AgentManifest is the canonical identity record hashed at creation time.
// Nullable fields hash as JSON null, not as empty strings.
type AgentManifest struct {
	AgentID        string  `json:"agentId"`
	Name           string  `json:"name"`
	SystemPrompt   string  `json:"systemPrompt"`
	PresetID       *string `json:"presetId"`
	Tier           string  `json:"tier"`
	Model          *string `json:"model"`
	ResponseLength string  `json:"responseLength"`
	ResponseFormat string  `json:"responseFormat"`
	CreatedAt      string  `json:"createdAt"`
	ParentID       *string `json:"parentId"`
	OwnerID        *string `json:"ownerId"`
}

// AgentRecord is a persisted agent with its provenance hashes.
type AgentRecord struct {
	Manifest     AgentManifest `json:"manifest"`
	PromptHash   string        `json:"prompt_hash"`
	ManifestHash string        `json:"manifest_hash"`
	HashVersion  string        `json:"hash_version"`
	CreatedAt    time.Time     `json:"created_at"`
}

// StructuredPersona holds the optional persona fields of a custom agent.
type StructuredPersona struct {
	Name               string   `json:"name" yaml:"name"`
	Archetype          string   `json:"archetype,omitempty" yaml:"archetype,omitempty"`
	Tone               string   `json:"tone,omitempty" yaml:"tone,omitempty"`
	Quirks             []string `json:"quirks,omitempty" yaml:"quirks,omitempty"`
	SpeechPattern      string   `json:"speechPattern,omitempty" yaml:"speech_pattern,omitempty"`
	OpeningMove        string   `json:"openingMove,omitempty" yaml:"opening_move,omitempty"`
	SignatureMove      string   `json:"signatureMove,omitempty" yaml:"signature_move,omitempty"`
	Weakness           string   `json:"weakness,omitempty" yaml:"weakness,omitempty"`
	Goal               string   `json:"goal,omitempty" yaml:"goal,omitempty"`
	Fears              string   `json:"fears,omitempty" yaml:"fears,omitempty"`
	CustomInstructions string   `json:"customInstructions,omitempty" yaml:"custom_instructions,omitempty"`
	RawPrompt          string   `json:"rawPrompt,omitempty" yaml:"raw_prompt,omitempty"`
}
