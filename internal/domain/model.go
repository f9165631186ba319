// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture; it depends on nothing.
package domain

import (
	"math"
	"strings"
)

// ─── Model Catalog ──────────────────────────────────────────────────────────
// Every model reference in the codebase uses these constants.
// When rotating models, update the ID here and the prices in KnownModels.

const (
	ModelHaiku  = "claude-haiku-4-5-20251001"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelOpus45 = "claude-opus-4-5-20251101"
	ModelOpus46 = "claude-opus-4-6"

	// ModelBYOK is the pseudo model id used when the caller brings a key.
	ModelBYOK = "byok"

	// PromotionModel is granted once to free-tier users for their first bout.
	PromotionModel = ModelOpus46
)

// ModelFamily groups model ids for tier access checks.
type ModelFamily string

const (
	FamilyHaiku  ModelFamily = "haiku"
	FamilySonnet ModelFamily = "sonnet"
	FamilyOpus   ModelFamily = "opus"
)

// ModelInfo describes a platform-funded model.
// Prices are GBP per million tokens.
type ModelInfo struct {
	ID            string      `json:"id"`
	Family        ModelFamily `json:"family"`
	InputPerMTok  float64     `json:"input_per_mtok"`
	OutputPerMTok float64     `json:"output_per_mtok"`
}

// KnownModels is the platform model table.
var KnownModels = map[string]ModelInfo{
	ModelHaiku:  {ID: ModelHaiku, Family: FamilyHaiku, InputPerMTok: 0.732, OutputPerMTok: 3.66},
	ModelSonnet: {ID: ModelSonnet, Family: FamilySonnet, InputPerMTok: 2.196, OutputPerMTok: 10.98},
	ModelOpus45: {ID: ModelOpus45, Family: FamilyOpus, InputPerMTok: 3.66, OutputPerMTok: 18.3},
	ModelOpus46: {ID: ModelOpus46, Family: FamilyOpus, InputPerMTok: 3.66, OutputPerMTok: 18.3},
}

// LookupModel returns the catalog entry for id.
func LookupModel(id string) (ModelInfo, bool) {
	m, ok := KnownModels[id]
	return m, ok
}

// ─── Context Windows ────────────────────────────────────────────────────────

const (
	claudeContextLimit  = 200_000
	defaultContextLimit = 100_000

	// inputBudgetRatio leaves headroom for the response.
	inputBudgetRatio = 0.85
)

// OpenRouterModels is the curated BYOK list with context window sizes.
var OpenRouterModels = map[string]int{
	"openai/gpt-4o":                  128_000,
	"openai/gpt-4o-mini":             128_000,
	"openai/gpt-4.1":                 1_047_576,
	"openai/o4-mini":                 200_000,
	"google/gemini-2.5-pro-preview":  1_048_576,
	"google/gemini-2.5-flash":        1_048_576,
	"meta-llama/llama-4-maverick":    1_048_576,
	"meta-llama/llama-4-scout":       512_000,
	"anthropic/claude-sonnet-4":      200_000,
	"anthropic/claude-3.5-haiku":     200_000,
	"deepseek/deepseek-r1":           128_000,
	"deepseek/deepseek-chat-v3-0324": 128_000,
	"mistralai/mistral-large":        128_000,
}

// DefaultOpenRouterModel is used when an OpenRouter key arrives without a
// curated model selection.
const DefaultOpenRouterModel = "openai/gpt-4o"

// IsOpenRouterModel reports whether id is on the curated list.
func IsOpenRouterModel(id string) bool {
	_, ok := OpenRouterModels[id]
	return ok
}

// ContextLimit returns the context window size for a model id.
// Unknown ids get the conservative default.
func ContextLimit(modelID string) int {
	if limit, ok := OpenRouterModels[modelID]; ok {
		return limit
	}
	if strings.HasPrefix(modelID, "claude-") {
		return claudeContextLimit
	}
	return defaultContextLimit
}

// InputTokenBudget is the number of prompt tokens a turn may use.
func InputTokenBudget(modelID string) int {
	return int(math.Floor(float64(ContextLimit(modelID)) * inputBudgetRatio))
}

// ─── BYOK ───────────────────────────────────────────────────────────────────

// ByokProvider identifies which upstream a BYOK key belongs to.
type ByokProvider string

const (
	ByokAnthropic  ByokProvider = "anthropic"
	ByokOpenRouter ByokProvider = "openrouter"
)

// ByokCredential is a caller-supplied provider key. Never persisted or logged.
type ByokCredential struct {
	Provider ByokProvider `json:"-"`
	ModelID  string       `json:"-"`
	Key      string       `json:"-"`
}

// DetectByokProvider infers the provider from the key prefix.
func DetectByokProvider(key string) (ByokProvider, bool) {
	switch {
	case strings.HasPrefix(key, "sk-ant-"):
		return ByokAnthropic, true
	case strings.HasPrefix(key, "sk-or-v1-"):
		return ByokOpenRouter, true
	default:
		return "", false
	}
}

// String redacts the key.
func (c ByokCredential) String() string {
	return "byok(" + string(c.Provider) + ")"
}
