package prompt

import "github.com/tutu-network/pit/internal/domain"

// ─── Response Lengths & Formats ─────────────────────────────────────────────

const (
	DefaultLength = "standard"
	DefaultFormat = "spaced"
)

var lengths = map[string]domain.ResponseLength{
	"short": {
		ID: "short", Label: "Short", Hint: "1-2 sentences",
		MaxOutputTokens: 120, OutputTokensPerTurn: 60,
	},
	"standard": {
		ID: "standard", Label: "Standard", Hint: "3-5 sentences",
		MaxOutputTokens: 200, OutputTokensPerTurn: 120,
	},
	"long": {
		ID: "long", Label: "Long", Hint: "a few short paragraphs",
		MaxOutputTokens: 450, OutputTokensPerTurn: 280,
	},
}

var formats = map[string]domain.ResponseFormat{
	"plain": {
		ID: "plain", Label: "Plain text", Hint: "no markup",
		Instruction: "Respond in plain text. Do not use markdown, lists or headings.",
	},
	"spaced": {
		ID: "spaced", Label: "Text + spacing", Hint: "short paragraphs",
		Instruction: "Respond in plain text. Separate ideas into short paragraphs with a blank line between them.",
	},
	"markdown": {
		ID: "markdown", Label: "Markdown", Hint: "light formatting",
		Instruction: "Respond in Markdown. Use emphasis and short lists sparingly.",
	},
	"json": {
		ID: "json", Label: "JSON", Hint: `{"text": "..."}`,
		Instruction: `Respond with a single JSON object of the form {"text": "<your reply>"} and nothing else.`,
	},
}

// ResolveLength returns the length config for id, falling back to standard.
// ok is false when a non-empty id was unknown.
func ResolveLength(id string) (domain.ResponseLength, bool) {
	if id == "" {
		return lengths[DefaultLength], true
	}
	l, ok := lengths[id]
	if !ok {
		return lengths[DefaultLength], false
	}
	return l, true
}

// ResolveFormat returns the format config for id, falling back to spaced.
func ResolveFormat(id string) (domain.ResponseFormat, bool) {
	if id == "" {
		return formats[DefaultFormat], true
	}
	f, ok := formats[id]
	if !ok {
		return formats[DefaultFormat], false
	}
	return f, true
}
