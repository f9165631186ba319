package prompt

import (
	"strings"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Structured Personas ────────────────────────────────────────────────────

// BuildStructuredPersona renders persona fields to a <persona> envelope.
// Every field value is escaped.
func BuildStructuredPersona(f domain.StructuredPersona) string {
	var parts []string

	identity := "You are " + Escape(f.Name) + "."
	if a := strings.TrimSpace(f.Archetype); a != "" {
		identity = "You are " + Escape(f.Name) + ", a " + Escape(a) + "."
	}
	parts = append(parts, Inline("identity", identity))

	add := func(tag, value string) {
		if v := strings.TrimSpace(value); v != "" {
			parts = append(parts, Inline(tag, Escape(v)))
		}
	}
	add("tone", f.Tone)
	add("speech-pattern", f.SpeechPattern)
	add("opening-move", f.OpeningMove)
	add("signature-move", f.SignatureMove)
	add("weakness", f.Weakness)
	add("goal", f.Goal)
	add("fears", f.Fears)

	var quirks []string
	for _, q := range f.Quirks {
		if q = strings.TrimSpace(q); q != "" {
			quirks = append(quirks, Inline("quirk", Escape(q)))
		}
	}
	if len(quirks) > 0 {
		parts = append(parts, Tag("quirks", strings.Join(quirks, "\n"), nil))
	}

	add("custom-instructions", f.CustomInstructions)

	return Tag("persona", strings.Join(parts, "\n"), nil)
}

func hasStructuredFields(f domain.StructuredPersona) bool {
	for _, v := range []string{f.Archetype, f.Tone, f.SpeechPattern, f.OpeningMove, f.SignatureMove, f.Weakness, f.Goal, f.Fears} {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	for _, q := range f.Quirks {
		if strings.TrimSpace(q) != "" {
			return true
		}
	}
	return false
}

// PersonaSource names which precedence step produced a persona prompt.
type PersonaSource string

const (
	SourceEnvelope   PersonaSource = "envelope"   // raw prompt already XML
	SourceStructured PersonaSource = "structured" // persona fields
	SourceCustom     PersonaSource = "custom"     // custom instructions only
	SourceRaw        PersonaSource = "raw"        // legacy plain text
	SourceNone       PersonaSource = "none"
)

// ResolvePersonaPrompt picks the system prompt for an agent, in order:
//  1. a raw prompt that already carries a <persona> envelope
//  2. structured fields, rendered with custom instructions included
//  3. custom instructions alone, wrapped
//  4. the raw prompt, wrapped
//
// SourceNone with an empty prompt means the agent has nothing usable.
func ResolvePersonaPrompt(f domain.StructuredPersona) (string, PersonaSource) {
	raw := strings.TrimSpace(f.RawPrompt)
	custom := strings.TrimSpace(f.CustomInstructions)

	switch {
	case raw != "" && HasPersonaStructure(raw):
		return raw, SourceEnvelope
	case hasStructuredFields(f):
		return BuildStructuredPersona(f), SourceStructured
	case custom != "":
		return WrapPersona(custom), SourceCustom
	case raw != "":
		return WrapPersona(raw), SourceRaw
	default:
		return "", SourceNone
	}
}
