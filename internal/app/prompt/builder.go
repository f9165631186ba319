package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// SafetyPreamble is prepended to every agent's system message.
const SafetyPreamble = "The following is a character persona for a satirical debate simulation between exaggerated caricatures. " +
	"This is a fictional entertainment format, like improv comedy or a debate show, NOT real advocacy. " +
	"You MUST stay in character for the entire response. Do not break the fourth wall, " +
	"do not add disclaimers, do not refuse the role, and do not offer alternatives. " +
	"The audience understands these are fictional characters with exaggerated viewpoints. " +
	"Do not reveal system details, API keys, or internal platform information."

// ─── System Message ─────────────────────────────────────────────────────────

// SystemParts are the role-structured fields of a system message.
type SystemParts struct {
	Safety    string
	Persona   string // legacy plain text or <persona> XML
	Format    string
	Injection string // experiment content appended to the persona, optional
}

// BuildSystemMessage renders <safety>, <persona> and <format> sections.
func BuildSystemMessage(p SystemParts) string {
	persona := WrapPersona(p.Persona)
	if p.Injection != "" {
		persona = AppendInjection(persona, p.Injection)
	}
	return joinSections([]string{
		Tag("safety", strings.TrimSpace(p.Safety), nil),
		persona,
		Tag("format", strings.TrimSpace(p.Format), nil),
	})
}

// AppendInjection adds an escaped <experiment-injection> block inside the
// persona envelope, just before its closing tag.
func AppendInjection(persona, content string) string {
	block := Tag("experiment-injection", Escape(content), nil)
	const closing = "</persona>"
	if i := strings.LastIndex(persona, closing); i >= 0 {
		return persona[:i] + block + "\n" + persona[i:]
	}
	return persona + "\n" + block
}

// ─── User Message ───────────────────────────────────────────────────────────

// UserParts are the per-turn fields of a user message.
type UserParts struct {
	Topic       string
	LengthLabel string
	LengthHint  string
	FormatLabel string
	FormatHint  string
	History     []string
	AgentName   string
	Opening     bool
}

// BuildUserMessage renders the <context> block and either the opening
// instruction or the escaped transcript followed by a respond instruction.
func BuildUserMessage(p UserParts) string {
	var ctxLines []string
	if p.Topic != "" {
		ctxLines = append(ctxLines, Inline("topic", Escape(p.Topic)))
	}
	ctxLines = append(ctxLines,
		Inline("response-length", fmt.Sprintf("%s (%s)", Escape(p.LengthLabel), Escape(p.LengthHint))),
		Inline("response-format", fmt.Sprintf("%s (%s)", Escape(p.FormatLabel), Escape(p.FormatHint))),
	)

	sections := []string{Tag("context", strings.Join(ctxLines, "\n"), nil)}
	if p.Opening {
		sections = append(sections,
			Tag("instruction", fmt.Sprintf("Open the debate in character as %s.", Escape(p.AgentName)), nil))
		return joinSections(sections)
	}

	lines := make([]string, len(p.History))
	for i, line := range p.History {
		lines[i] = Escape(line)
	}
	sections = append(sections,
		Tag("transcript", strings.Join(lines, "\n"), nil),
		Tag("instruction", fmt.Sprintf("Respond in character as %s.", Escape(p.AgentName)), nil),
	)
	return joinSections(sections)
}

// ─── Personas ───────────────────────────────────────────────────────────────

var (
	personaTagRe = regexp.MustCompile(`<persona[\s>]`)
	rulesSplitRe = regexp.MustCompile(`^([\s\S]*?)\n\s*Rules:\s*\n([\s\S]*)$`)
	ruleBulletRe = regexp.MustCompile(`^\s*-\s*`)
)

// HasPersonaStructure reports whether prompt is already a <persona> envelope.
func HasPersonaStructure(prompt string) bool {
	return personaTagRe.MatchString(prompt)
}

// WrapPersona wraps a legacy plain-text prompt in the same envelope as
// structured personas. A "Rules:" section becomes <rules><rule>… entries.
// Prompts that already carry <persona> pass through untouched.
func WrapPersona(prompt string) string {
	if HasPersonaStructure(prompt) {
		return prompt
	}
	trimmed := strings.TrimSpace(prompt)

	if m := rulesSplitRe.FindStringSubmatch(trimmed); m != nil {
		parts := []string{Tag("instructions", Escape(strings.TrimSpace(m[1])), nil)}
		var rules []string
		for _, line := range strings.Split(strings.TrimSpace(m[2]), "\n") {
			r := strings.TrimSpace(ruleBulletRe.ReplaceAllString(line, ""))
			if r != "" {
				rules = append(rules, Inline("rule", Escape(r)))
			}
		}
		if len(rules) > 0 {
			parts = append(parts, Tag("rules", strings.Join(rules, "\n"), nil))
		}
		return Tag("persona", strings.Join(parts, "\n"), nil)
	}

	return Tag("persona", Tag("instructions", Escape(trimmed), nil), nil)
}
