// Package prompt builds the XML-delimited system and user messages sent to
// the model for every bout turn.
//
// Structural tags are emitted verbatim. Everything a caller can influence
// (topic, persona fields, transcript lines, agent names) passes through
// Escape before it is embedded, so a transcript line cannot close a tag
// and smuggle instructions into the structure.
package prompt

import (
	"sort"
	"strings"
)

// ─── XML Primitives ─────────────────────────────────────────────────────────

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape escapes XML-special characters in untrusted content.
func Escape(text string) string {
	return xmlEscaper.Replace(text)
}

// Tag wraps content in a block tag:
//
//	<name attr="v">
//	content
//	</name>
func Tag(name, content string, attrs map[string]string) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(name)
	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteString(`="`)
			b.WriteString(Escape(attrs[k]))
			b.WriteByte('"')
		}
	}
	b.WriteString(">\n")
	b.WriteString(content)
	b.WriteString("\n</")
	b.WriteString(name)
	b.WriteByte('>')
	return b.String()
}

// Inline wraps content in a single-line tag.
func Inline(name, content string) string {
	return "<" + name + ">" + content + "</" + name + ">"
}

func joinSections(sections []string) string {
	return strings.Join(sections, "\n\n")
}
