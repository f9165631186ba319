package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Share Line ─────────────────────────────────────────────────────────────

const (
	shareLineMaxChars   = 140
	shareTranscriptTail = 2000

	// ShareLineMaxTokens caps the share-line model call.
	ShareLineMaxTokens = 80
)

// BuildSharePrompt builds the user prompt asking for a one-line summary of
// the last part of the transcript.
func BuildSharePrompt(transcript []domain.Turn) string {
	lines := make([]string, len(transcript))
	for i, t := range transcript {
		lines[i] = t.AgentName + ": " + t.Text
	}
	text := strings.Join(lines, "\n")
	if len(text) > shareTranscriptTail {
		i := len(text) - shareTranscriptTail
		for i < len(text) && !utf8.RuneStart(text[i]) {
			i++
		}
		text = text[i:]
	}

	rules := []string{
		"Captures the most absurd/funny/surprising moment",
		"Makes someone want to click the link",
		"Sounds like a human wrote it (not corporate)",
	}
	ruleTags := make([]string, len(rules))
	for i, r := range rules {
		ruleTags[i] = Inline("rule", r)
	}

	return joinSections([]string{
		Tag("task", "You just witnessed an AI bout. Write a single tweet-length line (max 140 chars).", nil),
		Tag("rules", strings.Join(ruleTags, "\n"), nil),
		Tag("transcript", Escape(text), nil),
	})
}

// CleanShareLine trims, strips one pair of surrounding quotes and caps the
// line at 140 characters.
func CleanShareLine(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, `"`), "'")
	s = strings.TrimSuffix(strings.TrimSuffix(s, `"`), "'")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > shareLineMaxChars {
		s = strings.TrimRight(string(runes[:shareLineMaxChars-3]), " \t\n") + "..."
	}
	return s
}
