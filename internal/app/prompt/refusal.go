package prompt

import "strings"

// refusalMarkers are phrases that indicate a model broke character.
// More specific phrases first.
var refusalMarkers = []string{
	"step out of character",
	"break character here",
	"need to step out",
	"can't roleplay",
	"cannot roleplay",
	"can't play the role",
	"won't roleplay",
	"I can't pretend",
	"I cannot pretend",
	"What I can do instead",
	"I need to be straightforward",
	"I should be transparent",
	"spreads misinformation",
	"promotes conspiratorial thinking",
	"normalize reasoning patterns that are",
	"genuinely harmful",
	"I appreciate you trying to set this up, but",
	"I need to decline",
	"I'm not comfortable",
	"Let me suggest an alternative",
	"Instead of roleplaying",
}

// DetectRefusal returns the first refusal marker found in text.
func DetectRefusal(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
