package prompt

import "fmt"

// ─── Token Budget ───────────────────────────────────────────────────────────

// charsPerToken is a deliberately pessimistic heuristic. Byte length is
// used, so multi-byte text estimates high.
const charsPerToken = 4

// truncationMargin covers message framing the estimate does not see.
const truncationMargin = 100

// EstimateTokens returns ceil(len(text)/4).
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Truncation is the result of fitting history into a token budget.
type Truncation struct {
	History      []string // kept suffix, with a leading marker when turns were dropped
	TurnsDropped int
}

// TruncateHistory keeps the longest contiguous suffix of history that fits
// in budget after the system message, the non-history part of the user
// message and a fixed margin. The result is never a gapped subset.
//
// When the fixed overhead alone exceeds the budget, or not even the newest
// turn fits, the result is empty with every turn counted as dropped.
func TruncateHistory(history []string, system, context string, budget int) Truncation {
	if len(history) == 0 {
		return Truncation{History: []string{}}
	}

	overhead := EstimateTokens(system) + EstimateTokens(context) + truncationMargin
	available := budget - overhead
	if available <= 0 {
		return Truncation{History: []string{}, TurnsDropped: len(history)}
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i])
		if used+cost > available {
			break
		}
		used += cost
		start = i
	}

	dropped := start
	if dropped == 0 {
		out := make([]string, len(history))
		copy(out, history)
		return Truncation{History: out}
	}
	if start == len(history) {
		return Truncation{History: []string{}, TurnsDropped: len(history)}
	}

	out := make([]string, 0, len(history)-start+1)
	out = append(out, TruncationMarker(dropped))
	out = append(out, history[start:]...)
	return Truncation{History: out, TurnsDropped: dropped}
}

// TruncationMarker is the synthetic first line replacing dropped turns.
func TruncationMarker(dropped int) string {
	if dropped == 1 {
		return "[1 earlier turn truncated to fit the context window]"
	}
	return fmt.Sprintf("[%d earlier turns truncated to fit the context window]", dropped)
}
