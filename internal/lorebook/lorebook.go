// Package lorebook implements the keyword-triggered world-info matcher
// (spec §4.5): scanning recent conversation text for entry keywords and
// admitting matched entries into a per-position, token-budgeted set.
package lorebook

import (
	"regexp"
	"sort"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

// TokenCounter estimates the token length of a string. The Chat Engine
// passes sidecar.TokenCount, the ⌈chars/4⌉ heuristic.
type TokenCounter func(text string) int

// Match scans window (the recent conversational text span the caller
// chose to scan) against entries, and returns admitted entries grouped
// by insertion_position, in admission order, respecting budget (the
// total lorebook_budget) and each entry's own per-entry token_budget.
func Match(entries []chatmodel.LorebookEntry, window string, budget int, count TokenCounter) map[chatmodel.InsertionPosition][]chatmodel.LorebookEntry {
	candidates := make([]chatmodel.LorebookEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsEnabled {
			continue
		}
		if matches(e, window) {
			candidates = append(candidates, e)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	out := make(map[chatmodel.InsertionPosition][]chatmodel.LorebookEntry)
	remaining := budget
	for _, e := range candidates {
		if remaining <= 0 {
			break
		}
		cost := count(e.Content)
		if e.TokenBudget > 0 && cost > e.TokenBudget {
			continue
		}
		if cost > remaining {
			continue
		}
		out[e.InsertionPosition] = append(out[e.InsertionPosition], e)
		remaining -= cost
	}
	return out
}

func matches(e chatmodel.LorebookEntry, window string) bool {
	haystack := window
	if !e.CaseSensitive {
		haystack = strings.ToLower(haystack)
	}
	for _, kw := range e.Keywords {
		needle := kw
		if !e.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		if needle == "" {
			continue
		}
		if e.MatchWholeWord {
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(needle) + `\b`)
			if err != nil {
				continue
			}
			if re.MatchString(haystack) {
				return true
			}
			continue
		}
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
