package redact

import (
	"regexp"
	"sort"
	"strings"

	"masquerade/internal/store"
)

// Summary reports what one substitution pass did.
type Summary struct {
	// Occurrences maps entity ID to the number of occurrences replaced.
	// Entities whose value did not appear in the text are absent.
	Occurrences map[string]int
	// Total is the total number of substitutions applied.
	Total int
}

// Apply replaces every occurrence of each entity's original value with its
// alias. Replacement is case-insensitive exact matching, applied longest
// value first so a short value never corrupts a longer one that contains
// it. Idempotent: text already holding only aliases passes through
// unchanged.
func Apply(text string, entities []*store.Entity) (string, Summary) {
	summary := Summary{Occurrences: make(map[string]int, len(entities))}
	if text == "" || len(entities) == 0 {
		return text, summary
	}

	ordered := make([]*store.Entity, len(entities))
	copy(ordered, entities)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].OriginalValue) > len(ordered[j].OriginalValue)
	})

	for _, e := range ordered {
		if e.OriginalValue == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(e.OriginalValue))
		if err != nil {
			continue // QuoteMeta output always compiles; kept for safety
		}
		n := 0
		text = re.ReplaceAllStringFunc(text, func(string) string {
			n++
			return e.Alias
		})
		if n > 0 {
			summary.Occurrences[e.ID] = n
			summary.Total += n
		}
	}
	return text, summary
}

// ContainsOriginal reports whether any entity's original value still
// appears in text. Used to verify no partial leakage after substitution.
func ContainsOriginal(text string, entities []*store.Entity) bool {
	lower := strings.ToLower(text)
	for _, e := range entities {
		if e.OriginalValue == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(e.OriginalValue)) {
			return true
		}
	}
	return false
}
