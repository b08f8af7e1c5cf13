package choices

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var placeholders = map[string]struct{}{
	"continue":    {},
	"next":        {},
	"proceed":     {},
	"go on":       {},
	"keep going":  {},
	"move on":     {},
	"ok":          {},
	"okay":        {},
	"wait":        {},
	"more":        {},
	"tbd":         {},
	"todo":        {},
	"n/a":         {},
	"none":        {},
	"choice":      {},
	"option":      {},
	"action":      {},
	"placeholder": {},
	"...":         {},
	"…":           {},
}

var numberedPlaceholder = regexp.MustCompile(`^(choice|option|action)\s*#?\s*\d+$`)

// FoldLabel returns the case-insensitive comparison key for a label.
func FoldLabel(label string) string {
	return cases.Fold().String(strings.Join(strings.Fields(label), " "))
}

// IsPlaceholder reports whether a label carries no actionable content.
func IsPlaceholder(label string) bool {
	key := FoldLabel(label)
	if key == "" {
		return true
	}
	if _, ok := placeholders[key]; ok {
		return true
	}
	trimmed := strings.TrimRight(key, ".!?… ")
	if trimmed == "" {
		return true
	}
	if _, ok := placeholders[trimmed]; ok {
		return true
	}
	return numberedPlaceholder.MatchString(trimmed)
}
