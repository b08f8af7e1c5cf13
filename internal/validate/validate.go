// Package validate checks the structural invariants of a turn contract and
// its fact claims against the ledger.
package validate

import (
	"fmt"
	"unicode/utf8"

	"turnline/internal/choices"
	"turnline/internal/domain"
	"turnline/internal/ledger"
)

// Validate runs every check and returns all violations; an empty result means
// the contract is valid. facts may be nil, in which case no contradiction
// check runs.
func Validate(c domain.TurnContract, facts map[string]any) []string {
	violations := Structural(c)
	violations = append(violations, Contradictions(c, facts)...)
	return violations
}

// Structural checks the choice menu. Checks are independent and never
// short-circuit.
func Structural(c domain.TurnContract) []string {
	var violations []string
	n := len(c.Choices)
	if n < choices.MinChoices || n > choices.MaxChoices {
		violations = append(violations, fmt.Sprintf("choices: expected %d-%d choices, got %d", choices.MinChoices, choices.MaxChoices, n))
	}

	seen := map[string]bool{}
	types := map[domain.IntentType]bool{}
	low, elevated := 0, 0
	for _, ch := range c.Choices {
		key := choices.FoldLabel(ch.Label)
		if seen[key] {
			violations = append(violations, fmt.Sprintf("choices: duplicate label %q", ch.Label))
		}
		seen[key] = true
		if l := utf8.RuneCountInString(ch.Label); l > choices.MaxLabelLength {
			violations = append(violations, fmt.Sprintf("choices: label %q exceeds %d characters (%d)", ch.ID, choices.MaxLabelLength, l))
		}
		if choices.IsPlaceholder(ch.Label) {
			violations = append(violations, fmt.Sprintf("choices: placeholder label %q", ch.Label))
		}
		types[ch.Intent.Type] = true
		switch ch.Risk {
		case domain.RiskLow:
			low++
		case domain.RiskMed, domain.RiskHigh:
			elevated++
		}
	}
	if len(types) < 2 {
		violations = append(violations, fmt.Sprintf("choices: expected at least 2 distinct intent types, got %d", len(types)))
	}
	if low == 0 {
		violations = append(violations, "choices: no low-risk choice")
	}
	if elevated == 0 {
		violations = append(violations, "choices: no med or high risk choice")
	}
	return violations
}

// Contradictions checks the contract's fact claims against a ledger snapshot.
func Contradictions(c domain.TurnContract, facts map[string]any) []string {
	if facts == nil {
		return nil
	}
	return ledger.ContradictionErrors(c.StateDelta.FactsUpsert, facts)
}
