// Package choices turns proposed actions into a bounded, balanced choice menu.
package choices

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"turnline/internal/domain"
	"turnline/internal/intent"
)

const (
	MinChoices     = 2
	MaxChoices     = 4
	MaxLabelLength = 80
)

type riskCost struct {
	minutes int
	fatigue int
	heat    int
}

var costByRisk = map[domain.Risk]riskCost{
	domain.RiskLow:  {minutes: 10},
	domain.RiskMed:  {minutes: 20, fatigue: 1},
	domain.RiskHigh: {minutes: 30, fatigue: 2, heat: 1},
}

// CostFor returns the standard cost of a choice at the given risk.
func CostFor(risk domain.Risk) domain.Cost {
	rc, ok := costByRisk[risk]
	if !ok {
		rc = costByRisk[domain.RiskMed]
	}
	cost := domain.Cost{TimeMinutes: rc.minutes}
	if rc.fatigue > 0 {
		cost.Fatigue = intPtr(rc.fatigue)
	}
	if rc.heat > 0 {
		cost.Heat = intPtr(rc.heat)
	}
	return cost
}

// MapRisk converts an upstream risk label into a risk tier.
func MapRisk(label string) domain.Risk {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "SAFE", "LOW":
		return domain.RiskLow
	case "RISKY", "MED", "MEDIUM":
		return domain.RiskMed
	case "DANGEROUS", "HIGH":
		return domain.RiskHigh
	default:
		return domain.RiskMed
	}
}

type defaultChoice struct {
	suffix string
	label  string
	typ    domain.IntentType
	risk   domain.Risk
}

var defaultMenu = []defaultChoice{
	{suffix: "investigate", label: "Search the area for leads", typ: domain.IntentInvestigate, risk: domain.RiskLow},
	{suffix: "talk", label: "Talk to someone nearby", typ: domain.IntentTalk, risk: domain.RiskLow},
	{suffix: "commit", label: "Force your way forward", typ: domain.IntentForce, risk: domain.RiskHigh},
}

// FromSuggestions builds choices from upstream proposals. An empty proposal
// list yields the default three-item menu; otherwise at most MaxChoices
// proposals are used, in order.
func FromSuggestions(proposals []domain.ProposedAction, turnNo int) []domain.Choice {
	if len(proposals) == 0 {
		return DefaultMenu(turnNo)
	}
	if len(proposals) > MaxChoices {
		proposals = proposals[:MaxChoices]
	}
	out := make([]domain.Choice, 0, len(proposals))
	for i, p := range proposals {
		label := strings.TrimSpace(p.Label)
		text := strings.TrimSpace(p.IntentText)
		if text == "" {
			text = label
		}
		if label == "" {
			label = text
		}
		in := intent.Infer(text)
		if c := strings.TrimSpace(p.Category); c != "" {
			in.Params["category"] = c
		}
		risk := MapRisk(p.RiskLevel)
		out = append(out, domain.Choice{
			ID:     fmt.Sprintf("t%d_c%d", turnNo, i),
			Label:  clampLabel(label),
			Intent: in,
			Risk:   risk,
			Cost:   CostFor(risk),
		})
	}
	return out
}

// DefaultMenu returns the fixed menu used when no proposals arrive.
func DefaultMenu(turnNo int) []domain.Choice {
	out := make([]domain.Choice, 0, len(defaultMenu))
	for _, d := range defaultMenu {
		out = append(out, domain.Choice{
			ID:    fmt.Sprintf("t%d_default_%s", turnNo, d.suffix),
			Label: d.label,
			Intent: domain.Intent{
				Type:       d.typ,
				TargetRefs: map[string]string{},
				Params:     map[string]any{"source": "default"},
			},
			Risk: d.risk,
			Cost: CostFor(d.risk),
		})
	}
	return out
}

func clampLabel(label string) string {
	if utf8.RuneCountInString(label) <= MaxLabelLength {
		return label
	}
	runes := []rune(label)
	return strings.TrimSpace(string(runes[:MaxLabelLength]))
}

func intPtr(v int) *int { return &v }
