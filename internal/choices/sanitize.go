package choices

import (
	"fmt"
	"slices"
	"strings"

	"turnline/internal/domain"
)

const (
	clarifyLabel   = "Ask for clarifying intel"
	pushLabel      = "Commit to a high-stakes push"
	companionLabel = "Ask your companion for tactical input"

	paramObjective = "objective_id"
	paramAudience  = "audience"
	paramSource    = "source"
	refObjective   = "objective"
	refCompanion   = "companion"
)

// Intent types tried, in order, for the synthetic fills. The first type not
// already on the menu is used.
var (
	safeFillTypes  = []domain.IntentType{domain.IntentInvestigate, domain.IntentTalk, domain.IntentRest, domain.IntentMove}
	riskyFillTypes = []domain.IntentType{domain.IntentFight, domain.IntentForce, domain.IntentSneak, domain.IntentHack}
)

// Options carries the turn context the sanitizer needs.
type Options struct {
	TurnNo        int
	HasCompanions bool
	ObjectiveID   string
}

// Sanitize normalizes a choice menu. Each step is idempotent, so running
// Sanitize on its own output returns the same menu:
//
//  1. drop empty or placeholder labels, case-insensitive duplicate labels and
//     duplicate intent types (first occurrence wins);
//  2. add a low-risk clarifying choice if no low-risk choice remains;
//  3. add a high-risk push if no med/high choice remains;
//     fills take an intent type the menu does not have yet;
//  4. bind the active objective to the first choice if nothing references it;
//  5. add a companion prompt when companions are present and none is solicited;
//  6. cap the menu at MaxChoices.
//
// Synthetic choices displace the last expendable entry of a full menu rather
// than being cut by the cap. Input choices are never modified in place.
func Sanitize(in []domain.Choice, opts Options) []domain.Choice {
	out := make([]domain.Choice, 0, MaxChoices+1)
	labels := map[string]bool{}
	types := map[domain.IntentType]bool{}
	for _, c := range in {
		c.Label = clampLabel(strings.TrimSpace(c.Label))
		if IsPlaceholder(c.Label) {
			continue
		}
		key := FoldLabel(c.Label)
		if labels[key] || types[c.Intent.Type] {
			continue
		}
		labels[key] = true
		types[c.Intent.Type] = true
		out = append(out, c)
	}

	if !hasLowRisk(out) {
		out = makeRoom(out, opts, hasElevatedRisk)
		out = append(out, clarifyChoice(opts, labels, freshType(out, safeFillTypes)))
	}
	if !hasElevatedRisk(out) {
		out = makeRoom(out, opts, hasLowRisk)
		out = append(out, pushChoice(opts, labels, freshType(out, riskyFillTypes)))
	}
	if opts.ObjectiveID != "" && len(out) > 0 && !referencesObjective(out, opts.ObjectiveID) {
		out[0] = withObjective(out[0], opts.ObjectiveID)
	}
	if opts.HasCompanions && !solicitsCompanion(out) {
		out = makeRoom(out, opts, hasElevatedRisk)
		out = append(out, companionChoice(opts, labels))
	}
	if len(out) > MaxChoices {
		out = out[:MaxChoices]
	}
	return out
}

func clarifyChoice(opts Options, labels map[string]bool, typ domain.IntentType) domain.Choice {
	in := domain.Intent{
		Type:       typ,
		TargetRefs: map[string]string{},
		Params:     map[string]any{paramSource: "synthetic"},
	}
	if opts.ObjectiveID != "" {
		in.TargetRefs[refObjective] = opts.ObjectiveID
		in.Params[paramObjective] = opts.ObjectiveID
	}
	return domain.Choice{
		ID:     fmt.Sprintf("t%d_safe", opts.TurnNo),
		Label:  uniqueLabel(clarifyLabel, labels),
		Intent: in,
		Risk:   domain.RiskLow,
		Cost:   CostFor(domain.RiskLow),
	}
}

func pushChoice(opts Options, labels map[string]bool, typ domain.IntentType) domain.Choice {
	return domain.Choice{
		ID:    fmt.Sprintf("t%d_risky", opts.TurnNo),
		Label: uniqueLabel(pushLabel, labels),
		Intent: domain.Intent{
			Type:       typ,
			TargetRefs: map[string]string{},
			Params:     map[string]any{paramSource: "synthetic"},
		},
		Risk: domain.RiskHigh,
		Cost: CostFor(domain.RiskHigh),
	}
}

func companionChoice(opts Options, labels map[string]bool) domain.Choice {
	return domain.Choice{
		ID:    fmt.Sprintf("t%d_companion", opts.TurnNo),
		Label: uniqueLabel(companionLabel, labels),
		Intent: domain.Intent{
			Type:       domain.IntentTalk,
			TargetRefs: map[string]string{refCompanion: "active"},
			Params:     map[string]any{paramSource: "synthetic", paramAudience: refCompanion},
		},
		Risk: domain.RiskLow,
		Cost: CostFor(domain.RiskLow),
	}
}

// freshType returns the first preferred type not used on the menu.
func freshType(cs []domain.Choice, preferred []domain.IntentType) domain.IntentType {
	for _, t := range preferred {
		if !slices.ContainsFunc(cs, func(c domain.Choice) bool { return c.Intent.Type == t }) {
			return t
		}
	}
	return preferred[0]
}

// uniqueLabel returns label, suffixed when a kept choice already uses it, and
// records the result.
func uniqueLabel(label string, labels map[string]bool) string {
	candidate := label
	for n := 2; labels[FoldLabel(candidate)]; n++ {
		candidate = fmt.Sprintf("%s (%d)", label, n)
	}
	labels[FoldLabel(candidate)] = true
	return candidate
}

// makeRoom frees one slot on a full menu. It drops the last choice whose
// removal still satisfies keep and leaves the objective referenced.
func makeRoom(out []domain.Choice, opts Options, keep func([]domain.Choice) bool) []domain.Choice {
	if len(out) < MaxChoices {
		return out
	}
	for i := len(out) - 1; i >= 0; i-- {
		rest := make([]domain.Choice, 0, len(out)-1)
		rest = append(rest, out[:i]...)
		rest = append(rest, out[i+1:]...)
		if !keep(rest) {
			continue
		}
		if opts.ObjectiveID != "" && referencesObjective(out, opts.ObjectiveID) && !referencesObjective(rest, opts.ObjectiveID) {
			continue
		}
		return rest
	}
	return out[:len(out)-1]
}

func withObjective(c domain.Choice, objectiveID string) domain.Choice {
	c.Intent = c.Intent.Clone()
	c.Intent.Params[paramObjective] = objectiveID
	return c
}

func hasLowRisk(cs []domain.Choice) bool {
	for _, c := range cs {
		if c.Risk == domain.RiskLow {
			return true
		}
	}
	return false
}

func hasElevatedRisk(cs []domain.Choice) bool {
	for _, c := range cs {
		if c.Risk == domain.RiskMed || c.Risk == domain.RiskHigh {
			return true
		}
	}
	return false
}

func referencesObjective(cs []domain.Choice, objectiveID string) bool {
	for _, c := range cs {
		if v, ok := c.Intent.Params[paramObjective].(string); ok && v == objectiveID {
			return true
		}
		if c.Intent.TargetRefs[refObjective] == objectiveID {
			return true
		}
	}
	return false
}

func solicitsCompanion(cs []domain.Choice) bool {
	for _, c := range cs {
		if c.Intent.TargetRefs[refCompanion] != "" {
			return true
		}
		if v, ok := c.Intent.Params[paramAudience].(string); ok && v == refCompanion {
			return true
		}
		if strings.Contains(FoldLabel(c.Label), "companion") {
			return true
		}
	}
	return false
}
