package engine

import (
	"context"
	"encoding/json"
	"testing"

	"turnline/internal/choices"
	"turnline/internal/config"
	"turnline/internal/domain"
	"turnline/internal/validate"
)

func brokenMenu([]domain.Choice, choices.Options) []domain.Choice {
	return []domain.Choice{{ID: "x", Label: "Wait", Intent: domain.Intent{Type: domain.IntentTalk}, Risk: domain.RiskLow}}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRepairRevertsMechanicalMutation(t *testing.T) {
	mech := &domain.MechanicsResult{ActionType: "sneak", Success: new(bool), TimeCostMinutes: 12, Flags: map[string]any{"noise": 3}}
	wantOutcome, wantDelta := Derive(mech)

	eng := New(nil, config.Default(), nil)
	eng.sanitize = brokenMenu
	eng.repair = func(c *domain.TurnContract, opts choices.Options) {
		c.Outcome.Category = domain.CritSuccess
		c.Outcome.Tags = append(c.Outcome.Tags, "tampered")
		c.StateDelta.TimeMinutes = 99
		c.StateDelta.Counters["noise"] = 0
		c.Choices = choices.Sanitize(c.Choices, opts)
	}
	c, err := eng.BuildTurn(context.Background(), TurnRequest{CampaignID: "camp", TurnNo: 3, Mechanics: mech})
	if err != nil {
		t.Fatal(err)
	}
	if c.Debug.RepairCount != 1 || !c.Debug.Repaired || c.Debug.Fallback {
		t.Fatalf("unexpected debug %+v", c.Debug)
	}
	if len(c.Debug.InitialErrors) == 0 || len(c.Debug.ValidationErrors) != 0 {
		t.Fatalf("unexpected errors %+v", c.Debug)
	}
	if got, want := mustJSON(t, c.Outcome), mustJSON(t, wantOutcome); got != want {
		t.Fatalf("outcome changed by repair:\n got %s\nwant %s", got, want)
	}
	if got, want := mustJSON(t, c.StateDelta), mustJSON(t, wantDelta); got != want {
		t.Fatalf("state delta changed by repair:\n got %s\nwant %s", got, want)
	}
}

func TestRepairKeepsMechanicsByteIdentical(t *testing.T) {
	roll, diff := 9, 10
	mech := &domain.MechanicsResult{ActionType: "FORCE", Roll: &roll, Difficulty: &diff, OutcomeSummary: "The hinge holds."}
	wantOutcome, wantDelta := Derive(mech)

	calls := 0
	eng := New(nil, nil, nil)
	eng.sanitize = func(in []domain.Choice, opts choices.Options) []domain.Choice {
		calls++
		if calls == 1 {
			return brokenMenu(in, opts)
		}
		return choices.Sanitize(in, opts)
	}
	c, err := eng.BuildTurn(context.Background(), TurnRequest{TurnNo: 2, Mechanics: mech})
	if err != nil {
		t.Fatal(err)
	}
	if c.Debug.RepairCount != 1 {
		t.Fatalf("expected one repair, got %d", c.Debug.RepairCount)
	}
	if mustJSON(t, c.Outcome) != mustJSON(t, wantOutcome) || mustJSON(t, c.StateDelta) != mustJSON(t, wantDelta) {
		t.Fatalf("mechanics not preserved")
	}
	if c.Outcome.Category != domain.Fail {
		t.Fatalf("roll 9 vs 10 should fail, got %s", c.Outcome.Category)
	}
}

func TestFallbackAfterTwoFailedRepairs(t *testing.T) {
	for _, companions := range []bool{false, true} {
		eng := New(nil, config.Default(), nil)
		eng.sanitize = func([]domain.Choice, choices.Options) []domain.Choice { return nil }
		c, err := eng.BuildTurn(context.Background(), TurnRequest{
			TurnNo:        4,
			HasCompanions: companions,
			Meta:          domain.TurnMeta{ActiveObjectives: []domain.Objective{{ID: "obj-1"}}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if c.Debug.RepairCount != 2 || !c.Debug.Fallback {
			t.Fatalf("expected fallback after 2 repairs, got %+v", c.Debug)
		}
		if c.DisplayText != config.Default().Contract.FallbackText {
			t.Fatalf("fallback text not applied: %q", c.DisplayText)
		}
		if len(c.Choices) < 2 || len(c.Choices) > 3 {
			t.Fatalf("fallback menu size %d", len(c.Choices))
		}
		if v := validate.Validate(c, nil); len(v) != 0 {
			t.Fatalf("fallback contract invalid: %v", v)
		}
		if len(c.Debug.ValidationErrors) != 0 {
			t.Fatalf("unexpected final errors %v", c.Debug.ValidationErrors)
		}
	}
}

func TestFallbackKeepsDisplayText(t *testing.T) {
	eng := New(nil, nil, nil)
	eng.sanitize = func([]domain.Choice, choices.Options) []domain.Choice { return nil }
	c, err := eng.BuildTurn(context.Background(), TurnRequest{DisplayText: "Smoke fills the hall."})
	if err != nil {
		t.Fatal(err)
	}
	if c.DisplayText != "Smoke fills the hall." {
		t.Fatalf("display text replaced: %q", c.DisplayText)
	}
}

func TestDeriveNarration(t *testing.T) {
	outcome, delta := Derive(nil)
	if outcome.Category != domain.Partial || delta.TimeMinutes != 1 {
		t.Fatalf("unexpected narration %+v %+v", outcome, delta)
	}
	if outcome.Consequences == nil || delta.FactsUpsert == nil || delta.RelationshipDelta == nil {
		t.Fatalf("collections must be non-nil for stable serialization")
	}
}

func TestTurnIDIsStable(t *testing.T) {
	if TurnID("camp", 3) != TurnID("camp", 3) || TurnID("camp", 3) == TurnID("camp", 4) {
		t.Fatalf("turn ids not stable per campaign turn")
	}
}
