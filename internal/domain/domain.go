package domain

import (
	"maps"
	"slices"
)

type IntentType string

const (
	IntentTalk        IntentType = "TALK"
	IntentMove        IntentType = "MOVE"
	IntentFight       IntentType = "FIGHT"
	IntentSneak       IntentType = "SNEAK"
	IntentHack        IntentType = "HACK"
	IntentInvestigate IntentType = "INVESTIGATE"
	IntentRest        IntentType = "REST"
	IntentBuy         IntentType = "BUY"
	IntentUseItem     IntentType = "USE_ITEM"
	IntentForce       IntentType = "FORCE"
)

// IntentTypes lists the closed set of intent types in declaration order.
var IntentTypes = []IntentType{
	IntentTalk, IntentMove, IntentFight, IntentSneak, IntentHack,
	IntentInvestigate, IntentRest, IntentBuy, IntentUseItem, IntentForce,
}

type Risk string

const (
	RiskLow  Risk = "low"
	RiskMed  Risk = "med"
	RiskHigh Risk = "high"
)

type OutcomeCategory string

const (
	CritFail    OutcomeCategory = "CRIT_FAIL"
	Fail        OutcomeCategory = "FAIL"
	Partial     OutcomeCategory = "PARTIAL"
	Success     OutcomeCategory = "SUCCESS"
	CritSuccess OutcomeCategory = "CRIT_SUCCESS"
)

// Intent is the normalized action a Choice triggers. Treat it as read-only once
// it is attached to a Choice; use Clone before changing params.
type Intent struct {
	Type         IntentType        `json:"intent_type" enum:"TALK,MOVE,FIGHT,SNEAK,HACK,INVESTIGATE,REST,BUY,USE_ITEM,FORCE"`
	TargetRefs   map[string]string `json:"target_refs"`
	Params       map[string]any    `json:"params"`
	RawUtterance string            `json:"raw_utterance,omitempty"`
}

func (i Intent) Clone() Intent {
	out := i
	out.TargetRefs = make(map[string]string, len(i.TargetRefs))
	for k, v := range i.TargetRefs {
		out.TargetRefs[k] = v
	}
	out.Params = make(map[string]any, len(i.Params))
	for k, v := range i.Params {
		out.Params[k] = v
	}
	return out
}

type Cost struct {
	TimeMinutes int  `json:"time_minutes" minimum:"0"`
	Credits     *int `json:"credits,omitempty"`
	Fatigue     *int `json:"fatigue,omitempty"`
	Heat        *int `json:"heat,omitempty"`
}

type Choice struct {
	ID     string `json:"id"`
	Label  string `json:"label" maxLength:"80"`
	Intent Intent `json:"intent"`
	Risk   Risk   `json:"risk" enum:"low,med,high"`
	Cost   Cost   `json:"cost"`
}

type Check struct {
	Skill      string         `json:"skill"`
	Difficulty int            `json:"difficulty"`
	Roll       int            `json:"roll"`
	Rolls      []int          `json:"rolls,omitempty"`
	Total      int            `json:"total"`
	Modifiers  map[string]int `json:"modifiers"`
}

// Outcome is the mechanical result of the turn just resolved.
type Outcome struct {
	Category     OutcomeCategory `json:"category" enum:"CRIT_FAIL,FAIL,PARTIAL,SUCCESS,CRIT_SUCCESS"`
	Check        *Check          `json:"check,omitempty"`
	Consequences []string        `json:"consequences"`
	Tags         []string        `json:"tags"`
}

// Clone deep-copies the outcome, preserving nil versus empty collections.
func (o Outcome) Clone() Outcome {
	out := o
	if o.Check != nil {
		c := *o.Check
		c.Rolls = slices.Clone(o.Check.Rolls)
		c.Modifiers = maps.Clone(o.Check.Modifiers)
		out.Check = &c
	}
	out.Consequences = slices.Clone(o.Consequences)
	out.Tags = slices.Clone(o.Tags)
	return out
}

type Fact struct {
	Key   string `json:"fact_key"`
	Value any    `json:"fact_value"`
}

type StateDelta struct {
	TimeMinutes       int            `json:"time_minutes"`
	RelationshipDelta map[string]int `json:"relationship_delta"`
	FactsUpsert       []Fact         `json:"facts_upsert"`
	Counters          map[string]int `json:"counters,omitempty"`
}

// Clone copies the delta. Fact values are shared, not deep-copied.
func (d StateDelta) Clone() StateDelta {
	out := d
	out.RelationshipDelta = maps.Clone(d.RelationshipDelta)
	out.FactsUpsert = slices.Clone(d.FactsUpsert)
	out.Counters = maps.Clone(d.Counters)
	return out
}

type Debug struct {
	ValidationErrors []string `json:"validation_errors"`
	InitialErrors    []string `json:"initial_errors,omitempty"`
	Repaired         bool     `json:"repaired"`
	RepairCount      int      `json:"repair_count"`
	Fallback         bool     `json:"fallback,omitempty"`
}

// TurnContract is the single validated record handed to renderers and persistence.
type TurnContract struct {
	Mode        string     `json:"mode"`
	CampaignID  string     `json:"campaign_id"`
	TurnID      string     `json:"turn_id"`
	DisplayText string     `json:"display_text"`
	SceneGoal   string     `json:"scene_goal,omitempty"`
	Obstacle    string     `json:"obstacle,omitempty"`
	Stakes      string     `json:"stakes,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	StateDelta  StateDelta `json:"state_delta"`
	Choices     []Choice   `json:"choices"`
	Meta        TurnMeta   `json:"meta"`
	Debug       Debug      `json:"debug"`
}

// MechanicsResult is the raw resolver output for the turn just played.
type MechanicsResult struct {
	ActionType             string         `json:"action_type" required:"false"`
	Success                *bool          `json:"success,omitempty"`
	Roll                   *int           `json:"roll,omitempty"`
	Difficulty             *int           `json:"difficulty,omitempty"`
	OutcomeSummary         string         `json:"outcome_summary,omitempty"`
	TimeCostMinutes        int            `json:"time_cost_minutes" required:"false"`
	CompanionAffinityDelta map[string]int `json:"companion_affinity_delta,omitempty"`
	Flags                  map[string]any `json:"flags,omitempty"`
}

// ProposedAction is an untrusted upstream suggestion for the next turn.
type ProposedAction struct {
	Label      string `json:"label" required:"false" nullable:"true"`
	IntentText string `json:"intent_text,omitempty"`
	Category   string `json:"category,omitempty"`
	RiskLevel  string `json:"risk_level,omitempty"`
}

type Objective struct {
	ID          string `json:"objective_id" required:"false" nullable:"true"`
	Description string `json:"description,omitempty"`
}

type TurnMeta struct {
	SceneID          string         `json:"scene_id,omitempty"`
	BeatsRemaining   int            `json:"beats_remaining" required:"false"`
	ActiveObjectives []Objective    `json:"active_objectives" required:"false"`
	Alignment        string         `json:"alignment,omitempty"`
	Reputations      map[string]int `json:"reputations,omitempty"`
	PassageID        string         `json:"passage_id,omitempty"`
}

// FactRecord is one ledger row per (campaign, key).
type FactRecord struct {
	CampaignID   string `json:"campaign_id"`
	Key          string `json:"fact_key"`
	Value        any    `json:"fact_value"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
	SourceTurnID string `json:"source_turn_id"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CampaignID string `json:"campaign_id"`
	TurnID     string `json:"turn_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Campaign struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
