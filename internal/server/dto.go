package server

import (
	"encoding/json"

	"turnline/internal/dice"
	"turnline/internal/domain"
	"turnline/internal/engine"
)

// Request payloads

type BuildTurnRequest struct {
	TurnID        string                  `json:"turn_id,omitempty"`
	TurnNo        int                     `json:"turn_no,omitempty" minimum:"0"`
	Mode          string                  `json:"mode,omitempty"`
	DisplayText   string                  `json:"display_text,omitempty"`
	SceneGoal     string                  `json:"scene_goal,omitempty"`
	Obstacle      string                  `json:"obstacle,omitempty"`
	Stakes        string                  `json:"stakes,omitempty"`
	Mechanics     *domain.MechanicsResult `json:"mechanics,omitempty"`
	Proposals     []domain.ProposedAction `json:"proposals,omitempty"`
	Meta          *domain.TurnMeta        `json:"meta,omitempty"`
	HasCompanions bool                    `json:"has_companions,omitempty"`
	LedgerFacts   map[string]any          `json:"ledger_facts,omitempty"`
}

type UpsertFactsRequest struct {
	TurnID string        `json:"turn_id" minLength:"1"`
	Facts  []domain.Fact `json:"facts" minItems:"1"`
}

type CheckRequest struct {
	Skill          string `json:"skill"`
	Difficulty     int    `json:"difficulty"`
	Advantage      bool   `json:"advantage,omitempty"`
	Disadvantage   bool   `json:"disadvantage,omitempty"`
	BaseMod        int    `json:"base_mod,omitempty"`
	SituationalMod int    `json:"situational_mod,omitempty"`
	Seed           *int64 `json:"seed,omitempty" doc:"Seed for a reproducible roll; drawn at random when omitted"`
}

// Response payloads

type CheckResponse struct {
	Seed    int64          `json:"seed"`
	Outcome domain.Outcome `json:"outcome"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CampaignID string         `json:"campaign_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type factsResponse struct {
	Items []domain.FactRecord `json:"items"`
}

type summaryResponse struct {
	CampaignID string   `json:"campaign_id"`
	Lines      []string `json:"lines"`
}

type campaignsResponse struct {
	Items []domain.Campaign `json:"items"`
}

// Conversion helpers

func (b BuildTurnRequest) turnRequest(campaignID, actorID string) engine.TurnRequest {
	req := engine.TurnRequest{
		CampaignID:    campaignID,
		TurnID:        b.TurnID,
		TurnNo:        b.TurnNo,
		Mode:          b.Mode,
		DisplayText:   b.DisplayText,
		SceneGoal:     b.SceneGoal,
		Obstacle:      b.Obstacle,
		Stakes:        b.Stakes,
		Mechanics:     b.Mechanics,
		Proposals:     b.Proposals,
		HasCompanions: b.HasCompanions,
		LedgerFacts:   b.LedgerFacts,
		ActorID:       actorID,
	}
	if b.Meta != nil {
		req.Meta = *b.Meta
	}
	return req
}

func (c CheckRequest) checkConfig() dice.CheckConfig {
	return dice.CheckConfig{
		Skill:          c.Skill,
		Difficulty:     c.Difficulty,
		Advantage:      c.Advantage,
		Disadvantage:   c.Disadvantage,
		BaseMod:        c.BaseMod,
		SituationalMod: c.SituationalMod,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CampaignID: e.CampaignID,
		TurnID:     e.TurnID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
