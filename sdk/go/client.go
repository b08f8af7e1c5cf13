package turnlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal turnline HTTP API client bound to one campaign.
type Client struct {
	BaseURL     string
	CampaignID  string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, campaignID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		CampaignID: campaignID,
		Timeout:    10 * time.Second,
	}
}

// ProposedAction is an upstream action suggestion.
type ProposedAction struct {
	Label      string `json:"label"`
	IntentText string `json:"intent_text,omitempty"`
	Category   string `json:"category,omitempty"`
	RiskLevel  string `json:"risk_level,omitempty"`
}

// Mechanics is the resolved mechanics result for the turn.
type Mechanics struct {
	ActionType             string         `json:"action_type,omitempty"`
	Success                *bool          `json:"success,omitempty"`
	Roll                   *int           `json:"roll,omitempty"`
	Difficulty             *int           `json:"difficulty,omitempty"`
	OutcomeSummary         string         `json:"outcome_summary,omitempty"`
	TimeCostMinutes        int            `json:"time_cost_minutes,omitempty"`
	CompanionAffinityDelta map[string]int `json:"companion_affinity_delta,omitempty"`
	Flags                  map[string]any `json:"flags,omitempty"`
}

// TurnInput is the body of a build-turn request.
type TurnInput struct {
	TurnID        string           `json:"turn_id,omitempty"`
	TurnNo        int              `json:"turn_no,omitempty"`
	Mode          string           `json:"mode,omitempty"`
	DisplayText   string           `json:"display_text,omitempty"`
	SceneGoal     string           `json:"scene_goal,omitempty"`
	Obstacle      string           `json:"obstacle,omitempty"`
	Stakes        string           `json:"stakes,omitempty"`
	Mechanics     *Mechanics       `json:"mechanics,omitempty"`
	Proposals     []ProposedAction `json:"proposals,omitempty"`
	Meta          map[string]any   `json:"meta,omitempty"`
	HasCompanions bool             `json:"has_companions,omitempty"`
}

// Choice represents a menu entry (partial).
type Choice struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Risk   string `json:"risk"`
	Intent struct {
		Type string `json:"intent_type"`
	} `json:"intent"`
}

// Contract represents a finalized turn contract (partial).
type Contract struct {
	CampaignID  string `json:"campaign_id"`
	TurnID      string `json:"turn_id"`
	DisplayText string `json:"display_text"`
	Outcome     struct {
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	} `json:"outcome"`
	Choices []Choice `json:"choices"`
	Debug   struct {
		ValidationErrors []string `json:"validation_errors"`
		Repaired         bool     `json:"repaired"`
		RepairCount      int      `json:"repair_count"`
	} `json:"debug"`
}

// Fact is a ledger fact with provenance.
type Fact struct {
	Key          string `json:"fact_key"`
	Value        any    `json:"fact_value"`
	UpdatedAt    string `json:"updated_at,omitempty"`
	SourceTurnID string `json:"source_turn_id,omitempty"`
}

// Event represents a ledger event.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TurnID  string         `json:"turn_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Check is a d20 check request.
type Check struct {
	Skill          string `json:"skill"`
	Difficulty     int    `json:"difficulty"`
	Advantage      bool   `json:"advantage,omitempty"`
	Disadvantage   bool   `json:"disadvantage,omitempty"`
	BaseMod        int    `json:"base_mod,omitempty"`
	SituationalMod int    `json:"situational_mod,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
}

// CheckResult is the resolved check with the seed used.
type CheckResult struct {
	Seed    int64 `json:"seed"`
	Outcome struct {
		Category string `json:"category"`
		Check    struct {
			Roll  int   `json:"roll"`
			Rolls []int `json:"rolls"`
			Total int   `json:"total"`
		} `json:"check"`
	} `json:"outcome"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BuildTurn builds and finalizes the next turn contract.
func (c *Client) BuildTurn(ctx context.Context, in TurnInput) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, c.campaignPath("turns"), in, &resp)
	return resp, err
}

// Facts lists the campaign's ledger facts.
func (c *Client) Facts(ctx context.Context) ([]Fact, error) {
	var resp struct {
		Items []Fact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.campaignPath("facts"), nil, &resp)
	return resp.Items, err
}

// UpsertFacts writes facts stamped with turnID.
func (c *Client) UpsertFacts(ctx context.Context, turnID string, facts map[string]any) ([]Fact, error) {
	list := make([]Fact, 0, len(facts))
	for k, v := range facts {
		list = append(list, Fact{Key: k, Value: v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	body := map[string]any{"turn_id": turnID, "facts": list}
	var resp struct {
		Items []Fact `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, c.campaignPath("facts"), body, &resp)
	return resp.Items, err
}

// Summary returns the limit most recently updated facts; limit 0 uses the
// server default.
func (c *Client) Summary(ctx context.Context, limit int) ([]string, error) {
	endpoint := c.campaignPath("facts/summary")
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Lines, err
}

// Events lists events newest first; pass NextCursor to page.
func (c *Client) Events(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.campaignPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveCheck resolves a d20 check on the server.
func (c *Client) ResolveCheck(ctx context.Context, check Check) (CheckResult, error) {
	var resp CheckResult
	err := c.do(ctx, http.MethodPost, "v0/checks", check, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) campaignPath(p string) string {
	campaign := url.PathEscape(c.CampaignID)
	return fmt.Sprintf("v0/campaigns/%s/%s", campaign, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
