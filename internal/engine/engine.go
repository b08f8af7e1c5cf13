package engine

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"turnline/internal/choices"
	"turnline/internal/config"
	"turnline/internal/dice"
	"turnline/internal/domain"
	"turnline/internal/events"
	"turnline/internal/ledger"
	"turnline/internal/validate"
)

const (
	// ModeFreeform is the default turn mode: choices come from proposals.
	ModeFreeform = "freeform"

	maxRepairs          = 2
	fallbackChoices     = 3
	defaultFallbackText = "The moment hangs. What do you do?"
)

// Engine builds turn contracts. It holds no per-turn state; callers must
// serialize turns per campaign.
type Engine struct {
	Ledger *ledger.Ledger
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time

	// sanitize and repair are swapped in tests to exercise the repair and
	// fallback paths.
	sanitize func([]domain.Choice, choices.Options) []domain.Choice
	repair   func(*domain.TurnContract, choices.Options)
}

func New(l *ledger.Ledger, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		Ledger: l,
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

// TurnRequest is everything upstream hands the builder for one turn.
type TurnRequest struct {
	CampaignID    string                  `json:"campaign_id"`
	TurnID        string                  `json:"turn_id,omitempty"` // derived from CampaignID and TurnNo when empty
	TurnNo        int                     `json:"turn_no"`
	Mode          string                  `json:"mode,omitempty"`
	DisplayText   string                  `json:"display_text"`
	SceneGoal     string                  `json:"scene_goal,omitempty"`
	Obstacle      string                  `json:"obstacle,omitempty"`
	Stakes        string                  `json:"stakes,omitempty"`
	Mechanics     *domain.MechanicsResult `json:"mechanics,omitempty"`
	Proposals     []domain.ProposedAction `json:"proposals"`
	Meta          domain.TurnMeta         `json:"meta"`
	HasCompanions bool                    `json:"has_companions,omitempty"`
	LedgerFacts   map[string]any          `json:"ledger_facts,omitempty"`
	ActorID       string                  `json:"-"`
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) sanitizer() func([]domain.Choice, choices.Options) []domain.Choice {
	if e.sanitize != nil {
		return e.sanitize
	}
	return choices.Sanitize
}

func (e Engine) repairer() func(*domain.TurnContract, choices.Options) {
	if e.repair != nil {
		return e.repair
	}
	sanitize := e.sanitizer()
	return func(c *domain.TurnContract, opts choices.Options) {
		c.Choices = sanitize(c.Choices, opts)
	}
}

func (e Engine) fallbackText() string {
	if e.Config != nil && strings.TrimSpace(e.Config.Contract.FallbackText) != "" {
		return e.Config.Contract.FallbackText
	}
	return defaultFallbackText
}

// TurnID derives the stable turn id for a campaign turn number.
func TurnID(campaignID string, turnNo int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", campaignID, turnNo))).String()
}

// BuildTurn runs BUILD, VALIDATE, up to two REPAIR passes, FALLBACK when
// needed, and FINALIZE. Structural problems never produce an error; ledger
// failures do, and nothing is written before FINALIZE.
func (e Engine) BuildTurn(ctx context.Context, req TurnRequest) (domain.TurnContract, error) {
	log := e.logger().With(zap.String("campaign_id", req.CampaignID), zap.Int("turn_no", req.TurnNo))

	facts, err := e.ledgerFacts(ctx, req)
	if err != nil {
		return domain.TurnContract{}, err
	}

	contract := e.build(req)
	opts := choices.Options{
		TurnNo:        req.TurnNo,
		HasCompanions: req.HasCompanions,
		ObjectiveID:   objectiveID(req.Meta),
	}

	initial := validate.Validate(contract, facts)
	violations := initial
	repairs := 0
	for len(validate.Structural(contract)) > 0 && repairs < maxRepairs {
		repairs++
		e.repairPass(&contract, opts, log)
		violations = validate.Validate(contract, facts)
		log.Warn("contract repaired", zap.Int("repair", repairs), zap.Strings("violations", violations))
	}

	fallback := false
	if len(validate.Structural(contract)) > 0 {
		fallback = true
		if strings.TrimSpace(contract.DisplayText) == "" {
			contract.DisplayText = e.fallbackText()
		}
		menu := choices.Sanitize(nil, opts)
		contract.Choices = menu[:min(fallbackChoices, len(menu))]
		violations = validate.Validate(contract, facts)
		log.Warn("contract fell back to synthetic menu", zap.Strings("violations", violations))
	}

	contract.Debug = domain.Debug{
		ValidationErrors: nonNil(violations),
		Repaired:         repairs > 0,
		RepairCount:      repairs,
		Fallback:         fallback,
	}
	if repairs > 0 || fallback {
		contract.Debug.InitialErrors = initial
	}

	if err := e.finalize(ctx, contract, req.ActorID); err != nil {
		return domain.TurnContract{}, err
	}
	log.Debug("contract finalized",
		zap.String("turn_id", contract.TurnID),
		zap.String("category", string(contract.Outcome.Category)),
		zap.Int("choices", len(contract.Choices)),
		zap.Int("repair_count", repairs))
	return contract, nil
}

// repairPass re-runs the sanitizer on the menu. Outcome and state delta are
// write-once for the turn: any change to them is reverted.
func (e Engine) repairPass(c *domain.TurnContract, opts choices.Options, log *zap.Logger) {
	outcome, delta := c.Outcome.Clone(), c.StateDelta.Clone()
	e.repairer()(c, opts)
	if cmp.Equal(outcome, c.Outcome) && cmp.Equal(delta, c.StateDelta) {
		return
	}
	log.Error("repair mutated mechanical fields; reverting",
		zap.String("outcome_diff", cmp.Diff(outcome, c.Outcome)),
		zap.String("state_delta_diff", cmp.Diff(delta, c.StateDelta)))
	c.Outcome, c.StateDelta = outcome, delta
}

func (e Engine) ledgerFacts(ctx context.Context, req TurnRequest) (map[string]any, error) {
	if req.LedgerFacts != nil || e.Ledger == nil || req.CampaignID == "" {
		return req.LedgerFacts, nil
	}
	return e.Ledger.GetFacts(ctx, req.CampaignID)
}

func (e Engine) build(req TurnRequest) domain.TurnContract {
	outcome, delta := Derive(req.Mechanics)
	turnID := req.TurnID
	if turnID == "" {
		turnID = TurnID(req.CampaignID, req.TurnNo)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeFreeform
	}
	opts := choices.Options{
		TurnNo:        req.TurnNo,
		HasCompanions: req.HasCompanions,
		ObjectiveID:   objectiveID(req.Meta),
	}
	menu := e.sanitizer()(choices.FromSuggestions(req.Proposals, req.TurnNo), opts)
	meta := req.Meta
	if meta.ActiveObjectives == nil {
		meta.ActiveObjectives = []domain.Objective{}
	}
	return domain.TurnContract{
		Mode:        mode,
		CampaignID:  req.CampaignID,
		TurnID:      turnID,
		DisplayText: req.DisplayText,
		SceneGoal:   req.SceneGoal,
		Obstacle:    req.Obstacle,
		Stakes:      req.Stakes,
		Outcome:     outcome,
		StateDelta:  delta,
		Choices:     menu,
		Meta:        meta,
	}
}

func (e Engine) finalize(ctx context.Context, c domain.TurnContract, actorID string) error {
	if e.Ledger == nil || c.CampaignID == "" {
		if len(c.StateDelta.FactsUpsert) > 0 {
			e.logger().Warn("facts not persisted: no ledger or campaign", zap.String("turn_id", c.TurnID))
		}
		return nil
	}
	if len(c.StateDelta.FactsUpsert) > 0 {
		if err := e.Ledger.UpsertFacts(ctx, c.CampaignID, c.TurnID, c.StateDelta.FactsUpsert); err != nil {
			return err
		}
		if len(c.Debug.ValidationErrors) > 0 {
			err := e.Ledger.RecordEvent(ctx, c.CampaignID, c.TurnID, ledger.Entry{
				Type:    events.ContractValidationFailed,
				ActorID: actorID,
				Payload: events.Payload{
					"errors":       c.Debug.ValidationErrors,
					"repair_count": c.Debug.RepairCount,
					"fallback":     c.Debug.Fallback,
				},
			})
			if err != nil {
				return err
			}
		}
	}
	if e.Config != nil && e.Config.Contract.AuditTurns {
		return e.Ledger.RecordEvent(ctx, c.CampaignID, c.TurnID, ledger.Entry{
			Type:    events.ContractFinalized,
			ActorID: actorID,
			Payload: events.Payload{
				"category":     c.Outcome.Category,
				"choices":      len(c.Choices),
				"repair_count": c.Debug.RepairCount,
				"fallback":     c.Debug.Fallback,
			},
		})
	}
	return nil
}

// Derive computes the turn's outcome and state delta from the mechanics
// result. A nil result is a narration-only turn.
func Derive(m *domain.MechanicsResult) (domain.Outcome, domain.StateDelta) {
	delta := domain.StateDelta{
		RelationshipDelta: map[string]int{},
		FactsUpsert:       []domain.Fact{},
	}
	if m == nil {
		delta.TimeMinutes = 1
		return domain.Outcome{
			Category:     domain.Partial,
			Consequences: []string{},
			Tags:         []string{"narration"},
		}, delta
	}

	outcome := domain.Outcome{Category: domain.Partial, Consequences: []string{}, Tags: []string{}}
	switch {
	case m.Roll != nil && m.Difficulty != nil:
		roll, difficulty := *m.Roll, *m.Difficulty
		outcome.Category = dice.Tier(roll, roll, difficulty)
		outcome.Check = &domain.Check{
			Skill:      strings.ToLower(m.ActionType),
			Difficulty: difficulty,
			Roll:       roll,
			Rolls:      []int{roll},
			Total:      roll,
			Modifiers:  map[string]int{},
		}
	case m.Success != nil && *m.Success:
		outcome.Category = domain.Success
	case m.Success != nil:
		outcome.Category = domain.Fail
	}
	if s := strings.TrimSpace(m.OutcomeSummary); s != "" {
		outcome.Consequences = append(outcome.Consequences, s)
	}
	if tag := strings.ToLower(strings.TrimSpace(m.ActionType)); tag != "" {
		outcome.Tags = append(outcome.Tags, tag)
	}

	delta.TimeMinutes = max(m.TimeCostMinutes, 0)
	if m.CompanionAffinityDelta != nil {
		delta.RelationshipDelta = maps.Clone(m.CompanionAffinityDelta)
	}
	keys := make([]string, 0, len(m.Flags))
	for k := range m.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m.Flags[k]
		if n, ok := asInt(v); ok {
			if delta.Counters == nil {
				delta.Counters = map[string]int{}
			}
			delta.Counters[k] = n
			continue
		}
		delta.FactsUpsert = append(delta.FactsUpsert, domain.Fact{Key: k, Value: v})
	}
	return outcome, delta
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt && n < math.MaxInt {
			return int(n), true
		}
	}
	return 0, false
}

func objectiveID(meta domain.TurnMeta) string {
	for _, o := range meta.ActiveObjectives {
		if o.ID != "" {
			return o.ID
		}
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
