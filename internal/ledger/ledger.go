// Package ledger is the per-campaign truth ledger: a last-write-wins fact
// table, an append-only event log and contradiction detection.
//
// Storage failures are returned unchanged in meaning (wrapped with context);
// fact integrity cannot be faked, so nothing here swallows a storage error.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"turnline/internal/domain"
	"turnline/internal/events"
)

var (
	ErrCampaignRequired = errors.New("campaign id is required")
	ErrFactKeyRequired  = errors.New("fact key is required")
	ErrEventTypeMissing = errors.New("event type is required")
)

// Entry is an event to append to a campaign's audit log.
type Entry struct {
	Type    string
	ActorID string
	Payload events.Payload
}

// Store is the storage collaborator the ledger reads and writes through.
type Store interface {
	UpsertFacts(ctx context.Context, campaignID, turnID string, facts []domain.Fact) error
	AppendEvent(ctx context.Context, campaignID, turnID string, e Entry) error
	ListFacts(ctx context.Context, campaignID string) ([]domain.FactRecord, error)
	RecentFacts(ctx context.Context, campaignID string, limit int) ([]domain.FactRecord, error)
	ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
}

type EventFilter struct {
	CampaignID string
	Type       string
	TurnID     string
	Limit      int
	// Cursor, when positive, returns events with smaller ids (older).
	Cursor int64
}

type Ledger struct {
	Store Store
}

func New(store Store) *Ledger {
	return &Ledger{Store: store}
}

// UpsertFacts writes facts last-write-wins per key, stamping turnID as source.
func (l *Ledger) UpsertFacts(ctx context.Context, campaignID, turnID string, facts []domain.Fact) error {
	if campaignID == "" {
		return ErrCampaignRequired
	}
	if len(facts) == 0 {
		return nil
	}
	for _, f := range facts {
		if strings.TrimSpace(f.Key) == "" {
			return ErrFactKeyRequired
		}
	}
	if err := l.Store.UpsertFacts(ctx, campaignID, turnID, facts); err != nil {
		return fmt.Errorf("upsert facts for campaign %s: %w", campaignID, err)
	}
	return nil
}

// RecordEvent appends an event to the campaign's audit trail.
func (l *Ledger) RecordEvent(ctx context.Context, campaignID, turnID string, e Entry) error {
	if campaignID == "" {
		return ErrCampaignRequired
	}
	if e.Type == "" {
		return ErrEventTypeMissing
	}
	if err := l.Store.AppendEvent(ctx, campaignID, turnID, e); err != nil {
		return fmt.Errorf("record event %s for campaign %s: %w", e.Type, campaignID, err)
	}
	return nil
}

// GetFacts returns the full fact snapshot for a campaign.
func (l *Ledger) GetFacts(ctx context.Context, campaignID string) (map[string]any, error) {
	if campaignID == "" {
		return nil, ErrCampaignRequired
	}
	records, err := l.Store.ListFacts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read facts for campaign %s: %w", campaignID, err)
	}
	out := make(map[string]any, len(records))
	for _, r := range records {
		out[r.Key] = r.Value
	}
	return out, nil
}

// Records returns the fact rows, including provenance, for a campaign.
func (l *Ledger) Records(ctx context.Context, campaignID string) ([]domain.FactRecord, error) {
	if campaignID == "" {
		return nil, ErrCampaignRequired
	}
	records, err := l.Store.ListFacts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read facts for campaign %s: %w", campaignID, err)
	}
	return records, nil
}

// Summary renders the limit most recently updated facts, newest first.
func (l *Ledger) Summary(ctx context.Context, campaignID string, limit int) ([]string, error) {
	if campaignID == "" {
		return nil, ErrCampaignRequired
	}
	if limit <= 0 {
		return []string{}, nil
	}
	records, err := l.Store.RecentFacts(ctx, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent facts for campaign %s: %w", campaignID, err)
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%s = %s (turn %s)", r.Key, render(r.Value), r.SourceTurnID))
	}
	return out, nil
}

// Events lists the campaign's audit events, newest first.
func (l *Ledger) Events(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.CampaignID == "" {
		return nil, ErrCampaignRequired
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return l.Store.ListEvents(ctx, f)
}

// ContradictionErrors reports each claim whose key already exists in facts
// with a different value. Claims that introduce new keys never contradict.
func ContradictionErrors(claims []domain.Fact, facts map[string]any) []string {
	var errs []string
	for _, claim := range claims {
		current, ok := facts[claim.Key]
		if !ok || SameValue(current, claim.Value) {
			continue
		}
		errs = append(errs, fmt.Sprintf("contradiction: fact %q is %s in ledger but contract claims %s",
			claim.Key, render(current), render(claim.Value)))
	}
	return errs
}

// SameValue compares two fact values after JSON normalisation, so an int
// claim matches the float64 the ledger decodes.
func SameValue(a, b any) bool {
	return cmp.Equal(normalize(a), normalize(b))
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func render(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
