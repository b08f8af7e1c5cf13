package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"turnline/internal/domain"
	"turnline/internal/events"
	"turnline/internal/ledger"
)

// Repo is the SQLite storage behind the truth ledger.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

var _ ledger.Store = Repo{}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (r Repo) writer() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.Now
	}
	return w
}

// EnsureCampaign returns the campaign, creating it when missing. created
// reports whether a row was inserted.
func (r Repo) EnsureCampaign(ctx context.Context, id, description, actorID string) (c domain.Campaign, created bool, err error) {
	if strings.TrimSpace(id) == "" {
		return domain.Campaign{}, false, ledger.ErrCampaignRequired
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, false, err
	}
	defer tx.Rollback()
	c, err = getCampaign(ctx, tx, id)
	if err == nil {
		return c, false, tx.Commit()
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Campaign{}, false, err
	}
	c = domain.Campaign{ID: id, Status: "active", Description: description, CreatedAt: r.now()}
	if _, err := tx.ExecContext(ctx, `INSERT INTO campaigns(id,status,description,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Status, nullable(c.Description), c.CreatedAt); err != nil {
		return domain.Campaign{}, false, fmt.Errorf("insert campaign: %w", err)
	}
	if err := r.writer().Append(ctx, tx, events.CampaignCreated, c.ID, "", actorID, events.Payload{"status": c.Status}); err != nil {
		return domain.Campaign{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()
	return getCampaign(ctx, tx, id)
}

func getCampaign(ctx context.Context, tx *sql.Tx, id string) (domain.Campaign, error) {
	var c domain.Campaign
	var desc sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,status,description,created_at FROM campaigns WHERE id=?`, id).
		Scan(&c.ID, &c.Status, &desc, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM campaigns ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertFacts writes facts last-write-wins and appends an audit event in the
// same transaction. Later entries in facts win over earlier ones.
func (r Repo) UpsertFacts(ctx context.Context, campaignID, turnID string, facts []domain.Fact) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM facts WHERE campaign_id=?`, campaignID).Scan(&seq); err != nil {
		return fmt.Errorf("read fact sequence: %w", err)
	}
	now := r.now()
	keys := make([]string, 0, len(facts))
	for _, f := range facts {
		value, err := json.Marshal(f.Value)
		if err != nil {
			return fmt.Errorf("marshal fact %s: %w", f.Key, err)
		}
		seq++
		_, err = tx.ExecContext(ctx, `INSERT INTO facts(campaign_id,fact_key,value_json,updated_at,source_turn_id,seq) VALUES (?,?,?,?,?,?)
ON CONFLICT(campaign_id,fact_key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at, source_turn_id=excluded.source_turn_id, seq=excluded.seq`,
			campaignID, f.Key, string(value), now, turnID, seq)
		if err != nil {
			return fmt.Errorf("upsert fact %s: %w", f.Key, err)
		}
		keys = append(keys, f.Key)
	}
	if err := r.writer().Append(ctx, tx, events.FactsUpserted, campaignID, turnID, "", events.Payload{"keys": keys}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) AppendEvent(ctx context.Context, campaignID, turnID string, e ledger.Entry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.writer().Append(ctx, tx, e.Type, campaignID, turnID, e.ActorID, e.Payload); err != nil {
		return err
	}
	return tx.Commit()
}

const factColumns = `campaign_id,fact_key,value_json,updated_at,source_turn_id`

func (r Repo) ListFacts(ctx context.Context, campaignID string) ([]domain.FactRecord, error) {
	return r.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE campaign_id=? ORDER BY fact_key ASC`, campaignID)
}

// RecentFacts returns the most recently written facts first.
func (r Repo) RecentFacts(ctx context.Context, campaignID string, limit int) ([]domain.FactRecord, error) {
	return r.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE campaign_id=? ORDER BY seq DESC, fact_key ASC LIMIT ?`, campaignID, limit)
}

func (r Repo) queryFacts(ctx context.Context, query string, args ...any) ([]domain.FactRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FactRecord
	for rows.Next() {
		var rec domain.FactRecord
		var value string
		if err := rows.Scan(&rec.CampaignID, &rec.Key, &value, &rec.UpdatedAt, &rec.SourceTurnID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(value), &rec.Value); err != nil {
			return nil, fmt.Errorf("decode fact %s: %w", rec.Key, err)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListEvents returns events newest first, starting below the cursor id when set.
func (r Repo) ListEvents(ctx context.Context, f ledger.EventFilter) ([]domain.Event, error) {
	clauses := []string{"campaign_id=?"}
	args := []any{f.CampaignID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TurnID != "" {
		clauses = append(clauses, "turn_id=?")
		args = append(args, f.TurnID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT id,ts,type,campaign_id,COALESCE(turn_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, campaignID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if campaignID != "" {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, campaignID)
	}
	query := `SELECT id,ts,type,campaign_id,COALESCE(turn_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CampaignID, &e.TurnID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
