package turnlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientBuildTurnSendsBearerAndPath(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody TurnInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"campaign_id":"c 1","turn_id":"t1","display_text":"Rain.","outcome":{"category":"PARTIAL","tags":["narration"]},"choices":[{"id":"c1","label":"Look","risk":"low","intent":{"intent_type":"INVESTIGATE"}}],"debug":{"validation_errors":[],"repaired":false,"repair_count":0}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "c 1")
	c.BearerToken = "tok"
	contract, err := c.BuildTurn(context.Background(), TurnInput{TurnID: "t1", DisplayText: "Rain."})
	if err != nil {
		t.Fatalf("build turn: %v", err)
	}
	if gotPath != "/v0/campaigns/c 1/turns" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.TurnID != "t1" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if contract.Outcome.Category != "PARTIAL" || len(contract.Choices) != 1 || contract.Choices[0].Intent.Type != "INVESTIGATE" {
		t.Fatalf("unexpected contract %+v", contract)
	}
}

func TestClientEventsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":3,"type":"ledger.facts_upserted","turn_id":"t1","actor_id":"gm","payload":{}}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "c1")
	page, err := c.Events(context.Background(), "ledger.facts_upserted", 1, "9")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if gotQuery != "cursor=9&limit=1&type=ledger.facts_upserted" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(page.Items) != 1 || page.Items[0].ID != 3 || page.NextCursor != "3" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestClientUpsertFactsSortsKeys(t *testing.T) {
	var body struct {
		TurnID string `json:"turn_id"`
		Facts  []Fact `json:"facts"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "c1")
	if _, err := c.UpsertFacts(context.Background(), "t2", map[string]any{"b": 1, "a": "x"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if body.TurnID != "t2" || len(body.Facts) != 2 || body.Facts[0].Key != "a" || body.Facts[1].Key != "b" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"campaign not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "missing")
	_, err := c.Summary(context.Background(), 5)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
}
