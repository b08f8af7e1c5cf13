package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"turnline/internal/app"
	"turnline/internal/config"
	"turnline/internal/domain"
	"turnline/internal/ledger"
	"turnline/internal/validate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	WS     *app.Workspace
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ws, err := app.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := New(Config{Workspace: ws, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		WS:     ws,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ws.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T, actorID string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/campaigns", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/campaigns", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(data))
	}
	other, err := SignToken("other-secret", "mallory", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/campaigns", nil, map[string]string{"Authorization": "Bearer " + other})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret accepted: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestBuildTurnCreatesCampaign(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "gm-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/campaigns/camp-1/turns", map[string]any{
		"turn_no":      5,
		"display_text": "The alarm starts to wail.",
		"proposals": []map[string]any{
			{"label": "Run for the exit", "intent_text": "retreat", "risk_level": "RISKY"},
			{"label": "run for the exit", "intent_text": "retreat", "risk_level": "RISKY"},
		},
		"meta": map[string]any{"active_objectives": []map[string]any{{"objective_id": "obj-escape"}}},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("build turn status %d: %s", res.StatusCode, string(data))
	}
	var contract domain.TurnContract
	if err := json.Unmarshal(data, &contract); err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	if contract.CampaignID != "camp-1" || len(contract.Choices) < 2 || len(contract.Choices) > 4 {
		t.Fatalf("unexpected contract %+v", contract)
	}
	if len(contract.Debug.ValidationErrors) != 0 {
		t.Fatalf("unexpected validation errors %v", contract.Debug.ValidationErrors)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/campaigns/camp-1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get campaign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/campaigns/missing", nil, headers)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not found, got %d %s", res.StatusCode, string(data))
	}
}

func TestBuildTurnAcceptsLooseProposals(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "gm-1")

	bodies := map[string]map[string]any{
		"missing label": {
			"proposals": []map[string]any{{"intent_text": "search the docks", "risk_level": "SAFE"}},
		},
		"null label": {
			"proposals": []map[string]any{{"label": nil, "intent_text": "attack the smugglers", "risk_level": "DANGEROUS"}},
		},
		"objective without id": {
			"proposals": []map[string]any{{"label": "Look around"}},
			"meta":      map[string]any{"active_objectives": []map[string]any{{"description": "x"}}},
		},
	}
	for name, body := range bodies {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/campaigns/camp-loose/turns", body, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d: %s", name, res.StatusCode, string(data))
		}
		var contract domain.TurnContract
		if err := json.Unmarshal(data, &contract); err != nil {
			t.Fatalf("%s: decode contract: %v", name, err)
		}
		if errs := validate.Structural(contract); len(errs) != 0 {
			t.Fatalf("%s: invalid menu %v", name, errs)
		}
	}
}

func TestFactsSummaryAndContradiction(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "gm-1")
	base := srv.URL + "/v0/campaigns/camp-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/facts", map[string]any{
		"turn_id": "t1",
		"facts":   []map[string]any{{"fact_key": "ally_alive", "fact_value": true}, {"fact_key": "credits", "fact_value": 40}},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert facts status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/facts", map[string]any{"turn_id": "t1", "facts": []any{}}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty facts, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/facts/summary?limit=1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var summary summaryResponse
	if err := json.Unmarshal(data, &summary); err != nil || len(summary.Lines) != 1 || summary.Lines[0] != "credits = 40 (turn t1)" {
		t.Fatalf("unexpected summary %+v %v", summary, err)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/turns", map[string]any{
		"turn_id":   "t2",
		"turn_no":   2,
		"mechanics": map[string]any{"action_type": "fight", "flags": map[string]any{"ally_alive": false}},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("build turn status %d: %s", res.StatusCode, string(data))
	}
	var contract domain.TurnContract
	if err := json.Unmarshal(data, &contract); err != nil {
		t.Fatal(err)
	}
	if len(contract.Debug.ValidationErrors) != 1 {
		t.Fatalf("expected one contradiction, got %v", contract.Debug.ValidationErrors)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?type=contract.validation_failed", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 || page.Items[0].ActorID != "gm-1" {
		t.Fatalf("unexpected events %+v %v", page, err)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "gm-1")
	ctx := context.Background()
	for _, typ := range []string{"note.a", "note.b", "note.c"} {
		if err := srv.WS.Ledger.RecordEvent(ctx, "camp-1", "t1", ledger.Entry{Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	base := srv.URL + "/v0/campaigns/camp-1/events"
	res, data := doJSON(t, client, http.MethodGet, base+"?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var first paginatedEvents
	if err := json.Unmarshal(data, &first); err != nil || len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("unexpected first page %+v %v", first, err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"?limit=2&cursor="+first.NextCursor, nil, headers)
	var second paginatedEvents
	if err := json.Unmarshal(data, &second); err != nil || len(second.Items) != 1 || second.Items[0].Type != "note.a" || second.NextCursor != "" {
		t.Fatalf("unexpected second page %d %+v %v", res.StatusCode, second, err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"?cursor=abc", nil, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad cursor rejection, got %d %s", res.StatusCode, string(data))
	}
}

func TestResolveCheckIsReproducible(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "gm-1")

	body := map[string]any{"skill": "Stealth", "difficulty": 12, "base_mod": 2, "advantage": true, "seed": 42}
	var outcomes []CheckResponse
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/checks", body, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("check status %d: %s", res.StatusCode, string(data))
		}
		var out CheckResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
		outcomes = append(outcomes, out)
	}
	a, b := outcomes[0].Outcome.Check, outcomes[1].Outcome.Check
	if a == nil || b == nil || a.Roll != b.Roll || a.Total != b.Total || outcomes[0].Outcome.Category != outcomes[1].Outcome.Category {
		t.Fatalf("seeded checks differ: %+v %+v", outcomes[0], outcomes[1])
	}
	if outcomes[0].Seed != 42 || len(a.Rolls) != 2 {
		t.Fatalf("unexpected check %+v", outcomes[0])
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	ws, err := app.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	var mu sync.Mutex
	var got []webhookEvent
	var signatures []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		got = append(got, evt)
		signatures = append(signatures, r.Header.Get(signatureHeader))
		mu.Unlock()
		if r.Header.Get(signatureHeader) != Sign("hook-secret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	ctx := context.Background()
	if err := ws.Ledger.RecordEvent(ctx, "camp-1", "", ledger.Entry{Type: "before.start"}); err != nil {
		t.Fatal(err)
	}
	d := newWebhookDispatcher(ws.Repo, []config.WebhookConfig{{
		URL:    receiver.URL,
		Events: []string{"ledger.facts_upserted"},
		Secret: "hook-secret",
	}}, nil)
	d.dispatchAll(ctx)

	if err := ws.Ledger.UpsertFacts(ctx, "camp-1", "t3", []domain.Fact{{Key: "door", Value: "open"}}); err != nil {
		t.Fatal(err)
	}
	if err := ws.Ledger.RecordEvent(ctx, "camp-1", "t3", ledger.Entry{Type: "ignored.type"}); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %+v", got)
	}
	if got[0].Type != "ledger.facts_upserted" || got[0].TurnID != "t3" || got[0].CampaignID != "camp-1" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if signatures[0] == "" {
		t.Fatalf("missing signature header")
	}
}

func TestSignTokenRoundTrip(t *testing.T) {
	token, err := SignToken(testSecret, "gm-2", time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	p, err := authenticateJWT(token, testSecret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p != (Principal{ActorID: "gm-2", Source: "jwt"}) {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := SignToken(testSecret, " ", time.Minute); err == nil {
		t.Fatalf("expected error for empty actor")
	}
}
