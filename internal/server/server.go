package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"turnline/internal/app"
	"turnline/internal/dice"
	"turnline/internal/domain"
	"turnline/internal/ledger"
	"turnline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Workspace *app.Workspace
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"fact key is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the turnline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Workspace == nil {
		return nil, errors.New("server: workspace is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Workspace.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Turnline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{ws: cfg.Workspace, log: cfg.Workspace.Logger.Named("http")}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerCampaigns(group)
	h.registerTurns(group)
	h.registerFacts(group)
	h.registerEvents(group)
	h.registerChecks(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	ws  *app.Workspace
	log *zap.Logger
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ledger.ErrCampaignRequired),
		errors.Is(err, ledger.ErrFactKeyRequired),
		errors.Is(err, ledger.ErrEventTypeMissing):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	h.log.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Turnline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (mint one with tl token).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type campaignPath struct {
	CampaignID string `path:"campaign_id" minLength:"1"`
}

func (h handlers) registerCampaigns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body campaignsResponse `json:"body"`
	}, error) {
		items, err := h.ws.Repo.ListCampaigns(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		if items == nil {
			items = []domain.Campaign{}
		}
		return &struct {
			Body campaignsResponse `json:"body"`
		}{Body: campaignsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Get a campaign",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *campaignPath) (*struct {
		Body domain.Campaign `json:"body"`
	}, error) {
		c, err := h.ws.Repo.GetCampaign(ctx, input.CampaignID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Campaign `json:"body"`
		}{Body: c}, nil
	})
}

func (h handlers) registerTurns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "build-turn",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/turns",
		Summary:     "Build and finalize a turn contract",
		Description: "Structural problems in the input degrade to a valid fallback contract; only ledger failures return an error.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID string           `path:"campaign_id" minLength:"1"`
		Body       BuildTurnRequest `json:"body"`
	}) (*struct {
		Body domain.TurnContract `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := app.ResolveCampaign(ctx, h.ws.Repo, input.CampaignID, actorID); err != nil {
			return nil, h.handleError(err)
		}
		contract, err := h.ws.Engine.BuildTurn(ctx, input.Body.turnRequest(input.CampaignID, actorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.TurnContract `json:"body"`
		}{Body: contract}, nil
	})
}

func (h handlers) registerFacts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-facts",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/facts",
		Summary:     "List ledger facts",
	}, func(ctx context.Context, input *campaignPath) (*struct {
		Body factsResponse `json:"body"`
	}, error) {
		items, err := h.ws.Ledger.Records(ctx, input.CampaignID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if items == nil {
			items = []domain.FactRecord{}
		}
		return &struct {
			Body factsResponse `json:"body"`
		}{Body: factsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-facts",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/facts",
		Summary:     "Upsert ledger facts (last write wins)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID string             `path:"campaign_id" minLength:"1"`
		Body       UpsertFactsRequest `json:"body"`
	}) (*struct {
		Body factsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := app.ResolveCampaign(ctx, h.ws.Repo, input.CampaignID, actorID); err != nil {
			return nil, h.handleError(err)
		}
		if err := h.ws.Ledger.UpsertFacts(ctx, input.CampaignID, input.Body.TurnID, input.Body.Facts); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.ws.Ledger.Records(ctx, input.CampaignID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body factsResponse `json:"body"`
		}{Body: factsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "facts-summary",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/facts/summary",
		Summary:     "Most recently updated facts, newest first",
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id" minLength:"1"`
		Limit      int    `query:"limit" minimum:"0" doc:"Defaults to ledger.summary_limit"`
	}) (*struct {
		Body summaryResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = h.ws.Config.Ledger.SummaryLimit
		}
		lines, err := h.ws.Ledger.Summary(ctx, input.CampaignID, limit)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body summaryResponse `json:"body"`
		}{Body: summaryResponse{CampaignID: input.CampaignID, Lines: lines}}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/events",
		Summary:     "List recent ledger events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id" minLength:"1"`
		Type       string `query:"type"`
		TurnID     string `query:"turn_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.ws.Ledger.Events(ctx, ledger.EventFilter{
			CampaignID: input.CampaignID,
			Type:       input.Type,
			TurnID:     input.TurnID,
			Limit:      limit + 1,
			Cursor:     cursorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerChecks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-check",
		Method:      http.MethodPost,
		Path:        "/checks",
		Summary:     "Resolve a d20 skill check",
	}, func(ctx context.Context, input *struct {
		Body CheckRequest `json:"body"`
	}) (*struct {
		Body CheckResponse `json:"body"`
	}, error) {
		var seed int64
		if input.Body.Seed != nil {
			seed = *input.Body.Seed
		} else {
			var err error
			if seed, err = dice.NewSeed(); err != nil {
				return nil, h.handleError(err)
			}
		}
		outcome := dice.ResolveCheck(input.Body.checkConfig(), dice.NewSource(seed))
		return &struct {
			Body CheckResponse `json:"body"`
		}{Body: CheckResponse{Seed: seed, Outcome: outcome}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
