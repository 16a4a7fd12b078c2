package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"bot not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pulseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Pulseline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBots(group, cfg.Engine)
	registerContent(group, cfg.Engine)
	registerIntents(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrDuplicateIntent):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "canceled", "request canceled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	render := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		applyAuthSecurity(oas, basePath)
		b, _ := json.Marshal(oas)
		return b
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(render())
	})
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
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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

func registerBots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bots",
		Method:      http.MethodGet,
		Path:        "/bots",
		Summary:     "List bots",
	}, func(ctx context.Context, input *struct {
		Persona    string `query:"persona" enum:"enthusiast,casual,supportive,lurker"`
		ActiveOnly bool   `query:"active"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Bot `json:"body"`
	}, error) {
		bots, err := e.Repo.ListBots(ctx, repo.BotFilter{
			Persona:    domain.Persona(input.Persona),
			ActiveOnly: input.ActiveOnly,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if bots == nil {
			bots = []domain.Bot{}
		}
		return &struct {
			Body []domain.Bot `json:"body"`
		}{Body: bots}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-bot",
		Method:        http.MethodPost,
		Path:          "/bots",
		Summary:       "Create a bot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateBotRequest `json:"body"`
	}) (*struct {
		Body domain.Bot `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req := input.Body
		b, err := e.CreateBot(ctx, engine.BotCreateOptions{
			ID:              req.ID,
			Handle:          req.Handle,
			Persona:         domain.Persona(req.Persona),
			PreferredHours:  req.PreferredHours,
			ActiveDays:      req.ActiveDays,
			EngagementStyle: req.EngagementStyle,
			DailyLimit:      req.DailyEngagementLimit,
			Inactive:        req.Inactive,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bot",
		Method:      http.MethodGet,
		Path:        "/bots/{id}",
		Summary:     "Get a bot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bot `json:"body"`
	}, error) {
		b, err := e.Repo.GetBot(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-bot",
		Method:      http.MethodPatch,
		Path:        "/bots/{id}",
		Summary:     "Update a bot",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateBotRequest `json:"body"`
	}) (*struct {
		Body domain.Bot `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req := input.Body
		opts := engine.BotUpdateOptions{
			ID:              input.ID,
			PreferredHours:  req.PreferredHours,
			ActiveDays:      req.ActiveDays,
			EngagementStyle: req.EngagementStyle,
			DailyLimit:      req.DailyEngagementLimit,
			Active:          req.IsActive,
			ActorID:         actorID,
		}
		if req.Persona != nil {
			p := domain.Persona(*req.Persona)
			opts.Persona = &p
		}
		b, err := e.UpdateBot(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bot `json:"body"`
		}{Body: b}, nil
	})
}

func registerContent(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-content",
		Method:        http.MethodPost,
		Path:          "/content",
		Summary:       "Register published content for planning",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body AddContentRequest `json:"body"`
	}) (*struct {
		Body domain.Content `json:"body"`
	}, error) {
		req := input.Body
		c := domain.Content{ID: req.ID, Type: domain.TargetType(req.Type), AuthorID: req.AuthorID}
		if req.CreatedAt != nil {
			c.CreatedAt = *req.CreatedAt
		}
		c, err := e.AddContent(ctx, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Content `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-boost",
		Method:      http.MethodPut,
		Path:        "/content/{type}/{id}/boost",
		Summary:     "Create or replace a curation boost",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string          `path:"type" enum:"Post,Project"`
		ID   string          `path:"id"`
		Body SetBoostRequest `json:"body"`
	}) (*struct {
		Body domain.CuratedContentBoost `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		b, err := e.SetBoost(ctx, domain.CuratedContentBoost{
			ContentType:          domain.TargetType(input.Type),
			ContentID:            input.ID,
			Priority:             input.Body.Priority,
			EngagementMultiplier: input.Body.EngagementMultiplier,
			ExpiresAt:            input.Body.ExpiresAt,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CuratedContentBoost `json:"body"`
		}{Body: b}, nil
	})
}

func registerIntents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List engagement intents",
	}, func(ctx context.Context, input *struct {
		BotID     string `query:"bot_id"`
		ContentID string `query:"content_id"`
		Status    string `query:"status" enum:"pending,scheduled,executed,failed,skipped"`
		Type      string `query:"type" enum:"like,comment,repost,quote,follow,bookmark"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body IntentList `json:"body"`
	}, error) {
		items, err := e.Repo.ListIntents(ctx, repo.IntentFilter{
			BotID:     input.BotID,
			ContentID: input.ContentID,
			Status:    domain.IntentStatus(input.Status),
			Type:      domain.EngagementType(input.Type),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountIntentsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.EngagementIntent{}
		}
		return &struct {
			Body IntentList `json:"body"`
		}{Body: IntentList{Items: items, Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{id}",
		Summary:     "Get an engagement intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.EngagementIntent `json:"body"`
	}, error) {
		it, err := e.Repo.GetIntent(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EngagementIntent `json:"body"`
		}{Body: it}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Current engagement settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		s, err := e.CurrentSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPatch,
		Path:        "/settings",
		Summary:     "Change engagement settings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpdateSettingsRequest `json:"body"`
	}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, err := e.CurrentSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		input.Body.apply(&s)
		s, err = e.UpdateSettings(ctx, s, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: s}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Plan engagement for recent and boosted content",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ScanReport `json:"body"`
	}, error) {
		if _, aerr := actorIDFromContext(ctx); aerr != nil {
			return nil, aerr
		}
		rep, err := e.ScanContent(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScanReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Execute due engagement intents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.DispatchReport `json:"body"`
	}, error) {
		if _, aerr := actorIDFromContext(ctx); aerr != nil {
			return nil, aerr
		}
		rep, err := e.DispatchDue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DispatchReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-quota",
		Method:      http.MethodPost,
		Path:        "/quota/reset",
		Summary:     "Reset every bot's daily engagement counter",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QuotaResetResponse `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		n, err := e.ResetDaily(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResetResponse `json:"body"`
		}{Body: QuotaResetResponse{BotsReset: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
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

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
