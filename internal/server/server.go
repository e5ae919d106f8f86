package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"draftline/internal/admission"
	"draftline/internal/agent"
	"draftline/internal/app"
	"draftline/internal/completion"
	"draftline/internal/dispatch"
	"draftline/internal/domain"
	"draftline/internal/repo"
	"draftline/internal/routing"
	"draftline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_final"`
	Message string         `json:"message" example:"workflow is already at its final phase"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the single error envelope every route returns.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// GetHeaders lets huma write rate-limit headers on the error response.
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the Draftline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	a := cfg.App
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			items := make([]string, 0, len(errs))
			for _, e := range errs {
				items = append(items, e.Error())
			}
			details = map[string]any{"errors": items}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.Repo))
	hcfg := huma.DefaultConfig("Draftline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealthz(api, a.Dispatcher)
	registerProjects(group, a)
	registerWorkflow(group, a)
	registerDispatch(group, a)
	registerMe(group, a)
	registerMetrics(group, a)
	registerEvents(group, a)
	registerUsage(group, a)
	registerOpenAPI(router, api, basePath)

	startWebhookNotifier(a)

	return router, nil
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

func newAPIErrorWithHeaders(status int, code, message string, details map[string]any, headers http.Header) huma.StatusError {
	err := newAPIError(status, code, message, details).(*apiError)
	err.headers = headers
	return err
}

// handleError maps domain errors onto the wire taxonomy. Every route funnels
// failures through here so status codes stay consistent.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve dispatch.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var ite workflow.InvalidTransitionError
	if errors.As(err, &ite) {
		details := map[string]any{"to": ite.To}
		if ite.From != "" {
			details["from"] = ite.From
		}
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
	}
	if errors.Is(err, workflow.ErrAlreadyFinal) {
		return newAPIError(http.StatusConflict, "already_final", err.Error(), nil)
	}
	if errors.Is(err, workflow.ErrAlreadyFirst) {
		return newAPIError(http.StatusConflict, "already_first", err.Error(), nil)
	}
	var ie workflow.IntegrityError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusInternalServerError, "state_integrity", err.Error(), map[string]any{"active_count": ie.ActiveCount})
	}
	var ce admission.ConcurrencyError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusTooManyRequests, "concurrency_exceeded", err.Error(), map[string]any{"limit": ce.Limit})
	}
	var re admission.RateLimitError
	if errors.As(err, &re) {
		secs := int(math.Ceil(re.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return newAPIErrorWithHeaders(http.StatusTooManyRequests, "rate_limited", err.Error(),
			map[string]any{"limit": re.Limit, "retry_after_seconds": secs},
			http.Header{"Retry-After": []string{fmt.Sprintf("%d", secs)}})
	}
	var be admission.BudgetError
	if errors.As(err, &be) {
		return newAPIError(http.StatusTooManyRequests, "budget_exceeded", err.Error(),
			map[string]any{"budget_usd": be.Budget, "spent_usd": be.Spent, "remaining_usd": be.Remaining})
	}
	var tl agent.ContentTooLargeError
	if errors.As(err, &tl) {
		return newAPIError(http.StatusRequestEntityTooLarge, "content_too_large", err.Error(),
			map[string]any{"length": tl.Length, "max": tl.Max})
	}
	var rerr routing.Error
	if errors.As(err, &rerr) {
		details := map[string]any{"phase": rerr.Phase}
		if rerr.Variant != "" {
			details["agent"] = rerr.Variant
		}
		return newAPIError(http.StatusServiceUnavailable, "routing_unavailable", err.Error(), details)
	}
	var te dispatch.TimeoutError
	if errors.As(err, &te) {
		return newAPIError(http.StatusGatewayTimeout, "dispatch_timeout", err.Error(), nil)
	}
	var se completion.ServiceError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadGateway, "completion_unavailable", err.Error(),
			map[string]any{"upstream_status": se.StatusCode, "type": se.Type})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireProject loads the project and enforces that the principal owns it
// or carries the admin role.
func requireProject(ctx context.Context, r repo.Repo, projectID string) (domain.Project, Principal, huma.StatusError) {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.UserID == "" {
		return domain.Project{}, Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, principal, handleError(err)
	}
	if p.OwnerID != principal.UserID && !principal.IsAdmin() {
		return domain.Project{}, principal, newAPIError(http.StatusForbidden, "forbidden", "project belongs to another user", nil)
	}
	return p, principal, nil
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
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == "/healthz" {
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
    <title>Draftline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealthz(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Aggregated health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   dispatch.Health `json:"body"`
	}, error) {
		h := d.Health(ctx)
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		return &struct {
			Status int
			Body   dispatch.Health `json:"body"`
		}{Status: status, Body: h}, nil
	})
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := workflow.ProjectCreateOptions{
			OwnerID: userID,
			Title:   input.Body.Title,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Content != nil {
			opts.Content = *input.Body.Content
		}
		p, _, err := a.Workflow.InitProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List own projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Repo.ListProjectsByOwner(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, _, authErr := requireProject(ctx, a.Repo, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerWorkflow(api huma.API, a *app.App) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	type stateOutput struct {
		Body domain.WorkflowState `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "workflow-state",
		Method:      http.MethodGet,
		Path:        "/workflow/{project_id}/state",
		Summary:     "Workflow state",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *projectPath) (*stateOutput, error) {
		if _, _, authErr := requireProject(ctx, a.Repo, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		st, err := a.Workflow.GetState(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-transition",
		Method:      http.MethodPost,
		Path:        "/workflow/{project_id}/transition",
		Summary:     "Transition to a phase",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*stateOutput, error) {
		_, principal, authErr := requireProject(ctx, a.Repo, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := a.Workflow.Transition(ctx, workflow.TransitionOptions{
			ProjectID:      input.ProjectID,
			To:             input.Body.ToPhase,
			SkipValidation: input.Body.SkipValidation,
			ActorID:        principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-next",
		Method:      http.MethodPost,
		Path:        "/workflow/{project_id}/next",
		Summary:     "Advance to the next phase",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*stateOutput, error) {
		_, principal, authErr := requireProject(ctx, a.Repo, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := a.Workflow.Next(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-previous",
		Method:      http.MethodPost,
		Path:        "/workflow/{project_id}/previous",
		Summary:     "Step back to the previous phase",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*stateOutput, error) {
		_, principal, authErr := requireProject(ctx, a.Repo, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := a.Workflow.Previous(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-skip",
		Method:      http.MethodPost,
		Path:        "/workflow/{project_id}/skip",
		Summary:     "Skip ahead to a phase",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      SkipRequest `json:"body"`
	}) (*stateOutput, error) {
		_, principal, authErr := requireProject(ctx, a.Repo, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := a.Workflow.SkipTo(ctx, input.ProjectID, input.Body.TargetPhase, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-complete",
		Method:      http.MethodPost,
		Path:        "/workflow/{project_id}/complete",
		Summary:     "Complete the active phase and advance",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*stateOutput, error) {
		_, principal, authErr := requireProject(ctx, a.Repo, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := a.Workflow.Complete(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-progress",
		Method:      http.MethodGet,
		Path:        "/workflow/{project_id}/progress",
		Summary:     "Workflow progress",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		if _, _, authErr := requireProject(ctx, a.Repo, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		pr, err := a.Workflow.Progress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: pr}, nil
	})
}

func registerDispatch(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Run one agent request through the orchestrator",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
			http.StatusRequestEntityTooLarge,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body domain.AgentResponse `json:"body"`
	}, error) {
		_, principal, authErr := requireProject(ctx, a.Repo, input.Body.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := a.Dispatcher.ProcessRequest(ctx, domain.AgentRequest{
			UserID:         principal.UserID,
			ProjectID:      input.Body.ProjectID,
			ConversationID: input.Body.ConversationID,
			Content:        input.Body.Content,
			ContentType:    input.Body.ContentType,
			PriorContext:   input.Body.PriorContext,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentResponse `json:"body"`
		}{Body: *resp}, nil
	})
}

func registerMe(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "me-limits",
		Method:      http.MethodGet,
		Path:        "/me/limits",
		Summary:     "Admission snapshot for the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body admission.BudgetState `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body admission.BudgetState `json:"body"`
		}{Body: a.Guard.Snapshot(userID)}, nil
	})
}

func registerMetrics(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Dispatcher metrics snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body dispatch.Metrics `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body dispatch.Metrics `json:"body"`
		}{Body: a.Dispatcher.Metrics()}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events after a cursor",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		if input.ProjectID == "" {
			if !principal.IsAdmin() {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "project_id is required for non-admin callers", nil)
			}
		} else if _, _, authErr := requireProject(ctx, a.Repo, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		if limit > 200 {
			limit = 200
		}
		items, err := a.Repo.EventsAfter(ctx, limit, input.Cursor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: mapEvents(items)}
		if len(items) == limit {
			out.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: out}, nil
	})
}

func registerUsage(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "usage-report",
		Method:      http.MethodGet,
		Path:        "/usage",
		Summary:     "Usage aggregates by agent",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Agent     string `query:"agent"`
		Since     string `query:"since"`
		User      string `query:"user"`
	}) (*struct {
		Body []domain.UsageSummary `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		filter := repo.UsageFilter{
			UserID:       principal.UserID,
			ProjectID:    input.ProjectID,
			AgentVariant: input.Agent,
			Since:        input.Since,
		}
		if principal.IsAdmin() {
			filter.UserID = input.User
		}
		items, err := a.Repo.AggregateUsage(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.UsageSummary{}
		}
		return &struct {
			Body []domain.UsageSummary `json:"body"`
		}{Body: items}, nil
	})
}
