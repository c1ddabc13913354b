package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"spycat/internal/domain"
	"spycat/internal/engine"
	"spycat/internal/metrics"
	"spycat/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"cat is already assigned to another mission"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// MaxBodyBytes caps every request body, matching huma's default limit.
const MaxBodyBytes int64 = 1 << 20

// apiError models the error envelope every failed request returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the spy cat API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema and request validation failures are client input errors.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(captureBody(MaxBodyBytes))
	hcfg := huma.DefaultConfig("Spy Cat Agency API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", cfg.Metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerCats(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerTargets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]any{"errors": msgs}
}

// handleError maps an engine error onto the envelope by its kind.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindValidation:
		return newAPIError(http.StatusBadRequest, string(kind), err.Error(), nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, string(kind), err.Error(), nil)
	case domain.KindConflict:
		return newAPIError(http.StatusConflict, string(kind), err.Error(), nil)
	case domain.KindExternal:
		return newAPIError(http.StatusBadGateway, string(kind), err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, string(domain.KindInternal), "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return string(domain.KindValidation)
	case http.StatusNotFound:
		return string(domain.KindNotFound)
	case http.StatusConflict:
		return string(domain.KindConflict)
	case http.StatusBadGateway:
		return string(domain.KindExternal)
	case http.StatusInternalServerError:
		return string(domain.KindInternal)
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// captureBody buffers the request body so handlers can tell an absent body from an
// empty one. Bodies above limit are refused with 413.
func captureBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeAPIError(w, newAPIError(http.StatusRequestEntityTooLarge, "",
						fmt.Sprintf("request body exceeds %d bytes", limit), nil))
					return
				}
				writeAPIError(w, newAPIError(http.StatusBadRequest, "", "unable to read request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAPIError(w http.ResponseWriter, se huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.GetStatus())
	json.NewEncoder(w).Encode(se)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.InfoContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"took", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if _, ok := op.Responses["default"]; ok {
				continue
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Spy Cat Agency API Docs</title>
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
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
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

type catOutput struct {
	Body CatResponse `json:"body"`
}

type missionOutput struct {
	Body MissionResponse `json:"body"`
}

type targetOutput struct {
	Body TargetResponse `json:"body"`
}

type catPath struct {
	CatID string `path:"cat_id"`
}

type missionPath struct {
	MissionID string `path:"mission_id"`
}

type targetPath struct {
	TargetID string `path:"target_id"`
}

func registerCats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cat",
		Method:        http.MethodPost,
		Path:          "/cats",
		Summary:       "Hire a spy cat",
		Description:   "The breed is checked against the breed catalogue before anything is stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusBadGateway}, writeErrors...),
	}, func(ctx context.Context, input *struct {
		Body CreateCatRequest `json:"body"`
	}) (*catOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		c, err := e.CreateCat(ctx, engine.CatCreateOptions{
			Name:            input.Body.Name,
			ExperienceYears: input.Body.ExperienceYears,
			Breed:           input.Body.Breed,
			Salary:          input.Body.Salary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &catOutput{Body: catResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cats",
		Method:      http.MethodGet,
		Path:        "/cats",
		Summary:     "List spy cats",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CatResponse `json:"body"`
	}, error) {
		items, err := e.ListCats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CatResponse `json:"body"`
		}{Body: mapCats(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cat",
		Method:      http.MethodGet,
		Path:        "/cats/{cat_id}",
		Summary:     "Get a spy cat",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *catPath) (*catOutput, error) {
		c, err := e.GetCat(ctx, input.CatID)
		if err != nil {
			return nil, handleError(err)
		}
		return &catOutput{Body: catResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cat",
		Method:      http.MethodPatch,
		Path:        "/cats/{cat_id}",
		Summary:     "Update a spy cat's salary",
		Description: "Salary is the only field that can change after hiring; any other field is rejected.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		CatID string           `path:"cat_id"`
		Body  UpdateCatRequest `json:"body"`
	}) (*catOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(bodyBytes(ctx), &raw); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", "body must be a JSON object", nil)
		}
		fields := make([]string, 0, len(raw))
		for k := range raw {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		c, err := e.UpdateCat(ctx, input.CatID, domain.CatPatch{
			Name:            input.Body.Name,
			ExperienceYears: input.Body.ExperienceYears,
			Breed:           input.Body.Breed,
			Salary:          input.Body.Salary,
			IsAvailable:     input.Body.IsAvailable,
			Fields:          fields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &catOutput{Body: catResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-cat",
		Method:        http.MethodDelete,
		Path:          "/cats/{cat_id}",
		Summary:       "Remove a spy cat",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *catPath) (*struct{}, error) {
		if err := e.DeleteCat(ctx, input.CatID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create a mission with its targets",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		m, err := e.CreateMission(ctx, engine.MissionCreateOptions{
			CatID:   input.Body.CatID,
			Targets: targetSpecs(input.Body.Targets),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions with their targets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		items, err := e.ListMissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: mapMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*missionOutput, error) {
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-mission",
		Method:        http.MethodDelete,
		Path:          "/missions/{mission_id}",
		Summary:       "Delete an unassigned mission",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *missionPath) (*struct{}, error) {
		if err := e.DeleteMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-cat",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/assign/{cat_id}",
		Summary:     "Assign an available cat to a mission",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		CatID     string `path:"cat_id"`
	}) (*missionOutput, error) {
		m, err := e.AssignCat(ctx, input.MissionID, input.CatID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: missionResponse(m)}, nil
	})
}

func registerTargets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/targets/{target_id}",
		Summary:     "Get a target",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *targetPath) (*targetOutput, error) {
		t, err := e.GetTarget(ctx, input.TargetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &targetOutput{Body: targetResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-target-notes",
		Method:      http.MethodPut,
		Path:        "/targets/{target_id}/notes",
		Summary:     "Replace a pending target's notes",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TargetID string             `path:"target_id"`
		Body     UpdateNotesRequest `json:"body"`
	}) (*targetOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		t, err := e.UpdateTargetNotes(ctx, input.TargetID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &targetOutput{Body: targetResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-target",
		Method:      http.MethodPost,
		Path:        "/targets/{target_id}/complete",
		Summary:     "Complete a target",
		Description: "Completing the last pending target completes the mission and frees its cat.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *targetPath) (*struct {
		Body TargetCompletionResponse `json:"body"`
	}, error) {
		res, err := e.CompleteTarget(ctx, input.TargetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TargetCompletionResponse `json:"body"`
		}{Body: completionResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"cat,mission,target"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
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

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
