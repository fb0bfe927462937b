// Package server exposes the pipeline and its execution index over HTTP.
// Pipeline passes are serialized behind one mutex: the artifact layout is
// single-writer by contract, and the API is that writer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"replayline/internal/app"
	"replayline/internal/artifact"
	"replayline/internal/events"
	"replayline/internal/repo"
	"replayline/internal/replay"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  app.Runtime
	Repo     repo.Repo
	Events   events.Writer
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no request in history matches hash"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type state struct {
	cfg Config
	log *zap.Logger

	// Guards every pass through intake, consumer, and replay.
	mu sync.Mutex
}

// New returns an HTTP handler exposing the Replayline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &state{cfg: cfg, log: logger}

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
	hcfg := huma.DefaultConfig("Replayline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPipeline(group, s)
	registerArtifacts(group, s)
	registerHistory(group, s)
	registerProjects(group, s)
	registerExecutions(group, s)
	registerEvents(group, s)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "no request in history"),
		strings.Contains(lowered, "history is empty"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "out of range"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerPipeline(api huma.API, s *state) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-execution-request",
		Method:        http.MethodPost,
		Path:          "/execution-requests",
		Summary:       "Submit a request and run the pipeline",
		Description:   "Stages the request, consumes it synchronously, and returns the produced artifacts. Execution failures come back as error artifacts with status 201, not as HTTP errors.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *submitRequestInput) (*pipelinePassOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, _, err := s.cfg.Runtime.Intake.Submit(ctx, input.Body); err != nil {
			return nil, handleError(err)
		}
		result, err := s.cfg.Runtime.Consumer.Consume(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body, err := s.passBody(ctx, input.ProjectID, result, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &pipelinePassOutput{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "replay-execution-request",
		Method:        http.MethodPost,
		Path:          "/replays",
		Summary:       "Replay a historical request",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *replayInput) (*replayOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		out, err := s.cfg.Runtime.Replay.Run(ctx, replay.Options{
			RequestHash: input.Body.RequestHash,
			Index:       input.Body.Index,
		})
		if err != nil {
			return nil, handleError(err)
		}
		body, err := s.passBody(ctx, input.ProjectID, out.Result, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &replayOutput{Body: replayBody{
			PipelinePassBody: body,
			SelectedIndex:    out.SelectedIndex,
			MalformedLines:   out.MalformedLines,
		}}, nil
	})
}

// passBody assembles the response for one pipeline pass and mirrors it into
// the index. The current artifacts are re-read from disk so the response
// matches what a file reader would see, replay markers included.
func (s *state) passBody(ctx context.Context, projectID string, result artifact.Result, replayed bool) (PipelinePassBody, error) {
	resultMap, err := s.cfg.Runtime.Store.ReadJSON(s.cfg.Runtime.Store.ResultPath())
	if err != nil {
		return PipelinePassBody{}, fmt.Errorf("read result artifact: %w", err)
	}
	body := PipelinePassBody{RequestHash: result.RequestHash, Result: resultMap}

	evaluation := app.LatestEvaluation(s.cfg.Runtime.Store, result)
	if evaluation != nil {
		if raw, err := s.cfg.Runtime.Store.ReadJSON(s.cfg.Runtime.Store.EvaluationPath()); err == nil {
			body.Evaluation = raw
		}
	}

	if projectID != "" {
		if _, err := app.ResolveProject(ctx, s.cfg.Repo, projectID, s.cfg.Runtime.Store.Public); err != nil {
			return PipelinePassBody{}, err
		}
	}
	exec, err := app.IndexExecution(ctx, s.cfg.Repo, s.cfg.Events, projectID, result, evaluation, replayed)
	if err != nil {
		return PipelinePassBody{}, err
	}
	body.Execution = &exec

	s.log.Info("pipeline pass served",
		zap.String("request_hash", result.RequestHash),
		zap.String("status", result.Status),
		zap.Bool("replayed", replayed))
	return body, nil
}

func registerArtifacts(api huma.API, s *state) {
	artifacts := []struct {
		id, route string
		path      func() string
	}{
		{"get-execution-request", "/artifacts/execution-request", s.cfg.Runtime.Store.RequestPath},
		{"get-execution-result", "/artifacts/execution-result", s.cfg.Runtime.Store.ResultPath},
		{"get-evaluation-result", "/artifacts/evaluation-result", s.cfg.Runtime.Store.EvaluationPath},
	}
	for _, a := range artifacts {
		a := a
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodGet,
			Path:        a.route,
			Summary:     "Read the current " + strings.TrimPrefix(a.route, "/artifacts/") + " artifact",
		}, func(ctx context.Context, _ *struct{}) (*artifactOutput, error) {
			raw, err := s.cfg.Runtime.Store.ReadJSON(a.path())
			if err != nil {
				if os.IsNotExist(err) {
					return nil, newAPIError(http.StatusNotFound, "not_found", "artifact not produced yet", nil)
				}
				return nil, handleError(err)
			}
			return &artifactOutput{Body: raw}, nil
		})
	}
}

func registerHistory(api huma.API, s *state) {
	histories := []struct {
		id, route string
		path      func() string
	}{
		{"list-request-history", "/history/requests", s.cfg.Runtime.Store.RequestHistoryPath},
		{"list-result-history", "/history/results", s.cfg.Runtime.Store.ResultHistoryPath},
		{"list-evaluation-history", "/history/evaluations", s.cfg.Runtime.Store.EvaluationHistoryPath},
	}
	for _, h := range histories {
		h := h
		huma.Register(api, huma.Operation{
			OperationID: h.id,
			Method:      http.MethodGet,
			Path:        h.route,
			Summary:     "Read the " + strings.TrimPrefix(h.route, "/history/") + " history log",
		}, func(ctx context.Context, input *historyInput) (*historyOutput, error) {
			entries, malformed, err := s.cfg.Runtime.Store.ReadNDJSON(h.path())
			if err != nil {
				return nil, handleError(err)
			}
			if input.Limit > 0 && len(entries) > input.Limit {
				entries = entries[len(entries)-input.Limit:]
			}
			if entries == nil {
				entries = []map[string]any{}
			}
			return &historyOutput{Body: historyBody{Entries: entries, MalformedLines: malformed}}, nil
		})
	}
}

func registerProjects(api huma.API, s *state) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *projectCreateInput) (*projectOutput, error) {
		p, err := app.ResolveProject(ctx, s.cfg.Repo, input.Body.ID, input.Body.PublicDir)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Description != "" {
			desc := input.Body.Description
			if err := s.cfg.Repo.UpdateProject(ctx, p.ID, "", &desc); err != nil {
				return nil, handleError(err)
			}
			p.Description = desc
		}
		if err := s.cfg.Events.Append(ctx, "project.created", p.ID, "project", p.ID, nil); err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*projectListOutput, error) {
		items, err := s.cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &projectListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := s.cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		if err := s.cfg.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := s.cfg.Events.Append(ctx, "project.deleted", input.ProjectID, "project", input.ProjectID, nil); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *projectPath) (*projectStatusOutput, error) {
		p, err := s.cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := s.cfg.Repo.CountExecutionsByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &projectStatusOutput{}
		out.Body.ProjectID = p.ID
		out.Body.Status = p.Status
		out.Body.ExecutionCounts = counts
		return out, nil
	})
}

func registerExecutions(api huma.API, s *state) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List indexed executions",
	}, func(ctx context.Context, input *executionListInput) (*executionListOutput, error) {
		items, err := s.cfg.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			ProjectID:   input.ProjectID,
			Status:      input.Status,
			RequestHash: input.RequestHash,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &executionListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get indexed execution",
	}, func(ctx context.Context, input *executionPath) (*executionOutput, error) {
		e, err := s.cfg.Repo.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionOutput{Body: e}, nil
	})
}

func registerEvents(api huma.API, s *state) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *eventListInput) (*eventListOutput, error) {
		items, err := s.cfg.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &eventListOutput{}
		out.Body.Items = items
		return out, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Replayline API Docs</title>
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
</html>`, docURL)
}
