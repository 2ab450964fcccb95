// Package httpapi exposes the engine's client use cases over HTTP.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/usecase"
)

// UserHeader carries the identity of the requesting user.
const UserHeader = "X-Crewd-User"

// maxBodyBytes bounds request bodies. Instruction size is enforced by
// admission; this only keeps oversized uploads out of memory.
const maxBodyBytes = 1 << 20

// UseCases holds the use cases served by the façade.
// Fields are ordered to minimize memory padding.
type UseCases struct {
	Admit          *usecase.AdmitTask
	List           *usecase.ListTasks
	Show           *usecase.ShowTask
	Retry          *usecase.RetryTask
	Cancel         *usecase.CancelTask
	Delete         *usecase.DeleteTask
	CreateTemplate *usecase.CreateTemplate
	ListTemplates  *usecase.ListTemplates
	ShowTemplate   *usecase.ShowTemplate
	DeleteTemplate *usecase.DeleteTemplate
	ListProjects   *usecase.ListProjects
	GetProject     *usecase.GetProject
	Workspace      *usecase.BrowseWorkspace
}

// Server serves the HTTP façade.
type Server struct {
	uc      UseCases
	metrics http.Handler
	logger  domain.Logger
}

// NewServer creates a new Server. metrics may be nil to leave /metrics unrouted.
func NewServer(uc UseCases, metrics http.Handler, logger domain.Logger) *Server {
	return &Server{uc: uc, metrics: metrics, logger: logger}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodyBytes))
	r.Use(s.requestLogger)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Get("/api/projects", s.listProjects)
	r.Route("/api/projects/{project}", func(r chi.Router) {
		r.Get("/", s.getProject)
		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{name}", s.getTask)
		r.Delete("/tasks/{name}", s.deleteTask)
		r.Post("/tasks/{name}/retry", s.retryTask)
		r.Post("/tasks/{name}/cancel", s.cancelTask)
		r.Get("/tasks/{name}/unit", s.getUnit)
		r.Get("/tasks/{name}/workspace", s.getWorkspace)
		r.Get("/tasks/{name}/workspace/*", s.getWorkspace)

		r.Post("/templates", s.createTemplate)
		r.Get("/templates", s.listTemplates)
		r.Get("/templates/{name}", s.getTemplate)
		r.Delete("/templates/{name}", s.deleteTemplate)
	})
	return r
}

// NewHTTPServer wraps the router in an http.Server with the timeouts used
// by every listener of the engine.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Debug(domain.TaskKey{}, "http", fmt.Sprintf("%s %s %d %dms request_id=%s",
			r.Method, r.URL.Path, rw.status, time.Since(start).Milliseconds(), chimw.GetReqID(r.Context())))
	})
}

// CreateTaskRequest is the body of POST /tasks.
// Fields are ordered to minimize memory padding.
type CreateTaskRequest struct {
	Params          map[string]string `json:"params,omitempty"`
	Repository      domain.Repository `json:"repository"`
	Name            string            `json:"name,omitempty"`
	Instructions    string            `json:"instructions,omitempty"`
	TemplateRef     string            `json:"templateRef,omitempty"`
	DeadlineSeconds int               `json:"deadlineSeconds,omitempty"`
}

// RetryTaskRequest is the optional body of POST /tasks/{name}/retry.
type RetryTaskRequest struct {
	Name string `json:"name,omitempty"`
}

// TaskList is the body of GET /tasks.
type TaskList struct {
	Tasks []*domain.Task `json:"tasks"`
}

// TemplateList is the body of GET /templates.
type TemplateList struct {
	Templates []*domain.TaskTemplate `json:"templates"`
}

// ProjectList is the body of GET /api/projects.
type ProjectList struct {
	Projects []usecase.ProjectSummary `json:"projects"`
}

// WorkspaceListing is the body of GET /tasks/{name}/workspace for a directory.
type WorkspaceListing struct {
	Path  string                   `json:"path"`
	Files []usecase.WorkspaceEntry `json:"files"`
}

// WorkspaceFile is the body of GET /tasks/{name}/workspace/* for a file.
// Content is base64 when Encoding is "base64".
type WorkspaceFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Size     int    `json:"size"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.ListProjects.Execute(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectList{Projects: out.Projects})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.GetProject.Execute(r.Context(), usecase.GetProjectInput{
		Name: chi.URLParam(r, "project"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := s.uc.Admit.Execute(r.Context(), usecase.AdmitTaskInput{
		Scope:           chi.URLParam(r, "project"),
		Creator:         user,
		Name:            req.Name,
		Repository:      req.Repository,
		Instructions:    req.Instructions,
		TemplateRef:     req.TemplateRef,
		Params:          req.Params,
		DeadlineSeconds: req.DeadlineSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out.Task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := usecase.ListTasksInput{
		Scope:   chi.URLParam(r, "project"),
		Creator: q.Get("creator"),
	}
	for _, v := range q["phase"] {
		for _, p := range strings.Split(v, ",") {
			phase, err := domain.ParsePhase(strings.TrimSpace(p))
			if err != nil {
				writeError(w, domain.InvalidRequestf("phase %q", p))
				return
			}
			in.Phases = append(in.Phases, phase)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, domain.InvalidRequestf("limit %q", v))
			return
		}
		in.Limit = n
	}

	out, err := s.uc.List.Execute(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks := out.Tasks
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, TaskList{Tasks: tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.Show.Execute(r.Context(), usecase.ShowTaskInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Task)
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.Show.Execute(r.Context(), usecase.ShowTaskInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if out.Unit == nil {
		writeError(w, domain.ErrUnitNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out.Unit)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.Workspace.Execute(r.Context(), usecase.BrowseWorkspaceInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
		Path:  chi.URLParam(r, "*"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if out.IsDir {
		writeJSON(w, http.StatusOK, WorkspaceListing{Path: out.Path, Files: out.Entries})
		return
	}
	file := WorkspaceFile{Path: out.Path, Size: len(out.Content)}
	if utf8.Valid(out.Content) {
		file.Content = string(out.Content)
	} else {
		file.Content = base64.StdEncoding.EncodeToString(out.Content)
		file.Encoding = "base64"
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	_, err := s.uc.Delete.Execute(r.Context(), usecase.DeleteTaskInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	var req RetryTaskRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	out, err := s.uc.Retry.Execute(r.Context(), usecase.RetryTaskInput{
		Scope:   chi.URLParam(r, "project"),
		Name:    chi.URLParam(r, "name"),
		Creator: r.Header.Get(UserHeader),
		NewName: req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out.Task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.Cancel.Execute(r.Context(), usecase.CancelTaskInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out.Task)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl domain.TaskTemplate
	if !decodeBody(w, r, &tpl) {
		return
	}

	out, err := s.uc.CreateTemplate.Execute(r.Context(), usecase.CreateTemplateInput{
		Scope:    chi.URLParam(r, "project"),
		Template: &tpl,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out.Template)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.ListTemplates.Execute(r.Context(), usecase.ListTemplatesInput{
		Scope: chi.URLParam(r, "project"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	tpls := out.Templates
	if tpls == nil {
		tpls = []*domain.TaskTemplate{}
	}
	writeJSON(w, http.StatusOK, TemplateList{Templates: tpls})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	out, err := s.uc.ShowTemplate.Execute(r.Context(), usecase.TemplateRefInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Template)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := s.uc.DeleteTemplate.Execute(r.Context(), usecase.TemplateRefInput{
		Scope: chi.URLParam(r, "project"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		writeError(w, domain.InvalidRequestf("missing %s header", UserHeader))
		return "", false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, domain.InvalidRequestf("request body: %v", err))
		return false
	}
	return true
}

// StatusCode maps an engine error onto an HTTP status.
func StatusCode(err error) int {
	var (
		concurrency *domain.ConcurrencyLimitExceededError
		conflict    *domain.ConflictError
		missing     *domain.MissingRequiredParameterError
		invalid     *domain.InvalidParameterError
		unresolved  *domain.UnresolvedPlaceholderError
	)
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &concurrency),
		errors.As(err, &conflict),
		errors.Is(err, domain.ErrTaskExists),
		errors.Is(err, domain.ErrTemplateExists),
		errors.Is(err, domain.ErrTaskTerminal),
		errors.Is(err, domain.ErrTaskNotRetryable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrUnitNotFound),
		errors.Is(err, domain.ErrWorkspaceNotFound),
		errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidPhase),
		errors.As(err, &missing),
		errors.As(err, &invalid),
		errors.As(err, &unresolved):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
