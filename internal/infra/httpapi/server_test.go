package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/testutil"
	"github.com/runoshun/crewd/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *testutil.MemoryStore
	srv     *httptest.Server
	workDir string
}

func newFixture(t *testing.T, limiter domain.RateLimiter) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	clock := testutil.NewMockClock(testNow)
	logger := domain.NopLogger{}
	events := domain.NopPublisher{}
	admit := usecase.NewAdmitTask(store, store, limiter, events, domain.NopMetrics{}, clock, logger, domain.NewDefaultConfig().Admission)
	createTpl := usecase.NewCreateTemplate(store, clock, logger)
	workDir := t.TempDir()

	s := NewServer(UseCases{
		Admit:          admit,
		List:           usecase.NewListTasks(store),
		Show:           usecase.NewShowTask(store),
		Retry:          usecase.NewRetryTask(store, admit, clock),
		Cancel:         usecase.NewCancelTask(store, logger),
		Delete:         usecase.NewDeleteTask(store, events, clock, logger),
		CreateTemplate: createTpl,
		ListTemplates:  usecase.NewListTemplates(store),
		ShowTemplate:   usecase.NewShowTemplate(store),
		DeleteTemplate: usecase.NewDeleteTemplate(store, logger),
		ListProjects:   usecase.NewListProjects(store, store),
		GetProject:     usecase.NewGetProject(store, store),
		Workspace:      usecase.NewBrowseWorkspace(store, workDir),
	}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	}), logger)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{store: store, srv: srv, workDir: workDir}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, r)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func taskRequest(name string) CreateTaskRequest {
	return CreateTaskRequest{
		Name:         name,
		Repository:   domain.Repository{URL: "https://github.com/acme/api.git"},
		Instructions: "Fix the flaky test in pkg/foo",
	}
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# metrics\n", string(b))
}

func TestServer_CreateTask(t *testing.T) {
	// Setup
	f := newFixture(t, nil)

	// Execute
	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("fix-flaky"))

	// Verify
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[domain.Task](t, resp)
	assert.Equal(t, "payments", task.Scope)
	assert.Equal(t, "fix-flaky", task.Name)
	assert.Equal(t, "alice", task.Creator)
	assert.Equal(t, domain.PhasePending, task.Status.Phase)

	stored, err := f.store.Get(context.Background(), domain.TaskKey{Scope: "payments", Name: "fix-flaky"})
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Creator)
}

func TestServer_CreateTask_Errors(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("first"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
	}{
		{name: "missing user", body: taskRequest("x"), status: http.StatusBadRequest},
		{name: "concurrency limit", user: "alice", body: taskRequest("second"), status: http.StatusConflict},
		{name: "no repository", user: "bob", body: CreateTaskRequest{Instructions: "do it"}, status: http.StatusBadRequest},
		{name: "unknown field", user: "bob", body: map[string]string{"nmae": "typo"}, status: http.StatusBadRequest},
		{name: "unknown template", user: "carol", body: CreateTaskRequest{
			Repository:  domain.Repository{URL: "https://github.com/acme/api.git"},
			TemplateRef: "missing",
		}, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", tt.user, tt.body)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)
		})
	}
}

func TestServer_CreateTask_RateLimited(t *testing.T) {
	f := newFixture(t, &testutil.MockRateLimiter{Limit: 0})

	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("fix"))

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_ListTasks(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	for i, user := range []string{"alice", "bob"} {
		resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", user, taskRequest(fmt.Sprintf("t%d", i)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	// Execute
	all := decode[TaskList](t, f.do(t, http.MethodGet, "/api/projects/payments/tasks", "", nil))
	bobs := decode[TaskList](t, f.do(t, http.MethodGet, "/api/projects/payments/tasks?creator=bob&phase=pending,running", "", nil))
	none := decode[TaskList](t, f.do(t, http.MethodGet, "/api/projects/payments/tasks?phase=Completed", "", nil))
	bad := f.do(t, http.MethodGet, "/api/projects/payments/tasks?phase=exploded", "", nil)

	// Verify
	assert.Equal(t, []string{"payments/t0", "payments/t1"}, testutil.TaskKeys(all.Tasks))
	assert.Equal(t, []string{"payments/t1"}, testutil.TaskKeys(bobs.Tasks))
	assert.NotNil(t, none.Tasks)
	assert.Empty(t, none.Tasks)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestServer_GetAndDeleteTask(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("fix")).StatusCode)

	// Execute & Verify
	got := f.do(t, http.MethodGet, "/api/projects/payments/tasks/fix", "", nil)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "fix", decode[domain.Task](t, got).Name)

	unit := f.do(t, http.MethodGet, "/api/projects/payments/tasks/fix/unit", "", nil)
	assert.Equal(t, http.StatusNotFound, unit.StatusCode)

	del := f.do(t, http.MethodDelete, "/api/projects/payments/tasks/fix", "", nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	gone := f.do(t, http.MethodGet, "/api/projects/payments/tasks/fix", "", nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestServer_GetUnit(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("fix")).StatusCode)
	key := domain.TaskKey{Scope: "payments", Name: "fix"}
	require.NoError(t, f.store.SaveUnit(context.Background(), domain.ExecutionUnitRecord{
		Created: testNow,
		Owner:   key,
		Handle:  domain.UnitHandle(domain.UnitName(key)),
	}))

	resp := f.do(t, http.MethodGet, "/api/projects/payments/tasks/fix/unit", "", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[domain.ExecutionUnitRecord](t, resp)
	assert.Equal(t, key, rec.Owner)
	assert.Equal(t, domain.UnitHandle("crewd-payments-fix"), rec.Handle)
}

func TestServer_CancelTask(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("fix")).StatusCode)

	// Execute
	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks/fix/cancel", "alice", nil)

	// Verify
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[domain.Task](t, resp).CancelRequested)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/projects/payments/tasks/nope/cancel", "alice", nil).StatusCode)
}

func TestServer_RetryTask(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	orig := f.store.Put(&domain.Task{
		Created:         testNow,
		Scope:           "payments",
		Name:            "fix",
		Creator:         "alice",
		Repository:      domain.Repository{URL: "https://github.com/acme/api.git", Branch: "main"},
		Labels:          map[string]string{domain.LabelMode: domain.ModeBackground, domain.LabelCreator: "alice"},
		Instructions:    "Fix the flaky test",
		DeadlineSeconds: 600,
		Status:          domain.TaskStatus{Phase: domain.PhaseTimeout, ErrorDetail: "deadline exceeded"},
	})

	// Execute
	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks/fix/retry", "", RetryTaskRequest{Name: "fix-2"})

	// Verify
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	retry := decode[domain.Task](t, resp)
	assert.Equal(t, "fix-2", retry.Name)
	assert.Equal(t, orig.Name, retry.RetryOf)
	assert.Equal(t, 1, retry.Status.RetryCount)

	// A Pending task cannot be retried
	again := f.do(t, http.MethodPost, "/api/projects/payments/tasks/fix-2/retry", "", nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestServer_Templates(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	tpl := domain.TaskTemplate{
		Name:                 "bump",
		Description:          "Bump a dependency",
		InstructionsTemplate: "Bump {{dep}} to the latest version",
		Parameters:           []domain.TemplateParameter{{Name: "dep", Type: domain.ParamString, Required: true}},
	}

	// Execute & Verify
	created := f.do(t, http.MethodPost, "/api/projects/payments/templates", "alice", tpl)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	assert.Equal(t, "payments", decode[domain.TaskTemplate](t, created).Scope)

	dup := f.do(t, http.MethodPost, "/api/projects/payments/templates", "alice", tpl)
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	list := decode[TemplateList](t, f.do(t, http.MethodGet, "/api/projects/payments/templates", "", nil))
	require.Len(t, list.Templates, 1)
	assert.Equal(t, "bump", list.Templates[0].Name)

	got := f.do(t, http.MethodGet, "/api/projects/payments/templates/bump", "", nil)
	assert.Equal(t, http.StatusOK, got.StatusCode)

	// Instantiation through task admission
	task := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", CreateTaskRequest{
		Repository:  domain.Repository{URL: "https://github.com/acme/api.git"},
		TemplateRef: "bump",
		Params:      map[string]string{"dep": "chi"},
	})
	require.Equal(t, http.StatusCreated, task.StatusCode)
	assert.Equal(t, "Bump chi to the latest version", decode[domain.Task](t, task).Instructions)

	missing := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "bob", CreateTaskRequest{
		Repository:  domain.Repository{URL: "https://github.com/acme/api.git"},
		TemplateRef: "bump",
	})
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/projects/payments/templates/bump", "", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/projects/payments/templates/bump", "", nil).StatusCode)
}

func TestServer_Projects(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("task-a"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// List
	resp = f.do(t, http.MethodGet, "/api/projects", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ProjectList](t, resp)
	require.Len(t, list.Projects, 1)
	assert.Equal(t, "payments", list.Projects[0].Name)
	assert.Equal(t, 1, list.Projects[0].Active)

	// Get
	resp = f.do(t, http.MethodGet, "/api/projects/payments", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[usecase.ProjectSummary](t, resp).Tasks)

	resp = f.do(t, http.MethodGet, "/api/projects/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Workspace(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/api/projects/payments/tasks", "alice", taskRequest("task-a"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	dir := domain.WorkspacePath(f.workDir, domain.TaskKey{Scope: "payments", Name: "task-a"})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "foo.go"), []byte("package pkg\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0xff, 0xfe, 0x00}, 0o600))

	t.Run("root listing", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/projects/payments/tasks/task-a/workspace", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		listing := decode[WorkspaceListing](t, resp)
		assert.Equal(t, ".", listing.Path)
		require.Len(t, listing.Files, 2)
		assert.Equal(t, "blob.bin", listing.Files[0].Name)
		assert.Equal(t, "pkg", listing.Files[1].Name)
		assert.True(t, listing.Files[1].IsDir)
	})

	t.Run("text file", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/projects/payments/tasks/task-a/workspace/pkg/foo.go", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		file := decode[WorkspaceFile](t, resp)
		assert.Equal(t, "pkg/foo.go", file.Path)
		assert.Equal(t, "package pkg\n", file.Content)
		assert.Empty(t, file.Encoding)
	})

	t.Run("binary file", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/projects/payments/tasks/task-a/workspace/blob.bin", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		file := decode[WorkspaceFile](t, resp)
		assert.Equal(t, "base64", file.Encoding)
		assert.Equal(t, "//4A", file.Content)
	})

	t.Run("traversal", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/projects/payments/tasks/task-a/workspace/pkg/../../task-b", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing file", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/projects/payments/tasks/task-a/workspace/nope.txt", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: domain.ErrRateLimited, want: http.StatusTooManyRequests},
		{err: &domain.ConcurrencyLimitExceededError{Scope: "p", Creator: "a", Blocking: "t"}, want: http.StatusConflict},
		{err: fmt.Errorf("create: %w", domain.ErrTaskExists), want: http.StatusConflict},
		{err: domain.ErrTaskTerminal, want: http.StatusConflict},
		{err: fmt.Errorf("get task: %w", domain.ErrTaskNotFound), want: http.StatusNotFound},
		{err: fmt.Errorf("proj/a: %w", domain.ErrWorkspaceNotFound), want: http.StatusNotFound},
		{err: domain.ErrProjectNotFound, want: http.StatusNotFound},
		{err: &domain.MissingRequiredParameterError{Template: "t", Parameter: "x"}, want: http.StatusBadRequest},
		{err: domain.InvalidRequestf("bad"), want: http.StatusBadRequest},
		{err: &domain.UnresolvedPlaceholderError{Template: "t", Placeholders: []string{"x"}}, want: http.StatusBadRequest},
		{err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}
