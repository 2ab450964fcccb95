// Package app provides the dependency injection container for the application.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/runoshun/crewd/internal/controller"
	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/infra/config"
	"github.com/runoshun/crewd/internal/infra/etcdstore"
	"github.com/runoshun/crewd/internal/infra/events"
	"github.com/runoshun/crewd/internal/infra/executor"
	"github.com/runoshun/crewd/internal/infra/git"
	"github.com/runoshun/crewd/internal/infra/github"
	"github.com/runoshun/crewd/internal/infra/httpapi"
	"github.com/runoshun/crewd/internal/infra/jsonstore"
	"github.com/runoshun/crewd/internal/infra/logging"
	"github.com/runoshun/crewd/internal/infra/process"
	"github.com/runoshun/crewd/internal/infra/ratelimit"
	"github.com/runoshun/crewd/internal/infra/telemetry"
	"github.com/runoshun/crewd/internal/usecase"
)

// Options selects the configuration sources.
type Options struct {
	Out        io.Writer // Console log output (default os.Stderr)
	ConfigPath string    // Explicit config file (empty = ./crewd.toml when present)
	GlobalDir  string    // Global config directory override (empty = XDG default)
}

// Paths holds the resolved on-disk locations.
type Paths struct {
	DataDir string // Root of local state
	WorkDir string // Root of unit workspaces
	LogDir  string // Per-task log files (empty = disabled)
}

// Container provides dependency injection for the application.
// It holds all port implementations and provides factory methods for use cases.
type Container struct {
	// Ports (interfaces bound to implementations)
	Tasks        domain.TaskStore
	Templates    domain.TemplateStore
	Limiter      domain.RateLimiter
	Events       domain.EventPublisher
	Metrics      domain.Metrics
	Backend      domain.ExecutionBackend
	Workspace    domain.Workspace
	PullRequests domain.PullRequests
	Executor     domain.CommandExecutor
	Clock        domain.Clock
	Logger       domain.Logger

	// Pointer fields
	Config        *domain.Config
	ConfigManager *config.Manager
	Telemetry     *telemetry.Metrics

	local   *process.Backend
	closers []io.Closer
	Paths   Paths
}

// New creates a new Container from the configured sources.
func New(opts Options) (*Container, error) {
	loader := config.NewLoader(opts.ConfigPath)
	if opts.GlobalDir != "" {
		loader = config.NewLoaderWithGlobalDir(opts.ConfigPath, opts.GlobalDir)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	paths, err := resolvePaths(cfg)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{
		Out:    opts.Out,
		Dir:    paths.LogDir,
		Format: cfg.Log.Format,
		Level:  logging.ParseLevel(cfg.Log.Level),
	})
	for _, w := range cfg.Warnings {
		logger.Warn(domain.TaskKey{}, "config", w)
	}

	c := &Container{
		Clock:         domain.RealClock{},
		Logger:        logger,
		Config:        cfg,
		ConfigManager: config.NewManager(loader),
		Paths:         paths,
	}
	c.closers = append(c.closers, logger)

	if err := c.openStore(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if rl := cfg.Admission.RateLimit; rl.Enabled() {
		limiter, err := ratelimit.NewFromURL(rl.RedisURL, c.Clock, rl.Limit, rl.Window.Duration)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		c.Limiter = limiter
		c.closers = append(c.closers, limiter)
	}

	c.Events = domain.NopPublisher{}
	if len(cfg.Events.Brokers) > 0 {
		pub := events.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		c.Events = pub
		c.closers = append(c.closers, pub)
	}

	c.Telemetry = telemetry.New()
	c.Metrics = c.Telemetry

	exec := executor.NewClient()
	c.Executor = exec
	gitClient := git.NewClient(git.Options{
		Clock:  c.Clock,
		Remote: cfg.Publish.Remote,
		Token:  tokenFromEnv(cfg.Publish.TokenEnv),
	})
	c.Workspace = gitClient
	c.PullRequests = github.NewClient(exec, cfg.Publish.TokenEnv)
	c.local = process.New(process.Options{
		Workspace:    gitClient,
		Executor:     exec,
		Logger:       logger,
		WorkDir:      paths.WorkDir,
		AgentCommand: cfg.Execution.AgentCommand,
		GracePeriod:  cfg.Execution.GracePeriod.Duration,
		LogTailBytes: cfg.Execution.LogTailBytes,
	})
	c.Backend = c.local

	return c, nil
}

// NewWithDeps creates a new Container with custom dependencies for testing.
func NewWithDeps(cfg *domain.Config, tasks domain.TaskStore, templates domain.TemplateStore, clock domain.Clock, logger domain.Logger) *Container {
	return &Container{
		Tasks:     tasks,
		Templates: templates,
		Events:    domain.NopPublisher{},
		Metrics:   domain.NopMetrics{},
		Clock:     clock,
		Logger:    logger,
		Config:    cfg,
	}
}

// openStore connects the configured Task Record Store.
func (c *Container) openStore() error {
	switch c.Config.Store.Backend {
	case "etcd":
		st, err := etcdstore.Dial(c.Config.Store.Endpoints, c.Config.Store.Prefix, c.Config.Store.DialTimeout.Duration)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		c.Tasks = st
		c.Templates = st
		c.closers = append(c.closers, st)
	default:
		if err := os.MkdirAll(c.Paths.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		st := jsonstore.New(domain.TasksStorePath(c.Paths.DataDir))
		c.Tasks = st
		c.Templates = st
	}
	return nil
}

// Close releases every connection the container opened, in reverse order.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// resolvePaths fills in the XDG data directory defaults.
func resolvePaths(cfg *domain.Config) (Paths, error) {
	dataDir := cfg.Store.Path
	if dataDir == "" {
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Paths{}, fmt.Errorf("resolve data directory: %w", err)
			}
			dataHome = filepath.Join(home, ".local", "share")
		}
		dataDir = filepath.Join(dataHome, domain.AppDirName)
	}
	workDir := cfg.Execution.WorkDir
	if workDir == "" {
		workDir = dataDir
	}
	return Paths{DataDir: dataDir, WorkDir: workDir, LogDir: cfg.Log.Dir}, nil
}

func tokenFromEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// UseCase factory methods

// AdmitTaskUseCase returns a new AdmitTask use case.
func (c *Container) AdmitTaskUseCase() *usecase.AdmitTask {
	return usecase.NewAdmitTask(c.Tasks, c.Templates, c.Limiter, c.Events, c.Metrics, c.Clock, c.Logger, c.Config.Admission)
}

// ListTasksUseCase returns a new ListTasks use case.
func (c *Container) ListTasksUseCase() *usecase.ListTasks {
	return usecase.NewListTasks(c.Tasks)
}

// ShowTaskUseCase returns a new ShowTask use case.
func (c *Container) ShowTaskUseCase() *usecase.ShowTask {
	return usecase.NewShowTask(c.Tasks)
}

// RetryTaskUseCase returns a new RetryTask use case.
func (c *Container) RetryTaskUseCase() *usecase.RetryTask {
	return usecase.NewRetryTask(c.Tasks, c.AdmitTaskUseCase(), c.Clock)
}

// CancelTaskUseCase returns a new CancelTask use case.
func (c *Container) CancelTaskUseCase() *usecase.CancelTask {
	return usecase.NewCancelTask(c.Tasks, c.Logger)
}

// DeleteTaskUseCase returns a new DeleteTask use case.
func (c *Container) DeleteTaskUseCase() *usecase.DeleteTask {
	return usecase.NewDeleteTask(c.Tasks, c.Events, c.Clock, c.Logger)
}

// CreateTemplateUseCase returns a new CreateTemplate use case.
func (c *Container) CreateTemplateUseCase() *usecase.CreateTemplate {
	return usecase.NewCreateTemplate(c.Templates, c.Clock, c.Logger)
}

// ApplyTemplateFileUseCase returns a new ApplyTemplateFile use case.
func (c *Container) ApplyTemplateFileUseCase() *usecase.ApplyTemplateFile {
	return usecase.NewApplyTemplateFile(c.CreateTemplateUseCase())
}

// ListTemplatesUseCase returns a new ListTemplates use case.
func (c *Container) ListTemplatesUseCase() *usecase.ListTemplates {
	return usecase.NewListTemplates(c.Templates)
}

// ShowTemplateUseCase returns a new ShowTemplate use case.
func (c *Container) ShowTemplateUseCase() *usecase.ShowTemplate {
	return usecase.NewShowTemplate(c.Templates)
}

// DeleteTemplateUseCase returns a new DeleteTemplate use case.
func (c *Container) DeleteTemplateUseCase() *usecase.DeleteTemplate {
	return usecase.NewDeleteTemplate(c.Templates, c.Logger)
}

// ListProjectsUseCase returns a new ListProjects use case.
func (c *Container) ListProjectsUseCase() *usecase.ListProjects {
	return usecase.NewListProjects(c.Tasks, c.Templates)
}

// GetProjectUseCase returns a new GetProject use case.
func (c *Container) GetProjectUseCase() *usecase.GetProject {
	return usecase.NewGetProject(c.Tasks, c.Templates)
}

// BrowseWorkspaceUseCase returns a new BrowseWorkspace use case over the
// local backend's unit workspaces.
func (c *Container) BrowseWorkspaceUseCase() *usecase.BrowseWorkspace {
	return usecase.NewBrowseWorkspace(c.Tasks, c.Paths.WorkDir)
}

// Engine factory methods

// Reconciler returns a new Reconciler over the container's ports.
func (c *Container) Reconciler() *controller.Reconciler {
	return controller.NewReconciler(controller.Deps{
		Tasks:        c.Tasks,
		Backend:      c.Backend,
		Workspace:    c.Workspace,
		PullRequests: c.PullRequests,
		Executor:     c.Executor,
		Events:       c.Events,
		Metrics:      c.Metrics,
		Clock:        c.Clock,
		Logger:       c.Logger,
	}, controller.OptionsFromConfig(c.Config))
}

// HTTPServer returns the HTTP façade bound to the configured address.
func (c *Container) HTTPServer() *http.Server {
	var metrics http.Handler
	if c.Telemetry != nil {
		metrics = c.Telemetry.Handler()
	}
	api := httpapi.NewServer(httpapi.UseCases{
		Admit:          c.AdmitTaskUseCase(),
		List:           c.ListTasksUseCase(),
		Show:           c.ShowTaskUseCase(),
		Retry:          c.RetryTaskUseCase(),
		Cancel:         c.CancelTaskUseCase(),
		Delete:         c.DeleteTaskUseCase(),
		CreateTemplate: c.CreateTemplateUseCase(),
		ListTemplates:  c.ListTemplatesUseCase(),
		ShowTemplate:   c.ShowTemplateUseCase(),
		DeleteTemplate: c.DeleteTemplateUseCase(),
		ListProjects:   c.ListProjectsUseCase(),
		GetProject:     c.GetProjectUseCase(),
		Workspace:      c.BrowseWorkspaceUseCase(),
	}, metrics, c.Logger)
	return api.NewHTTPServer(c.Config.HTTP.Addr)
}

// ShutdownBackend stops every execution unit the local backend supervises.
func (c *Container) ShutdownBackend(ctx context.Context) error {
	if c.local == nil {
		return nil
	}
	return c.local.Shutdown(ctx)
}
