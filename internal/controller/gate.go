package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/runoshun/crewd/internal/domain"
)

// checkOutputBytes caps the check output kept in a task's error detail.
const checkOutputBytes = 4 * 1024

// ProgressFunc reports a non-terminal progress milestone.
type ProgressFunc func(percent int, label string)

// Gate validates a unit's result and publishes it as a pull request.
// Each Run performs exactly one terminal status write.
type Gate struct {
	writer       *statusWriter
	workspace    domain.Workspace
	prs          domain.PullRequests
	executor     domain.CommandExecutor
	clock        domain.Clock
	logger       domain.Logger
	metrics      domain.Metrics
	checks       []domain.CheckConfig
	branchPrefix string
	checkTimeout time.Duration
	draft        bool
}

// NewGate creates a Gate.
func NewGate(deps Deps, opts Options) *Gate {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = domain.DefaultCheckTimeout
	}
	return &Gate{
		writer:       newStatusWriter(deps),
		workspace:    deps.Workspace,
		prs:          deps.PullRequests,
		executor:     deps.Executor,
		clock:        deps.Clock,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		checks:       opts.Checks,
		branchPrefix: opts.BranchPrefix,
		checkTimeout: opts.CheckTimeout,
		draft:        opts.Draft,
	}
}

// Run checks the workspace of a succeeded unit and, when every check
// passes, publishes it. A failing check ends the task Failed without
// any push or pull request.
func (g *Gate) Run(ctx context.Context, task *domain.Task, result domain.UnitStatus, progress ProgressFunc) error {
	key := task.Key()
	started := time.Now()

	checks, err := g.loadChecks(result.Workspace)
	if err != nil {
		g.metrics.GateFinished(false, time.Since(started))
		return g.writer.finish(ctx, key, domain.PhaseFailed, fmt.Sprintf("load checks: %v", err), nil)
	}

	results, failure := g.runChecks(ctx, key, result.Workspace, checks)
	if failure != nil {
		g.metrics.GateFinished(false, time.Since(started))
		g.logger.Info(key, "gate", failure.Error())
		return g.writer.finish(ctx, key, domain.PhaseFailed, failure.Error(), func(s *domain.TaskStatus) {
			s.Checks = results
		})
	}
	progress(domain.ProgressValidated, "validation complete")

	url, err := g.publish(ctx, task, result, results)
	if err != nil {
		g.metrics.GateFinished(false, time.Since(started))
		return g.writer.finish(ctx, key, domain.PhaseFailed, fmt.Sprintf("publish failed: %v", err), func(s *domain.TaskStatus) {
			s.Checks = results
		})
	}

	g.metrics.GateFinished(true, time.Since(started))
	g.logger.Info(key, "gate", "published "+url)
	return g.writer.finish(ctx, key, domain.PhaseCompleted, "", func(s *domain.TaskStatus) {
		s.Checks = results
		s.ExternalArtifactURL = url
		s.CurrentPhaseLabel = "published"
	})
}

// loadChecks returns the repository's own checks when it declares any,
// otherwise the configured checks.
func (g *Gate) loadChecks(workspace string) ([]domain.CheckConfig, error) {
	data, err := os.ReadFile(domain.RepoChecksPath(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return g.checks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", domain.RepoChecksFileName, err)
	}

	var rc domain.RepoChecks
	if err := toml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", domain.RepoChecksFileName, err)
	}
	for _, c := range rc.Checks {
		if c.Name == "" || c.Command == "" {
			return nil, fmt.Errorf("%s: every check needs a name and a command", domain.RepoChecksFileName)
		}
	}
	if len(rc.Checks) == 0 {
		return g.checks, nil
	}
	return rc.Checks, nil
}

// runChecks runs checks in order and stops at the first failure.
func (g *Gate) runChecks(ctx context.Context, key domain.TaskKey, dir string, checks []domain.CheckConfig) ([]domain.CheckResult, *domain.CheckFailedError) {
	results := make([]domain.CheckResult, 0, len(checks))
	for _, c := range checks {
		g.logger.Debug(key, "gate", "running check "+c.Name)
		cctx, cancel := context.WithTimeout(ctx, g.checkTimeout)
		out, err := g.executor.Execute(cctx, domain.NewShellCommand(c.Command, dir))
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if timedOut {
				err = fmt.Errorf("timed out after %s", g.checkTimeout)
			}
			results = append(results, domain.CheckResult{Name: c.Name})
			return results, &domain.CheckFailedError{
				Name:   c.Name,
				Output: domain.TailString(strings.TrimSpace(string(out)), checkOutputBytes),
				Err:    err,
			}
		}
		results = append(results, domain.CheckResult{Name: c.Name, Passed: true})
	}
	return results, nil
}

// publish commits, pushes and opens (or reuses) the pull request.
func (g *Gate) publish(ctx context.Context, task *domain.Task, result domain.UnitStatus, checks []domain.CheckResult) (string, error) {
	branch := result.Branch
	if branch == "" {
		branch = domain.BranchName(g.branchPrefix, task.Key())
	}
	title := pullRequestTitle(task)

	if _, err := g.workspace.CommitAll(ctx, result.Workspace, title); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if err := g.workspace.Push(ctx, result.Workspace, branch); err != nil {
		return "", fmt.Errorf("push: %w", err)
	}

	url, found, err := g.prs.FindPullRequest(ctx, task.Repository, branch)
	if err != nil {
		return "", fmt.Errorf("find pull request: %w", err)
	}
	if found {
		return url, nil
	}
	url, err = g.prs.CreatePullRequest(ctx, domain.PullRequestInput{
		Repository: task.Repository,
		Title:      title,
		Body:       pullRequestBody(task, checks, g.clock.Now()),
		Head:       branch,
		Base:       task.Repository.Branch,
		Draft:      g.draft,
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return url, nil
}

func pullRequestTitle(task *domain.Task) string {
	title := strings.TrimSpace(firstLine(task.Instructions))
	if len(title) > 72 {
		title = strings.TrimSpace(title[:69]) + "..."
	}
	return "crewd: " + title
}

func pullRequestBody(task *domain.Task, checks []domain.CheckResult, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change from background task `%s`.\n\n", task.Key())
	fmt.Fprintf(&b, "- Creator: %s\n", task.Creator)
	fmt.Fprintf(&b, "- Completed: %s\n", now.UTC().Format(time.RFC3339))
	if task.TemplateRef != "" {
		fmt.Fprintf(&b, "- Template: %s\n", task.TemplateRef)
	}
	if task.RetryOf != "" {
		fmt.Fprintf(&b, "- Retry of: %s\n", task.RetryOf)
	}

	b.WriteString("\n### Checks\n\n")
	if len(checks) == 0 {
		b.WriteString("No checks configured.\n")
	}
	for _, c := range checks {
		mark := "x"
		if !c.Passed {
			mark = " "
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Name)
	}

	b.WriteString("\n### Instructions\n\n")
	for _, line := range strings.Split(strings.TrimSpace(task.Instructions), "\n") {
		b.WriteString("> " + line + "\n")
	}
	return b.String()
}
