package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/runoshun/crewd/internal/domain"
)

// ProjectSummary describes one scope known to the engine.
// Fields are ordered to minimize memory padding.
type ProjectSummary struct {
	Name      string               `json:"name"`
	Phases    map[domain.Phase]int `json:"phases,omitempty"`
	Tasks     int                  `json:"tasks"`
	Active    int                  `json:"active"`
	Templates int                  `json:"templates"`
}

// ListProjectsOutput contains every scope that holds a task or a template.
type ListProjectsOutput struct {
	Projects []ProjectSummary
}

// ListProjects is the use case for enumerating scopes.
type ListProjects struct {
	tasks     domain.TaskStore
	templates domain.TemplateStore
}

// NewListProjects creates a new ListProjects use case.
func NewListProjects(tasks domain.TaskStore, templates domain.TemplateStore) *ListProjects {
	return &ListProjects{tasks: tasks, templates: templates}
}

// Execute returns the scopes sorted by name.
func (uc *ListProjects) Execute(ctx context.Context) (*ListProjectsOutput, error) {
	byName, err := uc.collect(ctx, "")
	if err != nil {
		return nil, err
	}
	out := &ListProjectsOutput{Projects: make([]ProjectSummary, 0, len(byName))}
	for _, p := range byName {
		out.Projects = append(out.Projects, *p)
	}
	sort.Slice(out.Projects, func(i, j int) bool { return out.Projects[i].Name < out.Projects[j].Name })
	return out, nil
}

// GetProjectInput identifies a scope.
type GetProjectInput struct {
	Name string
}

// GetProject is the use case for summarizing a single scope.
type GetProject struct {
	list *ListProjects
}

// NewGetProject creates a new GetProject use case.
func NewGetProject(tasks domain.TaskStore, templates domain.TemplateStore) *GetProject {
	return &GetProject{list: NewListProjects(tasks, templates)}
}

// Execute returns the scope's summary. A scope without tasks or templates
// does not exist.
func (uc *GetProject) Execute(ctx context.Context, in GetProjectInput) (*ProjectSummary, error) {
	if in.Name == "" {
		return nil, domain.InvalidRequestf("project name is required")
	}
	byName, err := uc.list.collect(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	p, ok := byName[in.Name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", in.Name, domain.ErrProjectNotFound)
	}
	return p, nil
}

func (uc *ListProjects) collect(ctx context.Context, scope string) (map[string]*ProjectSummary, error) {
	tasks, err := uc.tasks.List(ctx, domain.TaskFilter{Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tpls, err := uc.templates.ListTemplates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	byName := make(map[string]*ProjectSummary)
	get := func(name string) *ProjectSummary {
		p, ok := byName[name]
		if !ok {
			p = &ProjectSummary{Name: name, Phases: make(map[domain.Phase]int)}
			byName[name] = p
		}
		return p
	}
	for _, t := range tasks {
		p := get(t.Scope)
		p.Tasks++
		p.Phases[t.Status.Phase]++
		if !t.Status.Phase.IsTerminal() {
			p.Active++
		}
	}
	for _, tpl := range tpls {
		get(tpl.Scope).Templates++
	}
	return byName, nil
}
