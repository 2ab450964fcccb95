package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// CreateTemplateInput contains the parameters for creating a template.
type CreateTemplateInput struct {
	Template *domain.TaskTemplate
	Scope    string
}

// CreateTemplateOutput contains the stored template.
type CreateTemplateOutput struct {
	Template *domain.TaskTemplate
}

// CreateTemplate is the use case for registering a TaskTemplate.
type CreateTemplate struct {
	templates domain.TemplateStore
	clock     domain.Clock
	logger    domain.Logger
}

// NewCreateTemplate creates a new CreateTemplate use case.
func NewCreateTemplate(templates domain.TemplateStore, clock domain.Clock, logger domain.Logger) *CreateTemplate {
	return &CreateTemplate{
		templates: templates,
		clock:     clock,
		logger:    logger,
	}
}

// Execute validates and stores the template.
// Usage statistics always start at zero.
func (uc *CreateTemplate) Execute(ctx context.Context, in CreateTemplateInput) (*CreateTemplateOutput, error) {
	if in.Template == nil {
		return nil, domain.InvalidRequestf("template is required")
	}
	if err := domain.ValidateName(in.Scope); err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}

	tpl := in.Template.Clone()
	tpl.Scope = in.Scope
	tpl.Created = uc.clock.Now()
	tpl.UsageCount = 0
	tpl.LastUsedAt = time.Time{}
	if err := domain.ValidateTemplate(tpl); err != nil {
		return nil, err
	}

	if err := uc.templates.CreateTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("create template %s/%s: %w", tpl.Scope, tpl.Name, err)
	}
	uc.logger.Info(domain.TaskKey{}, "template", fmt.Sprintf("created %s/%s", tpl.Scope, tpl.Name))
	return &CreateTemplateOutput{Template: tpl}, nil
}

// ListTemplatesInput contains the parameters for listing templates.
type ListTemplatesInput struct {
	Scope string
}

// ListTemplatesOutput contains the templates of a scope.
type ListTemplatesOutput struct {
	Templates []*domain.TaskTemplate
}

// ListTemplates is the use case for listing templates.
type ListTemplates struct {
	templates domain.TemplateStore
}

// NewListTemplates creates a new ListTemplates use case.
func NewListTemplates(templates domain.TemplateStore) *ListTemplates {
	return &ListTemplates{templates: templates}
}

// Execute lists the templates of a scope sorted by name.
func (uc *ListTemplates) Execute(ctx context.Context, in ListTemplatesInput) (*ListTemplatesOutput, error) {
	tpls, err := uc.templates.ListTemplates(ctx, in.Scope)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return &ListTemplatesOutput{Templates: tpls}, nil
}

// TemplateRefInput identifies a template.
type TemplateRefInput struct {
	Scope string
	Name  string
}

// ShowTemplateOutput contains a template.
type ShowTemplateOutput struct {
	Template *domain.TaskTemplate
}

// ShowTemplate is the use case for displaying a template.
type ShowTemplate struct {
	templates domain.TemplateStore
}

// NewShowTemplate creates a new ShowTemplate use case.
func NewShowTemplate(templates domain.TemplateStore) *ShowTemplate {
	return &ShowTemplate{templates: templates}
}

// Execute retrieves the template.
func (uc *ShowTemplate) Execute(ctx context.Context, in TemplateRefInput) (*ShowTemplateOutput, error) {
	tpl, err := uc.templates.GetTemplate(ctx, in.Scope, in.Name)
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &ShowTemplateOutput{Template: tpl}, nil
}

// DeleteTemplate is the use case for removing a template.
// Tasks already derived from it keep their instructions.
type DeleteTemplate struct {
	templates domain.TemplateStore
	logger    domain.Logger
}

// NewDeleteTemplate creates a new DeleteTemplate use case.
func NewDeleteTemplate(templates domain.TemplateStore, logger domain.Logger) *DeleteTemplate {
	return &DeleteTemplate{templates: templates, logger: logger}
}

// Execute deletes the template.
func (uc *DeleteTemplate) Execute(ctx context.Context, in TemplateRefInput) error {
	if err := uc.templates.DeleteTemplate(ctx, in.Scope, in.Name); err != nil {
		return fmt.Errorf("delete template %s/%s: %w", in.Scope, in.Name, err)
	}
	uc.logger.Info(domain.TaskKey{}, "template", fmt.Sprintf("deleted %s/%s", in.Scope, in.Name))
	return nil
}
