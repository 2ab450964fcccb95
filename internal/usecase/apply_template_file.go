package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/runoshun/crewd/internal/domain"
	"gopkg.in/yaml.v3"
)

// ApplyTemplateFileInput contains the parameters for loading templates from YAML.
type ApplyTemplateFileInput struct {
	Scope   string
	Content []byte // One or more YAML documents, one template each
	DryRun  bool   // If true, parse and validate without storing
}

// ApplyTemplateFileOutput contains the result of applying a template file.
type ApplyTemplateFileOutput struct {
	Created []string // Names of stored (or, in dry-run, valid) templates
	Skipped []string // Names that already existed
}

// ApplyTemplateFile is the use case for creating templates from a YAML file.
//
// Example document:
//
//	name: upgrade-dependency
//	description: Bump a library
//	instructions: Upgrade {{ lib }} to {{ version }}
//	parameters:
//	  - name: lib
//	    type: string
//	    required: true
type ApplyTemplateFile struct {
	create *CreateTemplate
}

// NewApplyTemplateFile creates a new ApplyTemplateFile use case.
func NewApplyTemplateFile(create *CreateTemplate) *ApplyTemplateFile {
	return &ApplyTemplateFile{create: create}
}

// Execute parses every document and creates each template.
// Existing templates are skipped so the file can be applied repeatedly.
func (uc *ApplyTemplateFile) Execute(ctx context.Context, in ApplyTemplateFileInput) (*ApplyTemplateFileOutput, error) {
	tpls, err := ParseTemplates(in.Content)
	if err != nil {
		return nil, err
	}

	out := &ApplyTemplateFileOutput{}
	for i, tpl := range tpls {
		if in.DryRun {
			tpl.Scope = in.Scope
			if err := domain.ValidateTemplate(tpl); err != nil {
				return nil, fmt.Errorf("document %d: %w", i+1, err)
			}
			out.Created = append(out.Created, tpl.Name)
			continue
		}
		_, err := uc.create.Execute(ctx, CreateTemplateInput{Scope: in.Scope, Template: tpl})
		switch {
		case errors.Is(err, domain.ErrTemplateExists):
			out.Skipped = append(out.Skipped, tpl.Name)
		case err != nil:
			return out, fmt.Errorf("document %d: %w", i+1, err)
		default:
			out.Created = append(out.Created, tpl.Name)
		}
	}
	return out, nil
}

// ParseTemplates decodes a multi-document YAML stream into templates.
func ParseTemplates(content []byte) ([]*domain.TaskTemplate, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var tpls []*domain.TaskTemplate
	for {
		var tpl domain.TaskTemplate
		err := dec.Decode(&tpl)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.InvalidRequestf("parse template document %d: %v", len(tpls)+1, err)
		}
		tpls = append(tpls, &tpl)
	}
	if len(tpls) == 0 {
		return nil, domain.InvalidRequestf("no templates found")
	}
	return tpls, nil
}
