package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/usecase"
	"github.com/spf13/cobra"
)

// newTemplateCommand creates the template command group.
func newTemplateCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"tpl"},
		Short:   "Manage task templates",
		// No RunE: shows subcommand list when called without arguments
	}

	cmd.AddCommand(
		newTemplateCreateCommand(e),
		newTemplateApplyCommand(e),
		newTemplateListCommand(e),
		newTemplateShowCommand(e),
		newTemplateDeleteCommand(e),
	)
	return cmd
}

// newTemplateCreateCommand creates the template create command.
func newTemplateCreateCommand(e *env) *cobra.Command {
	var opts struct {
		Params           []string
		Description      string
		Instructions     string
		InstructionsFile string
	}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a template",
		Long: `Create a parameterized task template.

Placeholders in the instructions are written {{ name }} and must be
declared with --param:

  --param dep            required string
  --param count:integer  required integer
  --param draft:boolean=false
                         optional boolean with a default

Example:
  crewd template create bump-dep \
    --instructions "Upgrade {{ dep }} to {{ version }} and fix the build" \
    --param dep --param version`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instructions := opts.Instructions
			if opts.InstructionsFile != "" {
				content, err := readInput(cmd.InOrStdin(), opts.InstructionsFile)
				if err != nil {
					return err
				}
				instructions = string(content)
			}
			params := make([]domain.TemplateParameter, 0, len(opts.Params))
			for _, spec := range opts.Params {
				p, err := parseParamSpec(spec)
				if err != nil {
					return err
				}
				params = append(params, p)
			}

			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.CreateTemplateUseCase().Execute(cmd.Context(), usecase.CreateTemplateInput{
				Scope: e.scope,
				Template: &domain.TaskTemplate{
					Name:                 args[0],
					Description:          opts.Description,
					InstructionsTemplate: instructions,
					Parameters:           params,
				},
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created template %s/%s\n", out.Template.Scope, out.Template.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Description, "description", "d", "", "Template description")
	cmd.Flags().StringVarP(&opts.Instructions, "instructions", "m", "", "Instructions with {{ placeholders }}")
	cmd.Flags().StringVarP(&opts.InstructionsFile, "instructions-file", "f", "", "Read instructions from a file ('-' for stdin)")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "Parameter declaration name[:type][=default] (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("instructions", "instructions-file")

	return cmd
}

// parseParamSpec parses name[:type][=default].
// A default makes the parameter optional.
func parseParamSpec(spec string) (domain.TemplateParameter, error) {
	p := domain.TemplateParameter{Type: domain.ParamString, Required: true}

	head, def, hasDefault := strings.Cut(spec, "=")
	name, typ, hasType := strings.Cut(head, ":")
	if name == "" {
		return p, fmt.Errorf("invalid --param %q: missing name", spec)
	}
	p.Name = name
	if hasType {
		p.Type = domain.ParameterType(typ)
		if !p.Type.IsValid() {
			return p, fmt.Errorf("invalid --param %q: unknown type %q", spec, typ)
		}
	}
	if hasDefault {
		p.DefaultValue = &def
		p.Required = false
	}
	return p, nil
}

// newTemplateApplyCommand creates the template apply command.
func newTemplateApplyCommand(e *env) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Create templates from a YAML file",
		Long: `Create templates from a YAML file with one document per template.
Templates that already exist are skipped, so a file can be applied
repeatedly.

File format:
  name: bump-dep
  description: Upgrade one dependency
  instructions: Upgrade {{ dep }} to {{ version }}
  parameters:
    - name: dep
      type: string
      required: true
    - name: version
      type: string
      default: latest
  ---
  name: fix-lint
  instructions: Fix every lint warning`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.ApplyTemplateFileUseCase().Execute(cmd.Context(), usecase.ApplyTemplateFileInput{
				Scope:   e.scope,
				Content: content,
				DryRun:  dryRun,
			})

			w := cmd.OutOrStdout()
			if out != nil {
				verb := "Created"
				if dryRun {
					verb = "Valid"
				}
				for _, name := range out.Created {
					_, _ = fmt.Fprintf(w, "%s template %s/%s\n", verb, e.scope, name)
				}
				for _, name := range out.Skipped {
					_, _ = fmt.Fprintf(w, "Skipped existing template %s/%s\n", e.scope, name)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate without storing")
	return cmd
}

// newTemplateListCommand creates the template list command.
func newTemplateListCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List templates",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.ListTemplatesUseCase().Execute(cmd.Context(), usecase.ListTemplatesInput{Scope: e.scope})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out.Templates)
			}
			printTemplateList(cmd.OutOrStdout(), out.Templates)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printTemplateList(w io.Writer, tpls []*domain.TaskTemplate) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "NAME\tPARAMS\tUSED\tLAST USED\tDESCRIPTION")
	for _, tpl := range tpls {
		names := make([]string, 0, len(tpl.Parameters))
		for _, p := range tpl.Parameters {
			names = append(names, p.Name)
		}
		params := "-"
		if len(names) > 0 {
			params = strings.Join(names, ",")
		}
		lastUsed := "-"
		if !tpl.LastUsedAt.IsZero() {
			lastUsed = tpl.LastUsedAt.Format(time.DateTime)
		}
		desc := tpl.Description
		if desc == "" {
			desc = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", tpl.Name, params, tpl.UsageCount, lastUsed, desc)
	}
}

// newTemplateShowCommand creates the template show command.
func newTemplateShowCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.ShowTemplateUseCase().Execute(cmd.Context(), usecase.TemplateRefInput{
				Scope: e.scope,
				Name:  args[0],
			})
			if err != nil {
				return err
			}

			tpl := out.Template
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Template: %s/%s\n", tpl.Scope, tpl.Name)
			if tpl.Description != "" {
				_, _ = fmt.Fprintf(w, "Description: %s\n", tpl.Description)
			}
			_, _ = fmt.Fprintf(w, "Used: %d\n", tpl.UsageCount)
			if len(tpl.Parameters) > 0 {
				_, _ = fmt.Fprintln(w, "\nParameters:")
				for _, p := range tpl.Parameters {
					line := fmt.Sprintf("  %s (%s", p.Name, p.Type)
					if p.Required {
						line += ", required"
					}
					if p.DefaultValue != nil {
						line += fmt.Sprintf(", default %q", *p.DefaultValue)
					}
					line += ")"
					if p.Description != "" {
						line += " " + p.Description
					}
					_, _ = fmt.Fprintln(w, line)
				}
			}
			_, _ = fmt.Fprintln(w, "\nInstructions:")
			printIndented(w, tpl.InstructionsTemplate)
			return nil
		},
	}
}

// newTemplateDeleteCommand creates the template delete command.
func newTemplateDeleteCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a template",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			if err := c.DeleteTemplateUseCase().Execute(cmd.Context(), usecase.TemplateRefInput{
				Scope: e.scope,
				Name:  args[0],
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted template %s/%s\n", e.scope, args[0])
			return nil
		},
	}
}
