package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/usecase"
	"github.com/spf13/cobra"
)

// newTaskCommand creates the task command group.
func newTaskCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks"},
		Short:   "Submit and manage tasks",
		// No RunE: shows subcommand list when called without arguments
	}

	cmd.AddCommand(
		newTaskNewCommand(e),
		newTaskListCommand(e),
		newTaskShowCommand(e),
		newTaskRetryCommand(e),
		newTaskCancelCommand(e),
		newTaskDeleteCommand(e),
	)
	return cmd
}

// newTaskNewCommand creates the task new command.
func newTaskNewCommand(e *env) *cobra.Command {
	var opts struct {
		Params           []string
		Repo             string
		Branch           string
		Name             string
		Instructions     string
		InstructionsFile string
		Template         string
		Deadline         time.Duration
	}

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Submit a new background task",
		Long: `Submit a new background task.

The task is admitted in phase Pending and picked up by a running
'crewd serve'. Each user may have one active task per scope.

Instructions come from --instructions, --instructions-file ('-' reads
stdin) or a template (--template with --param name=value).

Examples:
  # Free-text instructions
  crewd task new --repo https://github.com/acme/api.git \
    --instructions "Fix the flaky TestOrderSync test"

  # From a template
  crewd task new --repo https://github.com/acme/api.git \
    --template bump-dep --param dep=golang.org/x/net --param version=v0.39.0

  # Longer instructions from a file, with a 20 minute deadline
  crewd task new --repo https://github.com/acme/api.git \
    --instructions-file plan.md --deadline 20m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instructions := opts.Instructions
			if opts.InstructionsFile != "" {
				if instructions != "" {
					return fmt.Errorf("--instructions and --instructions-file are mutually exclusive")
				}
				content, err := readInput(cmd.InOrStdin(), opts.InstructionsFile)
				if err != nil {
					return err
				}
				instructions = string(content)
			}
			params, err := parseParams(opts.Params)
			if err != nil {
				return err
			}

			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.AdmitTaskUseCase().Execute(cmd.Context(), usecase.AdmitTaskInput{
				Params:          params,
				Repository:      domain.Repository{URL: opts.Repo, Branch: opts.Branch},
				Scope:           e.scope,
				Creator:         e.user,
				Name:            opts.Name,
				Instructions:    instructions,
				TemplateRef:     opts.Template,
				DeadlineSeconds: int(opts.Deadline / time.Second),
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", out.Task.Key())
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Repo, "repo", "", "Repository URL (required)")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "Base branch (default main)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Task name (default generated)")
	cmd.Flags().StringVarP(&opts.Instructions, "instructions", "m", "", "Instructions for the agent")
	cmd.Flags().StringVarP(&opts.InstructionsFile, "instructions-file", "f", "", "Read instructions from a file ('-' for stdin)")
	cmd.Flags().StringVarP(&opts.Template, "template", "t", "", "Template to instantiate")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "Template parameter name=value (repeatable)")
	cmd.Flags().DurationVar(&opts.Deadline, "deadline", 0, "Hard time limit (default [admission].default_deadline_seconds)")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

// newTaskListCommand creates the task list command.
func newTaskListCommand(e *env) *cobra.Command {
	var opts struct {
		Phases    []string
		Creator   string
		Limit     int
		Mine      bool
		AllScopes bool
		JSON      bool
	}

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Long: `List tasks of the current scope, oldest first.

Output columns: NAME, PHASE, PROGRESS, CREATOR, AGE, DETAIL

Examples:
  crewd task list
  crewd task list --phase running --phase pending
  crewd task list --mine --limit 10
  crewd task list --all-scopes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := usecase.ListTasksInput{
				Scope:   e.scope,
				Creator: opts.Creator,
				Limit:   opts.Limit,
			}
			if opts.AllScopes {
				in.Scope = ""
			}
			if opts.Mine {
				in.Creator = e.user
			}
			for _, s := range opts.Phases {
				for part := range strings.SplitSeq(s, ",") {
					p, err := domain.ParsePhase(strings.TrimSpace(part))
					if err != nil {
						return fmt.Errorf("%q: %w", part, err)
					}
					in.Phases = append(in.Phases, p)
				}
			}

			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.ListTasksUseCase().Execute(cmd.Context(), in)
			if err != nil {
				return err
			}

			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), out.Tasks)
			}
			printTaskList(cmd.OutOrStdout(), out.Tasks, c.Clock, opts.AllScopes)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&opts.Phases, "phase", nil, "Filter by phase (repeatable or comma-separated)")
	cmd.Flags().StringVar(&opts.Creator, "creator", "", "Filter by creator")
	cmd.Flags().BoolVar(&opts.Mine, "mine", false, "Only tasks created by --user")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Show only the most recent N tasks")
	cmd.Flags().BoolVarP(&opts.AllScopes, "all-scopes", "A", false, "List tasks of every scope")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")

	return cmd
}

// printTaskList prints tasks in TSV format.
func printTaskList(w io.Writer, tasks []*domain.Task, clock domain.Clock, withScope bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "NAME\tPHASE\tPROGRESS\tCREATOR\tAGE\tDETAIL")

	for _, task := range tasks {
		name := task.Name
		if withScope {
			name = task.Key().String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\n",
			name,
			task.Status.Phase,
			task.Status.ProgressPercent,
			task.Creator,
			formatDuration(clock.Now().Sub(task.Created)),
			taskDetail(task),
		)
	}
}

// taskDetail returns the most useful one-line summary of a task's state.
func taskDetail(task *domain.Task) string {
	st := task.Status
	switch {
	case st.ExternalArtifactURL != "":
		return st.ExternalArtifactURL
	case st.ErrorDetail != "":
		return firstLine(st.ErrorDetail)
	case task.CancelRequested && !st.Phase.IsTerminal():
		return "cancelling"
	case st.CurrentPhaseLabel != "":
		return st.CurrentPhaseLabel
	default:
		return "-"
	}
}

// newTaskShowCommand creates the task show command.
func newTaskShowCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.ShowTaskUseCase().Execute(cmd.Context(), usecase.ShowTaskInput{
				Scope: e.scope,
				Name:  args[0],
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out.Task)
			}
			printTaskDetail(cmd.OutOrStdout(), out.Task, out.Unit)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// printTaskDetail prints the full state of a task.
func printTaskDetail(w io.Writer, task *domain.Task, unit *domain.ExecutionUnitRecord) {
	st := task.Status

	_, _ = fmt.Fprintf(w, "Task: %s\n", task.Key())
	phase := fmt.Sprintf("%s (%d%%)", st.Phase, st.ProgressPercent)
	if st.CurrentPhaseLabel != "" {
		phase += " " + st.CurrentPhaseLabel
	}
	_, _ = fmt.Fprintf(w, "Phase: %s\n", phase)
	if task.CancelRequested && !st.Phase.IsTerminal() {
		_, _ = fmt.Fprintln(w, "Cancel: requested")
	}
	_, _ = fmt.Fprintf(w, "Creator: %s\n", task.Creator)
	_, _ = fmt.Fprintf(w, "Repository: %s (%s)\n", task.Repository.URL, task.Repository.Branch)
	if task.TemplateRef != "" {
		_, _ = fmt.Fprintf(w, "Template: %s\n", task.TemplateRef)
	}
	if task.RetryOf != "" {
		_, _ = fmt.Fprintf(w, "Retry of: %s (retry #%d)\n", task.RetryOf, st.RetryCount)
	}
	_, _ = fmt.Fprintf(w, "Deadline: %s\n", task.Deadline())
	_, _ = fmt.Fprintf(w, "Created: %s\n", task.Created.Format(time.RFC3339))
	if !st.Started.IsZero() {
		_, _ = fmt.Fprintf(w, "Started: %s\n", st.Started.Format(time.RFC3339))
	}
	if !st.Finished.IsZero() {
		_, _ = fmt.Fprintf(w, "Finished: %s\n", st.Finished.Format(time.RFC3339))
	}
	if unit != nil {
		_, _ = fmt.Fprintf(w, "Unit: %s\n", unit.Handle)
	}
	if st.ExternalArtifactURL != "" {
		_, _ = fmt.Fprintf(w, "Pull request: %s\n", st.ExternalArtifactURL)
	}
	if st.ErrorDetail != "" {
		_, _ = fmt.Fprintf(w, "Error: %s\n", st.ErrorDetail)
	}

	if len(st.Checks) > 0 {
		_, _ = fmt.Fprintln(w, "\nChecks:")
		for _, chk := range st.Checks {
			mark := "FAIL"
			if chk.Passed {
				mark = "ok"
			}
			_, _ = fmt.Fprintf(w, "  %-4s %s\n", mark, chk.Name)
		}
	}

	_, _ = fmt.Fprintln(w, "\nInstructions:")
	printIndented(w, task.Instructions)

	if st.LogTail != "" {
		_, _ = fmt.Fprintln(w, "\nLog tail:")
		printIndented(w, st.LogTail)
	}
}

// newTaskRetryCommand creates the task retry command.
func newTaskRetryCommand(e *env) *cobra.Command {
	var newName string

	cmd := &cobra.Command{
		Use:   "retry <name>",
		Short: "Retry a Failed or Timeout task as a new task",
		Long: `Retry a Failed or Timeout task.

The original task is left untouched. A new Pending task is admitted
with the same repository, instructions and deadline, and records the
original in its retry-of label.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			out, err := c.RetryTaskUseCase().Execute(cmd.Context(), usecase.RetryTaskInput{
				Scope:   e.scope,
				Name:    args[0],
				Creator: e.user,
				NewName: newName,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s (retry #%d of %s)\n",
				out.Task.Key(), out.Task.Status.RetryCount, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&newName, "name", "", "Name of the new task (default generated)")
	return cmd
}

// newTaskCancelCommand creates the task cancel command.
func newTaskCancelCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <name>",
		Short: "Request cancellation of a task",
		Long: `Request cancellation of a task.

The engine stops the execution unit and moves the task to Stopped.
The validation gate does not run for cancelled tasks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			_, err = c.CancelTaskUseCase().Execute(cmd.Context(), usecase.CancelTaskInput{
				Scope: e.scope,
				Name:  args[0],
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s/%s\n", e.scope, args[0])
			return nil
		},
	}
}

// newTaskDeleteCommand creates the task delete command.
func newTaskDeleteCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>...",
		Aliases: []string{"rm"},
		Short:   "Delete tasks and their execution units",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			uc := c.DeleteTaskUseCase()
			for _, name := range args {
				if _, err := uc.Execute(cmd.Context(), usecase.DeleteTaskInput{Scope: e.scope, Name: name}); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s/%s\n", e.scope, name)
			}
			return nil
		},
	}
}

// parseParams parses name=value pairs.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: expected name=value", pair)
		}
		params[name] = value
	}
	return params, nil
}

// readInput reads a file, or stdin when path is "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIndented(w io.Writer, text string) {
	for line := range strings.SplitSeq(strings.TrimRight(text, "\n"), "\n") {
		_, _ = fmt.Fprintf(w, "  %s\n", line)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
