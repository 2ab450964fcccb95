package cli

import (
	"time"

	"github.com/runoshun/crewd/internal/tui"
	"github.com/spf13/cobra"
)

// newTopCommand creates the top command that opens the live dashboard.
func newTopCommand(e *env) *cobra.Command {
	var opts struct {
		Interval  time.Duration
		AllScopes bool
	}

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch tasks in an interactive dashboard",
		Long: `Open a live dashboard of the tasks in the current scope.

The list refreshes periodically and shows each task's phase, progress
and latest detail. Tasks can be inspected, cancelled, retried and
deleted from the dashboard.

Keybindings:
  enter  Show task detail
  c      Cancel task
  R      Retry failed task
  d      Delete task
  /      Filter by text
  f      Cycle phase filter
  m      Show only my tasks
  ?      Full help
  q      Quit

Examples:
  crewd top
  crewd top --all-scopes --interval 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			return tui.Run(c, tui.Options{
				Scope:     e.scope,
				User:      e.user,
				Interval:  opts.Interval,
				AllScopes: opts.AllScopes,
			})
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", tui.DefaultRefreshInterval, "Refresh interval")
	cmd.Flags().BoolVarP(&opts.AllScopes, "all-scopes", "A", false, "Show tasks of every scope")

	return cmd
}
