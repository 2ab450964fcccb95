// Package cli provides the command-line interface for crewd.
package cli

import (
	"os"

	"github.com/runoshun/crewd/internal/app"
	"github.com/runoshun/crewd/internal/infra/config"
	"github.com/spf13/cobra"
)

// Command group IDs.
const (
	groupEngine = "engine"
	groupTask   = "task"
	groupSetup  = "setup"
)

// Environment variables supplying global flag defaults.
const (
	envScope = "CREWD_SCOPE"
	envUser  = "CREWD_USER"
)

const defaultScope = "default"

// env carries the global flags and the lazily built container.
// Commands that do not need the container (help, config init) never open it.
type env struct {
	c          *app.Container
	open       func(app.Options) (*app.Container, error)
	configPath string
	globalDir  string // Global config directory override (tests)
	scope      string
	user       string
}

// container returns the container, building it on first use.
func (e *env) container(cmd *cobra.Command) (*app.Container, error) {
	if e.c != nil {
		return e.c, nil
	}
	c, err := e.open(app.Options{Out: cmd.ErrOrStderr(), ConfigPath: e.configPath, GlobalDir: e.globalDir})
	if err != nil {
		return nil, err
	}
	e.c = c
	return c, nil
}

// loader returns a config loader for the selected sources without
// opening any connection.
func (e *env) loader() *config.Loader {
	if e.globalDir != "" {
		return config.NewLoaderWithGlobalDir(e.configPath, e.globalDir)
	}
	return config.NewLoader(e.configPath)
}

// NewRootCommand creates the root command for crewd.
func NewRootCommand(version string) *cobra.Command {
	return newRootCommand(&env{open: app.New}, version)
}

func newRootCommand(e *env, version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "crewd",
		Short: "Background coding-agent task orchestration",
		Long: `crewd runs coding agents as background tasks.

A task names one repository and a set of instructions. The engine
admits it, runs an agent against a fresh clone, validates the result
with the configured checks and opens a pull request.

Run 'crewd serve' to start the engine; the task and template commands
talk to the same store.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents Cobra from printing errors (we handle it in main)
		SilenceErrors: true,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if e.c == nil {
				return nil
			}
			return e.c.Close()
		},
	}

	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "Config file (default ./crewd.toml when present)")
	root.PersistentFlags().StringVar(&e.scope, "scope", envOr(envScope, defaultScope), "Project scope")
	root.PersistentFlags().StringVar(&e.user, "user", envOr(envUser, os.Getenv("USER")), "Requesting user")

	root.AddGroup(
		&cobra.Group{ID: groupEngine, Title: "Engine:"},
		&cobra.Group{ID: groupTask, Title: "Task Management:"},
		&cobra.Group{ID: groupSetup, Title: "Setup Commands:"},
	)

	serveCmd := newServeCommand(e)
	serveCmd.GroupID = groupEngine

	topCmd := newTopCommand(e)
	topCmd.GroupID = groupEngine

	taskCmd := newTaskCommand(e)
	taskCmd.GroupID = groupTask

	templateCmd := newTemplateCommand(e)
	templateCmd.GroupID = groupTask

	configCmd := newConfigCommand(e)
	configCmd.GroupID = groupSetup

	root.AddCommand(
		serveCmd,
		topCmd,
		taskCmd,
		templateCmd,
		configCmd,
	)

	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
