package domain

// ExecCommand represents an external command to be executed.
// This type is used to pass command information between layers
// without exposing implementation details.
type ExecCommand struct {
	Program string
	Dir     string
	Args    []string
	Env     []string // Extra KEY=VALUE pairs appended to the inherited environment
}

// NewCommand creates an ExecCommand for a program with arguments.
func NewCommand(program string, args []string, dir string) *ExecCommand {
	return &ExecCommand{Program: program, Args: args, Dir: dir}
}

// NewShellCommand creates an ExecCommand that runs script with sh -c.
func NewShellCommand(script, dir string) *ExecCommand {
	return &ExecCommand{Program: "sh", Args: []string{"-c", script}, Dir: dir}
}

// WithEnv returns the command with extra environment entries.
func (c *ExecCommand) WithEnv(env ...string) *ExecCommand {
	c.Env = append(c.Env, env...)
	return c
}
