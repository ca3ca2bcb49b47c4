package execshell

import (
	"context"
	"time"
)

// CommandName identifies the executable invoked by the ShellExecutor.
type CommandName string

// Supported executables.
const (
	CommandGit CommandName = "git"
)

// CommandDetails captures the arguments and environment for one invocation.
// A zero Timeout leaves the caller's context deadline in force.
type CommandDetails struct {
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	StandardInput        []byte
	Timeout              time.Duration
}

// ShellCommand couples an executable name with its invocation details.
type ShellCommand struct {
	Name    CommandName
	Details CommandDetails
}

// ExecutionResult captures the outcome of a completed command.
type ExecutionResult struct {
	StandardOutput string
	StandardError  string
	ExitCode       int
}

// CommandRunner abstracts process execution for deterministic testing.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}
