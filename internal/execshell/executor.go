package execshell

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	loggerRequiredMessageConstant    = "shell executor requires a logger"
	runnerRequiredMessageConstant    = "shell executor requires a command runner"
	commandFailedTemplateConstant    = "%s command failed with exit code %d"
	commandStartedMessageConstant    = "shell command started"
	commandCompletedMessageConstant  = "shell command completed"
	commandFailureMessageConstant    = "shell command execution failed"
	logFieldCommandNameConstant      = "command_name"
	logFieldCommandArgumentsConstant = "arguments"
	logFieldExitCodeConstant         = "exit_code"
	logFieldWorkingDirectoryConstant = "working_directory"
)

// ShellExecutor coordinates subprocess execution with logging and timeouts.
type ShellExecutor struct {
	logger *zap.Logger
	runner CommandRunner
}

// NewShellExecutor validates dependencies and constructs a ShellExecutor.
func NewShellExecutor(logger *zap.Logger, runner CommandRunner) (*ShellExecutor, error) {
	if logger == nil {
		return nil, errors.New(loggerRequiredMessageConstant)
	}
	if runner == nil {
		return nil, errors.New(runnerRequiredMessageConstant)
	}
	return &ShellExecutor{logger: logger, runner: runner}, nil
}

// ExecuteGit runs a git command with the supplied details.
func (executor *ShellExecutor) ExecuteGit(executionContext context.Context, details CommandDetails) (ExecutionResult, error) {
	return executor.execute(executionContext, ShellCommand{Name: CommandGit, Details: details})
}

// ExecuteTool runs an arbitrary external scanner tool. Callers supply the
// executable name; details carry arguments and an optional timeout.
func (executor *ShellExecutor) ExecuteTool(executionContext context.Context, toolName string, details CommandDetails) (ExecutionResult, error) {
	return executor.execute(executionContext, ShellCommand{Name: CommandName(toolName), Details: details})
}

func (executor *ShellExecutor) execute(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	boundedContext := executionContext
	if command.Details.Timeout > 0 {
		var cancelFunction context.CancelFunc
		boundedContext, cancelFunction = context.WithTimeout(executionContext, command.Details.Timeout)
		defer cancelFunction()
	}

	executor.logger.Debug(commandStartedMessageConstant,
		zap.String(logFieldCommandNameConstant, string(command.Name)),
		zap.Strings(logFieldCommandArgumentsConstant, command.Details.Arguments),
		zap.String(logFieldWorkingDirectoryConstant, command.Details.WorkingDirectory),
	)

	executionResult, executionError := executor.runner.Run(boundedContext, command)
	if executionError != nil {
		executor.logger.Debug(commandFailureMessageConstant,
			zap.String(logFieldCommandNameConstant, string(command.Name)),
			zap.Error(executionError),
		)
		return ExecutionResult{}, executionError
	}

	executor.logger.Debug(commandCompletedMessageConstant,
		zap.String(logFieldCommandNameConstant, string(command.Name)),
		zap.Int(logFieldExitCodeConstant, executionResult.ExitCode),
	)

	if executionResult.ExitCode != 0 {
		return executionResult, fmt.Errorf(commandFailedTemplateConstant, command.Name, executionResult.ExitCode)
	}

	return executionResult, nil
}
