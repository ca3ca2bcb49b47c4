package execshell_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/execshell"
)

type stubCommandRunner struct {
	result      execshell.ExecutionResult
	runError    error
	lastCommand execshell.ShellCommand
	invocations int
}

func (runner *stubCommandRunner) Run(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	runner.invocations++
	runner.lastCommand = command
	return runner.result, runner.runError
}

func TestNewShellExecutorRequiresDependencies(t *testing.T) {
	_, missingLoggerError := execshell.NewShellExecutor(nil, &stubCommandRunner{})
	require.Error(t, missingLoggerError)

	_, missingRunnerError := execshell.NewShellExecutor(zap.NewNop(), nil)
	require.Error(t, missingRunnerError)
}

func TestExecuteGit(t *testing.T) {
	testCases := []struct {
		name           string
		runner         *stubCommandRunner
		expectError    bool
		expectedOutput string
	}{
		{
			name: "SuccessfulCommand",
			runner: &stubCommandRunner{
				result: execshell.ExecutionResult{StandardOutput: "abc1234\n", ExitCode: 0},
			},
			expectedOutput: "abc1234\n",
		},
		{
			name: "NonZeroExitCodeFails",
			runner: &stubCommandRunner{
				result: execshell.ExecutionResult{StandardError: "fatal: not a git repository", ExitCode: 128},
			},
			expectError: true,
		},
		{
			name: "RunnerFailurePropagates",
			runner: &stubCommandRunner{
				runError: errors.New("binary not found"),
			},
			expectError: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			executor, constructionError := execshell.NewShellExecutor(zap.NewNop(), testCase.runner)
			require.NoError(t, constructionError)

			executionResult, executionError := executor.ExecuteGit(context.Background(), execshell.CommandDetails{
				Arguments: []string{"rev-parse", "--short", "HEAD"},
			})

			require.Equal(t, 1, testCase.runner.invocations)
			require.Equal(t, execshell.CommandGit, testCase.runner.lastCommand.Name)
			if testCase.expectError {
				require.Error(t, executionError)
				return
			}
			require.NoError(t, executionError)
			require.Equal(t, testCase.expectedOutput, executionResult.StandardOutput)
		})
	}
}
