package hashing

import (
	"context"
	"strings"
	"time"

	"github.com/temirov/coreaudit/internal/execshell"
)

const (
	gitRevParseSubcommandConstant  = "rev-parse"
	gitShortFlagConstant           = "--short"
	gitHeadReferenceConstant       = "HEAD"
	gitPreviousHeadRefConstant     = "HEAD~1"
	gitMergeBaseSubcommandConstant = "merge-base"
	gitDiffSubcommandConstant      = "diff"
	gitNameOnlyFlagConstant        = "--name-only"
	defaultBaseBranchConstant      = "main"
	unknownCommitValueConstant     = "unknown"
	gitCommandTimeoutConstant      = 5 * time.Second
)

// GitExecutor exposes the subset of shell execution used for change
// detection and provenance.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// GitMetadataReader resolves repository provenance and changed paths
// through git. Every method degrades gracefully: git being unavailable
// never aborts an audit, it only disables the accelerator.
type GitMetadataReader struct {
	executor       GitExecutor
	repositoryRoot string
}

// NewGitMetadataReader constructs a reader rooted at the audited repository.
func NewGitMetadataReader(executor GitExecutor, repositoryRoot string) *GitMetadataReader {
	return &GitMetadataReader{executor: executor, repositoryRoot: repositoryRoot}
}

// CommitHash returns the short commit hash of HEAD, or "unknown" when the
// repository has no git metadata.
func (reader *GitMetadataReader) CommitHash(executionContext context.Context) string {
	if reader == nil || reader.executor == nil {
		return unknownCommitValueConstant
	}

	executionResult, executionError := reader.executor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:        []string{gitRevParseSubcommandConstant, gitShortFlagConstant, gitHeadReferenceConstant},
		WorkingDirectory: reader.repositoryRoot,
		Timeout:          gitCommandTimeoutConstant,
	})
	if executionError != nil {
		return unknownCommitValueConstant
	}

	commitHash := strings.TrimSpace(executionResult.StandardOutput)
	if len(commitHash) == 0 {
		return unknownCommitValueConstant
	}
	return commitHash
}

// ChangedPaths lists files changed since the merge base with the base
// branch. Hash comparison stays authoritative for differential decisions;
// this is an accelerator and a reporting aid only.
func (reader *GitMetadataReader) ChangedPaths(executionContext context.Context, baseBranch string) []string {
	if reader == nil || reader.executor == nil {
		return nil
	}
	if len(strings.TrimSpace(baseBranch)) == 0 {
		baseBranch = defaultBaseBranchConstant
	}

	mergeBase := gitPreviousHeadRefConstant
	mergeBaseResult, mergeBaseError := reader.executor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:        []string{gitMergeBaseSubcommandConstant, baseBranch, gitHeadReferenceConstant},
		WorkingDirectory: reader.repositoryRoot,
		Timeout:          gitCommandTimeoutConstant,
	})
	if mergeBaseError == nil {
		if resolved := strings.TrimSpace(mergeBaseResult.StandardOutput); len(resolved) > 0 {
			mergeBase = resolved
		}
	}

	diffResult, diffError := reader.executor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:        []string{gitDiffSubcommandConstant, gitNameOnlyFlagConstant, mergeBase},
		WorkingDirectory: reader.repositoryRoot,
		Timeout:          gitCommandTimeoutConstant,
	})
	if diffError != nil {
		return nil
	}

	var changedPaths []string
	for _, line := range strings.Split(diffResult.StandardOutput, "\n") {
		trimmedLine := strings.TrimSpace(line)
		if len(trimmedLine) > 0 {
			changedPaths = append(changedPaths, trimmedLine)
		}
	}
	return changedPaths
}
