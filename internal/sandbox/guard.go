// Package sandbox manages quarantined fix candidates: isolated directories
// where generated fixes wait, fully described by metadata, until the
// promoter verifies and applies them.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	traversalViolationReasonConstant  = "path traversal outside the sandbox root"
	symlinkViolationReasonConstant    = "symlink target escapes the sandbox root"
	uncPathViolationReasonConstant    = "UNC paths are not permitted"
	volumeViolationReasonConstant     = "absolute and volume-qualified paths are not permitted"
	securityViolationTemplateConstant = "sandbox write to %q rejected: %s"
)

// SecurityViolation reports a write that attempted to escape the sandbox.
// Violations are terminal for the write, never silently corrected.
type SecurityViolation struct {
	AttemptedPath string
	Reason        string
}

// Error renders the violation.
func (violation *SecurityViolation) Error() string {
	return fmt.Sprintf(securityViolationTemplateConstant, violation.AttemptedPath, violation.Reason)
}

// IsSecurityViolation reports whether an error is a sandbox escape.
func IsSecurityViolation(candidate error) bool {
	var violation *SecurityViolation
	return errors.As(candidate, &violation)
}

// GuardWrite resolves a relative path against the sandbox root and rejects
// every escape vector before any byte is written: traversal segments,
// absolute or volume-qualified paths, UNC prefixes, and symlinked parents
// pointing outside the root.
func GuardWrite(sandboxRoot string, relativePath string) (string, error) {
	if strings.HasPrefix(relativePath, `\\`) || strings.HasPrefix(relativePath, "//") {
		return "", &SecurityViolation{AttemptedPath: relativePath, Reason: uncPathViolationReasonConstant}
	}
	if filepath.IsAbs(relativePath) || len(filepath.VolumeName(relativePath)) > 0 {
		return "", &SecurityViolation{AttemptedPath: relativePath, Reason: volumeViolationReasonConstant}
	}

	resolvedRoot, rootError := filepath.Abs(sandboxRoot)
	if rootError != nil {
		return "", rootError
	}

	candidatePath := filepath.Clean(filepath.Join(resolvedRoot, relativePath))
	if !pathWithin(candidatePath, resolvedRoot) {
		return "", &SecurityViolation{AttemptedPath: relativePath, Reason: traversalViolationReasonConstant}
	}

	// The deepest existing ancestor is resolved so a symlinked parent
	// cannot redirect the write outside the sandbox.
	existingAncestor := candidatePath
	for {
		if _, statError := os.Lstat(existingAncestor); statError == nil {
			break
		}
		parentPath := filepath.Dir(existingAncestor)
		if parentPath == existingAncestor {
			break
		}
		existingAncestor = parentPath
	}

	resolvedAncestor, resolveError := filepath.EvalSymlinks(existingAncestor)
	if resolveError == nil {
		resolvedRootReal, rootResolveError := filepath.EvalSymlinks(resolvedRoot)
		if rootResolveError != nil {
			resolvedRootReal = resolvedRoot
		}
		if !pathWithin(resolvedAncestor, resolvedRootReal) {
			return "", &SecurityViolation{AttemptedPath: relativePath, Reason: symlinkViolationReasonConstant}
		}
	}

	return candidatePath, nil
}

func pathWithin(candidatePath string, rootPath string) bool {
	if candidatePath == rootPath {
		return true
	}
	return strings.HasPrefix(candidatePath, rootPath+string(filepath.Separator))
}
