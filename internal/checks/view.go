package checks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/temirov/coreaudit/internal/hashing"
)

const (
	viewRootRequiredMessageConstant = "subsystem view requires a root directory"
	pathEscapeTemplateConstant      = "path %s resolves outside subsystem %s"
)

// ErrPathOutsideSubsystem is returned when a read resolves outside the
// subsystem root. It enforces the read-only path guard for check plugins.
var ErrPathOutsideSubsystem = errors.New("path resolves outside the subsystem root")

// SubsystemView provides checks with read-only access to one subsystem
// tree. Reads are contained to the subsystem root; the view exposes no
// write operations at all.
type SubsystemView struct {
	subsystemName string
	rootPath      string
	matcher       hashing.IgnoreMatcher
}

// NewSubsystemView resolves the subsystem root and constructs a view.
func NewSubsystemView(subsystemName string, rootPath string, matcher hashing.IgnoreMatcher) (SubsystemView, error) {
	if len(strings.TrimSpace(rootPath)) == 0 {
		return SubsystemView{}, errors.New(viewRootRequiredMessageConstant)
	}

	absoluteRoot, absoluteError := filepath.Abs(rootPath)
	if absoluteError != nil {
		return SubsystemView{}, absoluteError
	}

	return SubsystemView{subsystemName: subsystemName, rootPath: absoluteRoot, matcher: matcher}, nil
}

// Name returns the subsystem name.
func (view SubsystemView) Name() string {
	return view.subsystemName
}

// Root returns the resolved subsystem root directory.
func (view SubsystemView) Root() string {
	return view.rootPath
}

// Files lists the subsystem's regular files as sorted relative paths. When
// extensions are provided, only matching files are returned.
func (view SubsystemView) Files(extensions ...string) ([]string, error) {
	allPaths, listError := hashing.ListFiles(view.rootPath, view.matcher)
	if listError != nil {
		return nil, listError
	}
	if len(extensions) == 0 {
		return allPaths, nil
	}

	var filteredPaths []string
	for _, relativePath := range allPaths {
		for _, extension := range extensions {
			if strings.HasSuffix(relativePath, extension) {
				filteredPaths = append(filteredPaths, relativePath)
				break
			}
		}
	}
	return filteredPaths, nil
}

// ReadFile returns the content of a file identified by its relative path.
// The resolved path must stay within the subsystem root; traversal and
// symlink escapes are rejected with ErrPathOutsideSubsystem.
func (view SubsystemView) ReadFile(relativePath string) ([]byte, error) {
	containedPath, containmentError := view.containedPath(relativePath)
	if containmentError != nil {
		return nil, containmentError
	}
	return os.ReadFile(containedPath)
}

func (view SubsystemView) containedPath(relativePath string) (string, error) {
	joinedPath := filepath.Join(view.rootPath, relativePath)
	cleanedPath := filepath.Clean(joinedPath)

	if !pathWithinRoot(cleanedPath, view.rootPath) {
		return "", fmt.Errorf(pathEscapeTemplateConstant+": %w", relativePath, view.subsystemName, ErrPathOutsideSubsystem)
	}

	resolvedPath, resolveError := filepath.EvalSymlinks(cleanedPath)
	if resolveError != nil {
		if os.IsNotExist(resolveError) {
			return cleanedPath, nil
		}
		return "", resolveError
	}

	resolvedRoot, rootResolveError := filepath.EvalSymlinks(view.rootPath)
	if rootResolveError != nil {
		resolvedRoot = view.rootPath
	}
	if !pathWithinRoot(resolvedPath, resolvedRoot) {
		return "", fmt.Errorf(pathEscapeTemplateConstant+": %w", relativePath, view.subsystemName, ErrPathOutsideSubsystem)
	}

	return resolvedPath, nil
}

func pathWithinRoot(candidatePath string, rootPath string) bool {
	if candidatePath == rootPath {
		return true
	}
	return strings.HasPrefix(candidatePath, rootPath+string(filepath.Separator))
}
