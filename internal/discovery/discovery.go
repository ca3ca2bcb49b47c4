// Package discovery locates auditable subsystems under the repository
// root. A subsystem is a directory whose name carries the configured
// suffix; nested subsystems are not descended into.
package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultSubsystemSuffix marks directories that constitute auditable
	// subsystems.
	DefaultSubsystemSuffix = "_core"

	rootRequiredMessageConstant      = "discovery requires a repository root"
	discoveryCompleteMessageConstant = "subsystem discovery complete"
	rootFieldConstant                = "root"
	subsystemCountFieldConstant      = "subsystems"
	hiddenDirectoryPrefixConstant    = "."
)

// Subsystem is one discovered audit target.
type Subsystem struct {
	Name string
	Root string
}

// Discoverer walks the repository root looking for subsystem directories.
type Discoverer struct {
	repositoryRoot  string
	subsystemSuffix string
	logger          *zap.Logger
}

// NewDiscoverer constructs a discoverer. An empty suffix falls back to
// the default.
func NewDiscoverer(repositoryRoot string, subsystemSuffix string, logger *zap.Logger) *Discoverer {
	if len(strings.TrimSpace(subsystemSuffix)) == 0 {
		subsystemSuffix = DefaultSubsystemSuffix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{repositoryRoot: repositoryRoot, subsystemSuffix: subsystemSuffix, logger: logger}
}

// Discover returns every subsystem directory sorted by name. Hidden
// directories are skipped; once a directory matches the suffix its
// children are not searched.
func (discoverer *Discoverer) Discover() ([]Subsystem, error) {
	if len(strings.TrimSpace(discoverer.repositoryRoot)) == 0 {
		return nil, errors.New(rootRequiredMessageConstant)
	}

	var subsystems []Subsystem
	walkError := filepath.WalkDir(discoverer.repositoryRoot, func(currentPath string, directoryEntry os.DirEntry, visitError error) error {
		if visitError != nil {
			return visitError
		}
		if !directoryEntry.IsDir() {
			return nil
		}
		if currentPath != discoverer.repositoryRoot && strings.HasPrefix(directoryEntry.Name(), hiddenDirectoryPrefixConstant) {
			return filepath.SkipDir
		}
		if strings.HasSuffix(directoryEntry.Name(), discoverer.subsystemSuffix) {
			subsystems = append(subsystems, Subsystem{Name: directoryEntry.Name(), Root: currentPath})
			return filepath.SkipDir
		}
		return nil
	})
	if walkError != nil {
		return nil, walkError
	}

	sort.Slice(subsystems, func(firstIndex int, secondIndex int) bool {
		return subsystems[firstIndex].Name < subsystems[secondIndex].Name
	})

	discoverer.logger.Debug(discoveryCompleteMessageConstant,
		zap.String(rootFieldConstant, discoverer.repositoryRoot),
		zap.Int(subsystemCountFieldConstant, len(subsystems)))
	return subsystems, nil
}

// Roots maps subsystem names to their directories.
func Roots(subsystems []Subsystem) map[string]string {
	roots := make(map[string]string, len(subsystems))
	for _, subsystem := range subsystems {
		roots[subsystem.Name] = subsystem.Root
	}
	return roots
}
