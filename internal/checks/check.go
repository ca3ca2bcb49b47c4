package checks

import (
	"context"
	"fmt"
	"sort"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const duplicateCheckTemplateConstant = "check %s is already registered"

// Check is the fixed interface every audit analyzer implements. Checks are
// stateless: all configuration arrives through the policy, and all state
// flows out through findings. New checks register with a Registry; nothing
// in the pipeline branches on concrete check types.
type Check interface {
	// Name identifies the check in findings, quarantine entries, and reports.
	Name() string
	// Version participates in differential invalidation: bumping it forces
	// re-auditing every subsystem the check applies to.
	Version() string
	// Run inspects the subsystem through its read-only view and returns
	// findings. Returning an error marks the check as crashed; the runner
	// converts it into a single critical finding.
	Run(executionContext context.Context, view SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error)
}

// Registry holds the registered check set in deterministic order.
type Registry struct {
	checksByName map[string]Check
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{checksByName: make(map[string]Check)}
}

// Register adds a check; duplicate names are rejected.
func (registry *Registry) Register(candidate Check) error {
	if _, exists := registry.checksByName[candidate.Name()]; exists {
		return fmt.Errorf(duplicateCheckTemplateConstant, candidate.Name())
	}
	registry.checksByName[candidate.Name()] = candidate
	return nil
}

// All returns every registered check sorted by name.
func (registry *Registry) All() []Check {
	names := make([]string, 0, len(registry.checksByName))
	for checkName := range registry.checksByName {
		names = append(names, checkName)
	}
	sort.Strings(names)

	ordered := make([]Check, 0, len(names))
	for _, checkName := range names {
		ordered = append(ordered, registry.checksByName[checkName])
	}
	return ordered
}

// Names returns the sorted registered check names.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.checksByName))
	for checkName := range registry.checksByName {
		names = append(names, checkName)
	}
	sort.Strings(names)
	return names
}

// Versions maps check names to their versions for differential
// invalidation.
func (registry *Registry) Versions() map[string]string {
	versions := make(map[string]string, len(registry.checksByName))
	for checkName, registeredCheck := range registry.checksByName {
		versions[checkName] = registeredCheck.Version()
	}
	return versions
}

// DefaultRegistry returns a registry populated with the standard check set.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	for _, standardCheck := range []Check{
		NewDependencyCheck(),
		NewPatternCheck(),
		NewSecretsCheck(),
		NewStandardsCheck(),
		NewSubsystemSpecificCheck(),
	} {
		// Registration of the built-in set cannot collide.
		_ = registry.Register(standardCheck)
	}
	return registry
}
