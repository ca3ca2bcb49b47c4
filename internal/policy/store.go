package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/temirov/coreaudit/internal/findings"
)

const (
	missingPenaltyTableMessageConstant     = "policy penalties table is missing"
	missingThresholdsMessageConstant       = "policy thresholds are missing"
	penaltySignTemplateConstant            = "penalty for %s must not be positive, got %v"
	bonusSignTemplateConstant              = "bonus %s must not be negative, got %v"
	unknownPenaltySeverityTemplateConstant = "penalty references unknown severity %s"
	thresholdOrderingTemplateConstant      = "production_ready threshold (%d) must exceed warning threshold (%d)"
	policyReadFailureTemplateConstant      = "unable to read policy file %s"
	policyParseFailureTemplateConstant     = "unable to parse policy file %s"
	registryReadFailureTemplateConstant    = "unable to read registry file %s"
	registryParseFailureTemplateConstant   = "unable to parse registry file %s"
	policyHashLengthConstant               = 8
)

// ConfigError marks a malformed or missing policy configuration. It aborts
// the run before any audit work starts.
type ConfigError struct {
	Reason string
	Cause  error
}

// Error describes the configuration failure.
func (configError *ConfigError) Error() string {
	if configError.Cause != nil {
		return fmt.Sprintf("policy configuration invalid: %s: %v", configError.Reason, configError.Cause)
	}
	return fmt.Sprintf("policy configuration invalid: %s", configError.Reason)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (configError *ConfigError) Unwrap() error {
	return configError.Cause
}

// IsConfigError reports whether the error chain contains a ConfigError.
func IsConfigError(candidate error) bool {
	var configError *ConfigError
	return errors.As(candidate, &configError)
}

// Store loads the policy document and the suppression and quarantine
// registries from disk.
type Store struct {
	policyPath      string
	suppressionPath string
	quarantinePath  string
	clock           Clock
}

// NewStore constructs a Store over the provided file paths. A nil clock
// falls back to the system clock.
func NewStore(policyPath string, suppressionPath string, quarantinePath string, clock Clock) *Store {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Store{
		policyPath:      policyPath,
		suppressionPath: suppressionPath,
		quarantinePath:  quarantinePath,
		clock:           clock,
	}
}

// Load reads, parses, and structurally validates the policy document. The
// returned policy carries a short content hash for provenance.
func (store *Store) Load() (Policy, error) {
	policyContent, readError := os.ReadFile(store.policyPath)
	if readError != nil {
		return Policy{}, &ConfigError{Reason: fmt.Sprintf(policyReadFailureTemplateConstant, store.policyPath), Cause: readError}
	}

	var loadedPolicy Policy
	if parseError := yaml.Unmarshal(policyContent, &loadedPolicy); parseError != nil {
		return Policy{}, &ConfigError{Reason: fmt.Sprintf(policyParseFailureTemplateConstant, store.policyPath), Cause: parseError}
	}

	if structuralError := validatePolicyStructure(loadedPolicy); structuralError != nil {
		return Policy{}, structuralError
	}

	contentDigest := sha256.Sum256(policyContent)
	loadedPolicy.ContentHash = hex.EncodeToString(contentDigest[:])[:policyHashLengthConstant*2]

	return loadedPolicy, nil
}

// LoadSuppressions reads the suppression registry. A missing file yields an
// empty registry; a malformed file is a ConfigError.
func (store *Store) LoadSuppressions() ([]Suppression, error) {
	var registry struct {
		Suppressions []Suppression `yaml:"suppressions"`
	}
	if loadError := store.loadRegistryFile(store.suppressionPath, &registry); loadError != nil {
		return nil, loadError
	}
	return registry.Suppressions, nil
}

// LoadQuarantines reads the quarantine registry. A missing file yields an
// empty registry; a malformed file is a ConfigError.
func (store *Store) LoadQuarantines() ([]Quarantine, error) {
	var registry struct {
		Quarantines []Quarantine `yaml:"quarantined_checks"`
	}
	if loadError := store.loadRegistryFile(store.quarantinePath, &registry); loadError != nil {
		return nil, loadError
	}
	return registry.Quarantines, nil
}

func (store *Store) loadRegistryFile(registryPath string, target any) error {
	if len(registryPath) == 0 {
		return nil
	}

	registryContent, readError := os.ReadFile(registryPath)
	if readError != nil {
		if os.IsNotExist(readError) {
			return nil
		}
		return &ConfigError{Reason: fmt.Sprintf(registryReadFailureTemplateConstant, registryPath), Cause: readError}
	}

	if parseError := yaml.Unmarshal(registryContent, target); parseError != nil {
		return &ConfigError{Reason: fmt.Sprintf(registryParseFailureTemplateConstant, registryPath), Cause: parseError}
	}
	return nil
}

func validatePolicyStructure(candidate Policy) error {
	if len(candidate.Penalties) == 0 {
		return &ConfigError{Reason: missingPenaltyTableMessageConstant}
	}
	if candidate.Thresholds.Warning == 0 && candidate.Thresholds.ProductionReady == 0 {
		return &ConfigError{Reason: missingThresholdsMessageConstant}
	}

	for severity, penaltyValue := range candidate.Penalties {
		if !severity.Valid() {
			return &ConfigError{Reason: fmt.Sprintf(unknownPenaltySeverityTemplateConstant, severity)}
		}
		if severity != findings.SeverityPositive && penaltyValue > 0 {
			return &ConfigError{Reason: fmt.Sprintf(penaltySignTemplateConstant, severity, penaltyValue)}
		}
	}

	for bonusName, bonusValue := range candidate.Bonuses {
		if bonusValue < 0 {
			return &ConfigError{Reason: fmt.Sprintf(bonusSignTemplateConstant, bonusName, bonusValue)}
		}
	}

	if candidate.Thresholds.ProductionReady <= candidate.Thresholds.Warning {
		return &ConfigError{Reason: fmt.Sprintf(thresholdOrderingTemplateConstant, candidate.Thresholds.ProductionReady, candidate.Thresholds.Warning)}
	}

	return nil
}
