package policy

import (
	"time"

	"github.com/temirov/coreaudit/internal/findings"
)

// Clock abstracts time-dependent functionality for deterministic testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the standard library.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Thresholds holds the score boundaries used by the scoring engine.
type Thresholds struct {
	Warning         int `yaml:"warning"`
	ProductionReady int `yaml:"production_ready"`
}

// Caps bounds how far a single category or the combined penalties can drag a
// score, so one noisy check cannot zero a subsystem on its own.
type Caps struct {
	MaxPenaltyPerCategory float64 `yaml:"max_penalty_per_category"`
	MaxTotalPenalty       float64 `yaml:"max_total_penalty"`
}

// ProductionGates holds the aggregate ship/no-ship thresholds.
type ProductionGates struct {
	MinimumAverageScore      float64 `yaml:"minimum_average_score"`
	MinimumPerSubsystemScore int     `yaml:"minimum_per_subsystem_score"`
}

// SubsystemPolicy captures the per-subsystem quality bar.
type SubsystemPolicy struct {
	MinimumScore int `yaml:"minimum_score"`
}

// SubsystemPolicies maps subsystems onto quality bars. Subsystems listed in
// StrictSubsystems receive the strict bar; everything else the default.
type SubsystemPolicies struct {
	Default          SubsystemPolicy `yaml:"default"`
	Strict           SubsystemPolicy `yaml:"strict"`
	StrictSubsystems []string        `yaml:"strict_subsystems"`
}

// PerformanceSLOs holds the timing budgets enforced by the performance
// tracker.
type PerformanceSLOs struct {
	P95ThresholdMillis        float64 `yaml:"p95_threshold_ms"`
	CriticalThresholdMillis   float64 `yaml:"critical_threshold_ms"`
	RegressionThresholdPct    float64 `yaml:"regression_threshold_pct"`
	BaselineLookback          int     `yaml:"baseline_lookback"`
	MinimumBaselineSampleSize int     `yaml:"minimum_baseline_sample_size"`
}

// PatternRule describes one anti-pattern scanned by the pattern check.
type PatternRule struct {
	Pattern     string            `yaml:"pattern"`
	Severity    findings.Severity `yaml:"severity"`
	Description string            `yaml:"description"`
}

// SecretPattern describes one secret detection rule.
type SecretPattern struct {
	ID       string            `yaml:"id"`
	Pattern  string            `yaml:"pattern"`
	Severity findings.Severity `yaml:"severity"`
}

// SecretsPolicy configures the secrets check.
type SecretsPolicy struct {
	Enabled          bool            `yaml:"enabled"`
	Patterns         []SecretPattern `yaml:"patterns"`
	EntropyThreshold float64         `yaml:"entropy_threshold"`
}

// StandardsPolicy configures the architecture standards check.
type StandardsPolicy struct {
	RequiredFiles    []string `yaml:"required_files"`
	ForbiddenImports []string `yaml:"forbidden_imports"`
	MaxFileLines     int      `yaml:"max_file_lines"`
}

// SubsystemRule describes one declarative check applied to a single
// subsystem by the subsystem-specific check.
type SubsystemRule struct {
	File        string            `yaml:"file"`
	Contains    string            `yaml:"contains"`
	Absent      bool              `yaml:"absent"`
	Positive    bool              `yaml:"positive"`
	Severity    findings.Severity `yaml:"severity"`
	Description string            `yaml:"description"`
}

// SupplyChainPolicy configures the supply-chain scanner gates.
type SupplyChainPolicy struct {
	Enabled           bool           `yaml:"enabled"`
	FailOnCritical    bool           `yaml:"fail_on_critical"`
	FailOnHigh        bool           `yaml:"fail_on_high"`
	MaxVulnerability  map[string]int `yaml:"max_vulnerability_counts"`
	AllowedLicenses   []string       `yaml:"allowed_licenses"`
	BlockedLicenses   []string       `yaml:"blocked_licenses"`
	UnknownLicensesOK bool           `yaml:"unknown_licenses_ok"`
}

// PromotionPolicy bounds candidate fixes accepted by the promoter.
type PromotionPolicy struct {
	MaxCandidateSizeBytes int64 `yaml:"max_candidate_size_bytes"`
}

// RegistryLimits bounds suppression and quarantine lifetimes.
type RegistryLimits struct {
	MaxSuppressionDays int `yaml:"max_suppression_days"`
	MaxQuarantineDays  int `yaml:"max_quarantine_days"`
}

// Policy is the single source of truth for gates, thresholds, and
// enforcement rules. It is loaded once per run and content-hashed for
// provenance.
type Policy struct {
	Version           string                              `yaml:"version"`
	Penalties         map[findings.Severity]float64       `yaml:"penalties"`
	Bonuses           map[string]float64                  `yaml:"bonuses"`
	Caps              Caps                                `yaml:"caps"`
	Thresholds        Thresholds                          `yaml:"thresholds"`
	ProductionGates   ProductionGates                     `yaml:"production_gates"`
	SubsystemPolicies SubsystemPolicies                   `yaml:"subsystem_policies"`
	PerformanceSLOs   PerformanceSLOs                     `yaml:"performance_slos"`
	Patterns          map[string]PatternRule              `yaml:"grep_patterns"`
	Secrets           SecretsPolicy                       `yaml:"secrets_scanning"`
	Standards         StandardsPolicy                     `yaml:"standards"`
	SubsystemChecks   map[string]map[string]SubsystemRule `yaml:"subsystem_specific_checks"`
	SupplyChain       SupplyChainPolicy                   `yaml:"dependency_health"`
	Promotion         PromotionPolicy                     `yaml:"promotion"`
	Registries        RegistryLimits                      `yaml:"registries"`
	CheckTimeoutSecs  int                                 `yaml:"check_timeout_seconds"`
	ContentHash       string                              `yaml:"-"`
}

// CheckTimeout returns the per-check timeout as a duration, defaulting to
// thirty seconds when unconfigured.
func (policy Policy) CheckTimeout() time.Duration {
	if policy.CheckTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(policy.CheckTimeoutSecs) * time.Second
}

// SubsystemPolicyFor resolves the quality bar applied to the named subsystem.
func (policy Policy) SubsystemPolicyFor(subsystemName string) SubsystemPolicy {
	for _, strictName := range policy.SubsystemPolicies.StrictSubsystems {
		if strictName == subsystemName {
			return policy.SubsystemPolicies.Strict
		}
	}
	return policy.SubsystemPolicies.Default
}

// EntropyPatternIdentifier tags findings raised by the secrets check's
// built-in high-entropy token heuristic. No policy rule declares it, so it
// is listed as a known suppression target explicitly.
const EntropyPatternIdentifier = "high_entropy_token"

// builtinPatternIdentifiers lists identifiers emitted by checks themselves
// rather than declared in the policy document.
var builtinPatternIdentifiers = []string{EntropyPatternIdentifier}

// KnownPatternIdentifiers returns every pattern and secret rule identifier a
// suppression may legitimately reference, including check built-ins.
func (policy Policy) KnownPatternIdentifiers() map[string]struct{} {
	identifiers := make(map[string]struct{}, len(policy.Patterns)+len(policy.Secrets.Patterns)+len(builtinPatternIdentifiers))
	for patternName := range policy.Patterns {
		identifiers[patternName] = struct{}{}
	}
	for index := range policy.Secrets.Patterns {
		identifiers[policy.Secrets.Patterns[index].ID] = struct{}{}
	}
	for _, builtinIdentifier := range builtinPatternIdentifiers {
		identifiers[builtinIdentifier] = struct{}{}
	}
	return identifiers
}

// Suppression exempts findings matching a pattern identifier until it
// expires. Entries are validated every run.
type Suppression struct {
	PatternID string `yaml:"pattern_id"`
	Owner     string `yaml:"owner"`
	Reason    string `yaml:"reason"`
	File      string `yaml:"file"`
	Line      int    `yaml:"line"`
	Created   string `yaml:"created"`
	ExpiresOn string `yaml:"expires_on"`
}

// Quarantine exempts an entire check from failing the gate until it expires.
type Quarantine struct {
	CheckID   string `yaml:"check_id"`
	Owner     string `yaml:"owner"`
	Reason    string `yaml:"reason"`
	Created   string `yaml:"created"`
	ExpiresOn string `yaml:"expires_on"`
}

// ValidationIssue describes why a registry entry was rejected.
type ValidationIssue struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
}
