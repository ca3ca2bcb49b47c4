package policy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/internal/policy"
)

const (
	testPolicyFileNameConstant      = "audit_policy.yaml"
	testSuppressionFileNameConstant = "suppressions.yaml"
	testQuarantineFileNameConstant  = "quarantine.yaml"
	testPolicyVersionConstant       = "2.3"
	testOwnerNameConstant           = "platform-team"
	testSuppressionReasonConstant   = "tracked in backlog"
)

const validPolicyDocument = `
version: "2.3"
penalties:
  critical: -25
  performance: -6
  safety: -9
  missing: -12
thresholds:
  warning: 70
  production_ready: 90
caps:
  max_penalty_per_category: 30
  max_total_penalty: 70
grep_patterns:
  bare_except:
    pattern: 'except\s*:'
    severity: safety
    description: bare exception handler
subsystem_policies:
  default:
    minimum_score: 70
  strict:
    minimum_score: 90
  strict_subsystems:
    - payments_core
registries:
  max_suppression_days: 90
  max_quarantine_days: 30
`

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func testClock() fixedClock {
	return fixedClock{current: time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)}
}

func writePolicyFixture(t *testing.T, directory string, fileName string, content string) string {
	t.Helper()
	filePath := filepath.Join(directory, fileName)
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))
	return filePath
}

func TestStoreLoad(t *testing.T) {
	testCases := []struct {
		name            string
		policyDocument  string
		missingFile     bool
		expectLoadError bool
	}{
		{
			name:           "ValidPolicy",
			policyDocument: validPolicyDocument,
		},
		{
			name:            "MissingPolicyFile",
			missingFile:     true,
			expectLoadError: true,
		},
		{
			name:            "MalformedPolicyDocument",
			policyDocument:  "penalties: [not, a, map]",
			expectLoadError: true,
		},
		{
			name: "PositivePenaltyRejected",
			policyDocument: `
version: "1.0"
penalties:
  critical: 25
thresholds:
  warning: 70
  production_ready: 90
`,
			expectLoadError: true,
		},
		{
			name: "ThresholdOrderingRejected",
			policyDocument: `
version: "1.0"
penalties:
  critical: -25
thresholds:
  warning: 90
  production_ready: 70
`,
			expectLoadError: true,
		},
		{
			name: "UnknownPenaltySeverityRejected",
			policyDocument: `
version: "1.0"
penalties:
  catastrophic: -25
thresholds:
  warning: 70
  production_ready: 90
`,
			expectLoadError: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			temporaryDirectory := t.TempDir()
			policyPath := filepath.Join(temporaryDirectory, testPolicyFileNameConstant)
			if !testCase.missingFile {
				policyPath = writePolicyFixture(t, temporaryDirectory, testPolicyFileNameConstant, testCase.policyDocument)
			}

			store := policy.NewStore(policyPath, "", "", testClock())
			loadedPolicy, loadError := store.Load()

			if testCase.expectLoadError {
				require.Error(t, loadError)
				require.True(t, policy.IsConfigError(loadError))
				return
			}

			require.NoError(t, loadError)
			require.Equal(t, testPolicyVersionConstant, loadedPolicy.Version)
			require.Len(t, loadedPolicy.ContentHash, 16)
		})
	}
}

func TestStoreLoadRegistries(t *testing.T) {
	temporaryDirectory := t.TempDir()

	suppressionDocument := `
suppressions:
  - pattern_id: bare_except
    owner: platform-team
    reason: tracked in backlog
    created: "2026-01-01"
    expires_on: "2026-02-01"
`
	quarantineDocument := `
quarantined_checks:
  - check_id: PatternCheck
    owner: platform-team
    reason: flaky matcher
    created: "2026-01-01"
    expires_on: "2026-01-20"
`
	suppressionPath := writePolicyFixture(t, temporaryDirectory, testSuppressionFileNameConstant, suppressionDocument)
	quarantinePath := writePolicyFixture(t, temporaryDirectory, testQuarantineFileNameConstant, quarantineDocument)

	store := policy.NewStore("", suppressionPath, quarantinePath, testClock())

	suppressions, suppressionError := store.LoadSuppressions()
	require.NoError(t, suppressionError)
	require.Len(t, suppressions, 1)
	require.Equal(t, "bare_except", suppressions[0].PatternID)

	quarantines, quarantineError := store.LoadQuarantines()
	require.NoError(t, quarantineError)
	require.Len(t, quarantines, 1)
	require.Equal(t, "PatternCheck", quarantines[0].CheckID)
}

func TestStoreLoadRegistriesMissingFileYieldsEmpty(t *testing.T) {
	temporaryDirectory := t.TempDir()
	store := policy.NewStore("", filepath.Join(temporaryDirectory, "absent.yaml"), "", testClock())

	suppressions, suppressionError := store.LoadSuppressions()
	require.NoError(t, suppressionError)
	require.Empty(t, suppressions)
}

func TestStoreLoadRegistriesMalformedFileFailsClosed(t *testing.T) {
	temporaryDirectory := t.TempDir()
	suppressionPath := writePolicyFixture(t, temporaryDirectory, testSuppressionFileNameConstant, "suppressions: {broken")

	store := policy.NewStore("", suppressionPath, "", testClock())

	_, suppressionError := store.LoadSuppressions()
	require.Error(t, suppressionError)
	require.True(t, policy.IsConfigError(suppressionError))
}

func loadTestPolicy(t *testing.T) (policy.Policy, *policy.Store) {
	t.Helper()
	temporaryDirectory := t.TempDir()
	policyPath := writePolicyFixture(t, temporaryDirectory, testPolicyFileNameConstant, validPolicyDocument)
	store := policy.NewStore(policyPath, "", "", testClock())
	loadedPolicy, loadError := store.Load()
	require.NoError(t, loadError)
	return loadedPolicy, store
}

func TestValidateSuppressions(t *testing.T) {
	loadedPolicy, store := loadTestPolicy(t)

	baseEntry := policy.Suppression{
		PatternID: "bare_except",
		Owner:     testOwnerNameConstant,
		Reason:    testSuppressionReasonConstant,
		Created:   "2026-01-01",
		ExpiresOn: "2026-02-01",
	}

	testCases := []struct {
		name        string
		mutate      func(entry *policy.Suppression)
		expectValid bool
	}{
		{
			name:        "ValidEntry",
			mutate:      func(entry *policy.Suppression) {},
			expectValid: true,
		},
		{
			name: "MissingOwner",
			mutate: func(entry *policy.Suppression) {
				entry.Owner = ""
			},
		},
		{
			name: "MissingReason",
			mutate: func(entry *policy.Suppression) {
				entry.Reason = ""
			},
		},
		{
			name: "ExpiredEntry",
			mutate: func(entry *policy.Suppression) {
				entry.ExpiresOn = "2025-12-01"
			},
		},
		{
			name: "InvalidExpiryFormat",
			mutate: func(entry *policy.Suppression) {
				entry.ExpiresOn = "02/01/2026"
			},
		},
		{
			name: "ExpiryBeyondMaximumWindow",
			mutate: func(entry *policy.Suppression) {
				entry.ExpiresOn = "2026-12-01"
			},
		},
		{
			name: "UnknownPatternIdentifier",
			mutate: func(entry *policy.Suppression) {
				entry.PatternID = "no_such_pattern"
			},
		},
		{
			name: "BuiltinEntropyIdentifierIsKnown",
			mutate: func(entry *policy.Suppression) {
				entry.PatternID = policy.EntropyPatternIdentifier
			},
			expectValid: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			entry := baseEntry
			testCase.mutate(&entry)

			valid, issues := store.ValidateSuppressions([]policy.Suppression{entry}, loadedPolicy)

			require.Equal(t, testCase.expectValid, valid)
			if !testCase.expectValid {
				require.NotEmpty(t, issues)
			}
		})
	}
}

func TestIsSuppressed(t *testing.T) {
	loadedPolicy, store := loadTestPolicy(t)

	entries := []policy.Suppression{
		{
			PatternID: "bare_except",
			Owner:     testOwnerNameConstant,
			Reason:    testSuppressionReasonConstant,
			File:      "handlers.py",
			Line:      42,
			Created:   "2026-01-01",
			ExpiresOn: "2026-02-01",
		},
	}

	require.True(t, store.IsSuppressed(entries, loadedPolicy, "bare_except", "handlers.py", 42))
	require.False(t, store.IsSuppressed(entries, loadedPolicy, "bare_except", "handlers.py", 7))
	require.False(t, store.IsSuppressed(entries, loadedPolicy, "bare_except", "other.py", 42))
	require.False(t, store.IsSuppressed(entries, loadedPolicy, "high_entropy_token", "handlers.py", 42))
}

func TestIsQuarantined(t *testing.T) {
	loadedPolicy, store := loadTestPolicy(t)
	knownCheckNames := []string{"PatternCheck", "SecretsCheck"}

	entries := []policy.Quarantine{
		{
			CheckID:   "PatternCheck",
			Owner:     testOwnerNameConstant,
			Reason:    "flaky matcher",
			Created:   "2026-01-01",
			ExpiresOn: "2026-01-20",
		},
	}

	require.True(t, store.IsQuarantined(entries, "PatternCheck", knownCheckNames, loadedPolicy))
	require.False(t, store.IsQuarantined(entries, "SecretsCheck", knownCheckNames, loadedPolicy))
}

func TestExpiringSuppressions(t *testing.T) {
	_, store := loadTestPolicy(t)

	entries := []policy.Suppression{
		{PatternID: "bare_except", Owner: testOwnerNameConstant, Reason: testSuppressionReasonConstant, ExpiresOn: "2026-01-10"},
		{PatternID: "bare_except", Owner: testOwnerNameConstant, Reason: testSuppressionReasonConstant, ExpiresOn: "2026-03-01"},
		{PatternID: "bare_except", Owner: testOwnerNameConstant, Reason: testSuppressionReasonConstant, ExpiresOn: "not-a-date"},
	}

	expiring := store.ExpiringSuppressions(entries, 14)

	require.Len(t, expiring, 1)
	require.Equal(t, "2026-01-10", expiring[0].ExpiresOn)
}

func TestSubsystemPolicyFor(t *testing.T) {
	loadedPolicy, _ := loadTestPolicy(t)

	require.Equal(t, 90, loadedPolicy.SubsystemPolicyFor("payments_core").MinimumScore)
	require.Equal(t, 70, loadedPolicy.SubsystemPolicyFor("ingest_core").MinimumScore)
}

func TestCheckTimeoutDefault(t *testing.T) {
	var emptyPolicy policy.Policy
	require.Equal(t, 30*time.Second, emptyPolicy.CheckTimeout())

	emptyPolicy.CheckTimeoutSecs = 5
	require.Equal(t, 5*time.Second, emptyPolicy.CheckTimeout())
}
