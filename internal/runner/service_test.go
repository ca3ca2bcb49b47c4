package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/checks"
	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/hashing"
	"github.com/temirov/coreaudit/internal/metaaudit"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/runner"
)

const (
	testSubsystemNameConstant    = "ingest_core"
	testSubsystemFileConstant    = "service.py"
	testSubsystemContentConstant = "def run():\n    return 1\n"
	testCleanCheckNameConstant   = "CleanCheck"
	testFailingCheckNameConstant = "FailingCheck"
	testPanicCheckNameConstant   = "PanicCheck"
	testCheckVersionConstant     = "1.0"
)

const runnerPolicyDocument = `
version: "1.0"
penalties:
  critical: -25
  performance: -6
  safety: -9
  missing: -12
bonuses:
  positive_observations: 3
  zero_safety_issues: 2
  zero_critical_and_missing: 2
caps:
  max_penalty_per_category: 30
  max_total_penalty: 70
thresholds:
  warning: 70
  production_ready: 90
production_gates:
  minimum_average_score: 70
  minimum_per_subsystem_score: 50
subsystem_policies:
  default:
    minimum_score: 70
`

const brokenMetaPolicyDocument = `
version: "1.0"
penalties:
  critical: 0
  performance: -6
thresholds:
  warning: 70
  production_ready: 90
`

type stubCheck struct {
	name     string
	produced []findings.Finding
	panics   bool
}

func (check stubCheck) Name() string {
	return check.name
}

func (check stubCheck) Version() string {
	return testCheckVersionConstant
}

func (check stubCheck) Run(executionContext context.Context, view checks.SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error) {
	if check.panics {
		panic("stub check exploded")
	}
	stamped := make([]findings.Finding, 0, len(check.produced))
	for _, finding := range check.produced {
		finding.Subsystem = view.Name()
		finding.Check = check.name
		stamped = append(stamped, finding)
	}
	return stamped, nil
}

type serviceFixture struct {
	configuration runner.CommandConfiguration
	repositoryDir string
}

func newServiceFixture(t *testing.T, policyDocument string) serviceFixture {
	t.Helper()
	baseDirectory := t.TempDir()
	repositoryDir := filepath.Join(baseDirectory, "repo")
	subsystemDir := filepath.Join(repositoryDir, testSubsystemNameConstant)
	require.NoError(t, os.MkdirAll(subsystemDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(subsystemDir, testSubsystemFileConstant), []byte(testSubsystemContentConstant), 0o644))

	policyPath := filepath.Join(baseDirectory, "audit_policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(policyDocument), 0o644))

	return serviceFixture{
		configuration: runner.CommandConfiguration{
			RepositoryRoot:  repositoryDir,
			PolicyPath:      policyPath,
			SuppressionPath: filepath.Join(baseDirectory, "suppressions.yaml"),
			QuarantinePath:  filepath.Join(baseDirectory, "quarantine.yaml"),
			StateDirectory:  filepath.Join(baseDirectory, "state"),
			WorkerCount:     2,
			TimeoutSeconds:  60,
		},
		repositoryDir: repositoryDir,
	}
}

func newTestService(t *testing.T, fixture serviceFixture, registeredChecks ...checks.Check) *runner.Service {
	t.Helper()
	registry := checks.NewRegistry()
	for _, registeredCheck := range registeredChecks {
		require.NoError(t, registry.Register(registeredCheck))
	}

	store := policy.NewStore(fixture.configuration.PolicyPath, fixture.configuration.SuppressionPath, fixture.configuration.QuarantinePath, nil)

	return runner.NewService(
		fixture.configuration,
		store,
		registry,
		metaaudit.NewVerifier(nil),
		hashing.NewGitMetadataReader(nil, fixture.repositoryDir),
		nil,
		nil,
		nil,
		nil,
		zap.NewNop(),
	)
}

func TestServiceRunProductionReady(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	cleanCheck := stubCheck{
		name: testCleanCheckNameConstant,
		produced: []findings.Finding{
			{Severity: findings.SeverityPositive, Message: "structure looks healthy"},
		},
	}
	service := newTestService(t, fixture, cleanCheck)

	jsonOutputPath := filepath.Join(fixture.configuration.StateDirectory, "report.json")
	runReport, runError := service.Run(context.Background(), runner.Options{JSONOutputPath: jsonOutputPath})

	require.NoError(t, runError)
	require.True(t, runReport.ProductionReady)
	require.Empty(t, runReport.GateFailures)
	require.Len(t, runReport.Results, 1)
	require.Equal(t, testSubsystemNameConstant, runReport.Results[0].Subsystem)
	require.Equal(t, findings.StatusOK, runReport.Results[0].Status)
	require.True(t, runReport.Results[0].MeetsPolicy)
	require.Equal(t, "unknown", runReport.Provenance.CommitHash)
	require.FileExists(t, jsonOutputPath)
	require.FileExists(t, filepath.Join(fixture.configuration.StateDirectory, "audit_cache.json"))
}

func TestServiceRunReusesCachedResult(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	cleanCheck := stubCheck{
		name: testCleanCheckNameConstant,
		produced: []findings.Finding{
			{Severity: findings.SeverityPositive, Message: "structure looks healthy"},
		},
	}
	service := newTestService(t, fixture, cleanCheck)

	firstReport, firstError := service.Run(context.Background(), runner.Options{})
	require.NoError(t, firstError)
	require.Len(t, firstReport.Results, 1)

	secondReport, secondError := service.Run(context.Background(), runner.Options{})
	require.NoError(t, secondError)
	require.Len(t, secondReport.Results, 1)
	require.Equal(t, firstReport.Results[0].Score, secondReport.Results[0].Score)

	var skipped bool
	for _, decision := range secondReport.SkipDecisions {
		if decision.Subsystem == testSubsystemNameConstant && !decision.Audit {
			skipped = true
		}
	}
	require.True(t, skipped)
}

func TestServiceRunForceFullReaudits(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	cleanCheck := stubCheck{
		name: testCleanCheckNameConstant,
		produced: []findings.Finding{
			{Severity: findings.SeverityPositive, Message: "structure looks healthy"},
		},
	}
	service := newTestService(t, fixture, cleanCheck)

	_, firstError := service.Run(context.Background(), runner.Options{})
	require.NoError(t, firstError)

	forcedReport, forcedError := service.Run(context.Background(), runner.Options{ForceFull: true})
	require.NoError(t, forcedError)

	for _, decision := range forcedReport.SkipDecisions {
		require.True(t, decision.Audit)
	}
}

func TestServiceRunGateFailureProducesBundle(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	failingCheck := stubCheck{
		name: testFailingCheckNameConstant,
		produced: []findings.Finding{
			{Severity: findings.SeverityCritical, Message: "unguarded state mutation", File: testSubsystemFileConstant, Line: 1},
		},
	}
	service := newTestService(t, fixture, failingCheck)

	bundlePath := filepath.Join(fixture.configuration.StateDirectory, "reproducer.zip")
	runReport, runError := service.Run(context.Background(), runner.Options{BundleOutputPath: bundlePath})

	require.NoError(t, runError)
	require.False(t, runReport.ProductionReady)
	require.NotEmpty(t, runReport.GateFailures)
	require.Equal(t, findings.StatusCritical, runReport.Results[0].Status)
	require.False(t, runReport.Results[0].MeetsPolicy)
	require.FileExists(t, bundlePath)
}

func TestServiceRunIsolatesPanickingCheck(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	service := newTestService(t, fixture, stubCheck{name: testPanicCheckNameConstant, panics: true})

	runReport, runError := service.Run(context.Background(), runner.Options{})

	require.NoError(t, runError)
	require.Len(t, runReport.Results, 1)
	require.Equal(t, findings.StatusCritical, runReport.Results[0].Status)
	require.Len(t, runReport.Results[0].Findings, 1)
	require.Contains(t, runReport.Results[0].Findings[0].Message, "check crashed")
}

func TestServiceRunUnknownSubsystemFilter(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	service := newTestService(t, fixture, stubCheck{name: testCleanCheckNameConstant})

	_, runError := service.Run(context.Background(), runner.Options{SubsystemFilter: "missing_core"})

	require.Error(t, runError)
	require.Contains(t, runError.Error(), "was not discovered")
}

func TestServiceRunAbortsOnMetaAuditFailure(t *testing.T) {
	fixture := newServiceFixture(t, brokenMetaPolicyDocument)
	service := newTestService(t, fixture, stubCheck{name: testCleanCheckNameConstant})

	_, runError := service.Run(context.Background(), runner.Options{})

	require.Error(t, runError)
	require.Contains(t, runError.Error(), "meta-audit failed")
}

func TestServiceRunRejectsInvalidSuppressionRegistry(t *testing.T) {
	fixture := newServiceFixture(t, runnerPolicyDocument)
	expiredRegistry := `
suppressions:
  - pattern_id: bare_except
    owner: platform-team
    reason: stale exemption
    created: "2020-01-01"
    expires_on: "2020-02-01"
`
	require.NoError(t, os.WriteFile(fixture.configuration.SuppressionPath, []byte(expiredRegistry), 0o644))
	service := newTestService(t, fixture, stubCheck{name: testCleanCheckNameConstant})

	_, runError := service.Run(context.Background(), runner.Options{})

	require.Error(t, runError)
	require.Contains(t, runError.Error(), "suppression registry invalid")
}
