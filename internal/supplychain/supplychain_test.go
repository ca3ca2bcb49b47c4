package supplychain_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/supplychain"
)

const sampleModuleFileConstant = `module example.com/memory

go 1.24

require (
	github.com/stretchr/testify v1.11.1
	go.uber.org/zap v1.27.0 // indirect
)
`

const sampleRequirementsFileConstant = `# pinned tooling
requests==2.32.0
pyyaml>=6.0
`

func writeManifest(testInstance *testing.T, rootPath string, fileName string, content string) {
	testInstance.Helper()
	require.NoError(testInstance, os.WriteFile(filepath.Join(rootPath, fileName), []byte(content), 0o644))
}

func TestCollectSBOM(testInstance *testing.T) {
	subsystemRoot := testInstance.TempDir()
	writeManifest(testInstance, subsystemRoot, "go.mod", sampleModuleFileConstant)
	writeManifest(testInstance, subsystemRoot, "requirements.txt", sampleRequirementsFileConstant)

	bill, collectError := supplychain.CollectSBOM(map[string]string{"memory_core": subsystemRoot})

	require.NoError(testInstance, collectError)
	require.Equal(testInstance, 4, bill.ComponentCount())

	componentNames := make([]string, 0, bill.ComponentCount())
	for _, component := range bill.Components {
		componentNames = append(componentNames, component.Name)
	}
	assert.ElementsMatch(testInstance, []string{
		"github.com/stretchr/testify",
		"go.uber.org/zap",
		"requests",
		"pyyaml",
	}, componentNames)
}

func TestCollectSBOMWithoutManifestsIsEmpty(testInstance *testing.T) {
	bill, collectError := supplychain.CollectSBOM(map[string]string{"memory_core": testInstance.TempDir()})

	require.NoError(testInstance, collectError)
	assert.Zero(testInstance, bill.ComponentCount())
}

func TestFileVulnerabilityFeed(testInstance *testing.T) {
	feedPath := filepath.Join(testInstance.TempDir(), "advisories.json")
	require.NoError(testInstance, os.WriteFile(feedPath, []byte(`{
		"github.com/vulnerable/module": [
			{"id": "GHSA-0001", "severity": "critical", "summary": "remote code execution"}
		]
	}`), 0o644))
	feed := supplychain.NewFileVulnerabilityFeed(feedPath)

	advisories, lookupError := feed.Lookup(supplychain.Component{Name: "github.com/vulnerable/module"})

	require.NoError(testInstance, lookupError)
	require.Len(testInstance, advisories, 1)
	assert.Equal(testInstance, "GHSA-0001", advisories[0].ID)
	assert.Equal(testInstance, "github.com/vulnerable/module", advisories[0].Component)
}

func TestScannerGates(testInstance *testing.T) {
	vulnerableComponent := supplychain.Component{Name: "github.com/vulnerable/module", Ecosystem: "go", Subsystem: "memory_core"}
	cleanComponent := supplychain.Component{Name: "github.com/clean/module", Ecosystem: "go", Subsystem: "memory_core"}

	testCases := []struct {
		name           string
		components     []supplychain.Component
		advisories     map[string][]supplychain.Vulnerability
		licenses       map[string]string
		chainPolicy    policy.SupplyChainPolicy
		expectedPassed bool
	}{
		{
			name:           "disabled_policy_always_passes",
			components:     []supplychain.Component{vulnerableComponent},
			chainPolicy:    policy.SupplyChainPolicy{},
			expectedPassed: true,
		},
		{
			name:       "critical_vulnerability_fails",
			components: []supplychain.Component{vulnerableComponent},
			advisories: map[string][]supplychain.Vulnerability{
				"github.com/vulnerable/module": {{ID: "GHSA-0001", Severity: "critical"}},
			},
			chainPolicy:    policy.SupplyChainPolicy{Enabled: true, FailOnCritical: true},
			expectedPassed: false,
		},
		{
			name:       "vulnerability_within_limits_passes",
			components: []supplychain.Component{vulnerableComponent},
			advisories: map[string][]supplychain.Vulnerability{
				"github.com/vulnerable/module": {{ID: "GHSA-0002", Severity: "medium"}},
			},
			chainPolicy:    policy.SupplyChainPolicy{Enabled: true, FailOnCritical: true, MaxVulnerability: map[string]int{"medium": 3}},
			expectedPassed: true,
		},
		{
			name:           "blocked_license_fails",
			components:     []supplychain.Component{cleanComponent},
			licenses:       map[string]string{"github.com/clean/module": "AGPL-3.0"},
			chainPolicy:    policy.SupplyChainPolicy{Enabled: true, BlockedLicenses: []string{"AGPL-3.0"}},
			expectedPassed: false,
		},
		{
			name:           "allow_listed_license_passes",
			components:     []supplychain.Component{cleanComponent},
			licenses:       map[string]string{"github.com/clean/module": "MIT"},
			chainPolicy:    policy.SupplyChainPolicy{Enabled: true, AllowedLicenses: []string{"MIT", "Apache-2.0"}, UnknownLicensesOK: true},
			expectedPassed: true,
		},
		{
			name:           "unknown_license_fails_when_not_tolerated",
			components:     []supplychain.Component{cleanComponent},
			licenses:       map[string]string{},
			chainPolicy:    policy.SupplyChainPolicy{Enabled: true, AllowedLicenses: []string{"MIT"}},
			expectedPassed: false,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			scanner := supplychain.NewScanner(stubFeed{advisories: testCase.advisories}, supplychain.NewMapLicenseResolver(testCase.licenses), nil)

			verdict, scanError := scanner.Scan(supplychain.SBOM{Components: testCase.components}, testCase.chainPolicy)

			require.NoError(testInstance, scanError)
			assert.Equal(testInstance, testCase.expectedPassed, verdict.Passed)
		})
	}
}

type stubFeed struct {
	advisories map[string][]supplychain.Vulnerability
}

func (feed stubFeed) Lookup(component supplychain.Component) ([]supplychain.Vulnerability, error) {
	return feed.advisories[component.Name], nil
}
