package metaaudit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/metaaudit"
	"github.com/temirov/coreaudit/internal/policy"
)

func healthyPolicy() policy.Policy {
	return policy.Policy{
		Penalties: map[findings.Severity]float64{
			findings.SeverityCritical:    -25,
			findings.SeveritySafety:      -10,
			findings.SeverityPerformance: -5,
			findings.SeverityMissing:     -8,
		},
		Bonuses: map[string]float64{
			"positive_observations":     2,
			"zero_safety_issues":        3,
			"zero_critical_and_missing": 3,
		},
		Thresholds: policy.Thresholds{Warning: 70, ProductionReady: 90},
	}
}

func TestVerifyPassesHealthyPolicy(testInstance *testing.T) {
	verifier := metaaudit.NewVerifier(nil)

	failures := verifier.Verify(healthyPolicy())

	assert.Empty(testInstance, failures)
}

func TestVerifyDetectsBrokenPolicies(testInstance *testing.T) {
	testCases := []struct {
		name          string
		mutatePolicy  func(loadedPolicy *policy.Policy)
		expectedtoken string
	}{
		{
			name: "positive_penalty_rejected",
			mutatePolicy: func(loadedPolicy *policy.Policy) {
				loadedPolicy.Penalties[findings.SeverityCritical] = 25
			},
			expectedtoken: "must be negative",
		},
		{
			name: "negative_bonus_rejected",
			mutatePolicy: func(loadedPolicy *policy.Policy) {
				loadedPolicy.Bonuses["positive_observations"] = -2
			},
			expectedtoken: "must be positive",
		},
		{
			name: "inverted_thresholds_rejected",
			mutatePolicy: func(loadedPolicy *policy.Policy) {
				loadedPolicy.Thresholds = policy.Thresholds{Warning: 90, ProductionReady: 70}
			},
			expectedtoken: "production_ready threshold",
		},
		{
			name: "neutralized_critical_penalty_breaks_fixture",
			mutatePolicy: func(loadedPolicy *policy.Policy) {
				loadedPolicy.Penalties[findings.SeverityCritical] = 0
			},
			expectedtoken: "critical_subsystem",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			brokenPolicy := healthyPolicy()
			testCase.mutatePolicy(&brokenPolicy)
			verifier := metaaudit.NewVerifier(nil)

			failures := verifier.Verify(brokenPolicy)

			require.NotEmpty(testInstance, failures)
			combined := ""
			for _, failure := range failures {
				combined += failure.Reason + " " + failure.Fixture + "\n"
			}
			assert.Contains(testInstance, combined, testCase.expectedtoken)
		})
	}
}
