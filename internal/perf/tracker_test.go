package perf_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/perf"
	"github.com/temirov/coreaudit/internal/policy"
)

func newTestTracker(testInstance *testing.T, slos policy.PerformanceSLOs) *perf.Tracker {
	testInstance.Helper()
	trendPath := filepath.Join(testInstance.TempDir(), "perf_trend.jsonl")
	return perf.NewTracker(trendPath, slos, nil)
}

func recordGreenSamples(testInstance *testing.T, tracker *perf.Tracker, subsystemName string, durations []float64) {
	testInstance.Helper()
	for index, duration := range durations {
		require.NoError(testInstance, tracker.Record(perf.Sample{
			Subsystem:       subsystemName,
			Score:           95,
			Status:          findings.StatusOK,
			AuditTimeMillis: duration,
			Timestamp:       fmt.Sprintf("2026-08-%02dT00:00:00Z", index+1),
		}))
	}
}

func TestParseEnforcementMode(testInstance *testing.T) {
	testCases := []struct {
		name          string
		input         string
		expectedMode  perf.EnforcementMode
		expectedError bool
	}{
		{name: "strict", input: "strict", expectedMode: perf.EnforcementStrict},
		{name: "warn_uppercase", input: "WARN", expectedMode: perf.EnforcementWarn},
		{name: "off_padded", input: " off ", expectedMode: perf.EnforcementOff},
		{name: "unknown_rejected", input: "lenient", expectedError: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			parsedMode, parseError := perf.ParseEnforcementMode(testCase.input)

			if testCase.expectedError {
				require.Error(testInstance, parseError)
				return
			}
			require.NoError(testInstance, parseError)
			assert.Equal(testInstance, testCase.expectedMode, parsedMode)
		})
	}
}

func TestHistoryReturnsRecentSamplesOldestFirst(testInstance *testing.T) {
	tracker := newTestTracker(testInstance, policy.PerformanceSLOs{})
	recordGreenSamples(testInstance, tracker, "memory_core", []float64{100, 110, 120, 130})

	history, historyError := tracker.History("memory_core", 2)

	require.NoError(testInstance, historyError)
	require.Len(testInstance, history, 2)
	assert.Equal(testInstance, 120.0, history[0].AuditTimeMillis)
	assert.Equal(testInstance, 130.0, history[1].AuditTimeMillis)
}

func TestHistoryMissingLogIsEmpty(testInstance *testing.T) {
	tracker := newTestTracker(testInstance, policy.PerformanceSLOs{})

	history, historyError := tracker.History("memory_core", 10)

	require.NoError(testInstance, historyError)
	assert.Empty(testInstance, history)
}

func TestBaselineRequiresMinimumGreenSamples(testInstance *testing.T) {
	tracker := newTestTracker(testInstance, policy.PerformanceSLOs{MinimumBaselineSampleSize: 5})
	recordGreenSamples(testInstance, tracker, "memory_core", []float64{100, 105, 110})

	_, baselineAvailable, baselineError := tracker.Baseline("memory_core")

	require.NoError(testInstance, baselineError)
	assert.False(testInstance, baselineAvailable)
}

func TestBaselineIgnoresNonGreenSamples(testInstance *testing.T) {
	tracker := newTestTracker(testInstance, policy.PerformanceSLOs{MinimumBaselineSampleSize: 2})
	recordGreenSamples(testInstance, tracker, "memory_core", []float64{100, 110})
	require.NoError(testInstance, tracker.Record(perf.Sample{
		Subsystem:       "memory_core",
		Status:          findings.StatusCritical,
		AuditTimeMillis: 9000,
	}))

	baseline, baselineAvailable, baselineError := tracker.Baseline("memory_core")

	require.NoError(testInstance, baselineError)
	require.True(testInstance, baselineAvailable)
	assert.Less(testInstance, baseline, 9000.0)
}

func TestEvaluateBudgets(testInstance *testing.T) {
	testCases := []struct {
		name               string
		slos               policy.PerformanceSLOs
		baselineDurations  []float64
		auditTimeMillis    float64
		expectedViolations int
		expectCritical     bool
	}{
		{
			name:               "within_all_budgets",
			slos:               policy.PerformanceSLOs{P95ThresholdMillis: 500, CriticalThresholdMillis: 2000},
			auditTimeMillis:    100,
			expectedViolations: 0,
		},
		{
			name:               "absolute_budget_exceeded",
			slos:               policy.PerformanceSLOs{P95ThresholdMillis: 500},
			auditTimeMillis:    800,
			expectedViolations: 1,
		},
		{
			name:               "critical_ceiling_exceeded",
			slos:               policy.PerformanceSLOs{P95ThresholdMillis: 500, CriticalThresholdMillis: 2000},
			auditTimeMillis:    2500,
			expectedViolations: 2,
			expectCritical:     true,
		},
		{
			name: "regression_against_baseline",
			slos: policy.PerformanceSLOs{
				RegressionThresholdPct:    50,
				MinimumBaselineSampleSize: 3,
			},
			baselineDurations:  []float64{100, 100, 100, 100},
			auditTimeMillis:    300,
			expectedViolations: 1,
		},
		{
			name: "no_regression_without_baseline",
			slos: policy.PerformanceSLOs{
				RegressionThresholdPct:    50,
				MinimumBaselineSampleSize: 5,
			},
			baselineDurations:  []float64{100},
			auditTimeMillis:    300,
			expectedViolations: 0,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			tracker := newTestTracker(testInstance, testCase.slos)
			recordGreenSamples(testInstance, tracker, "memory_core", testCase.baselineDurations)

			violations, evaluateError := tracker.Evaluate("memory_core", testCase.auditTimeMillis)

			require.NoError(testInstance, evaluateError)
			assert.Len(testInstance, violations, testCase.expectedViolations)
			if testCase.expectCritical {
				assert.True(testInstance, violations[0].Critical)
			}
		})
	}
}
