// Package report aggregates subsystem results into the run-level verdict
// and renders it for machines and humans.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/temirov/coreaudit/internal/differential"
	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/perf"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/supplychain"
)

const (
	belowAverageGateTemplateConstant   = "average score %.1f is below the %.1f gate"
	belowSubsystemGateTemplateConstant = "subsystem %s score %d is below the %d gate"
	criticalStatusTemplateConstant     = "subsystem %s is CRITICAL"
	incompleteStatusTemplateConstant   = "subsystem %s audit is INCOMPLETE"
	policyUnmetTemplateConstant        = "subsystem %s does not meet its policy minimum %d"
	supplyChainGateTemplateConstant    = "supply chain: %s"
	performanceGateTemplateConstant    = "performance: %s"
	metaAuditGateTemplateConstant      = "meta-audit: %s"
)

// Provenance records what exactly produced a report.
type Provenance struct {
	CommitHash    string `json:"commit_hash"`
	PolicyVersion string `json:"policy_version"`
	PolicyHash    string `json:"policy_hash"`
	Timestamp     string `json:"timestamp"`
}

// RunReport is the complete outcome of one audit run.
type RunReport struct {
	Provenance            Provenance              `json:"provenance"`
	Results               []findings.Result       `json:"results"`
	SkipDecisions         []differential.Decision `json:"skip_decisions,omitempty"`
	SupplyChain           supplychain.Verdict     `json:"supply_chain"`
	PerformanceViolations []perf.Violation        `json:"performance_violations,omitempty"`
	MetaAuditFailures     []string                `json:"meta_audit_failures,omitempty"`
	AverageScore          float64                 `json:"average_score"`
	ProductionReady       bool                    `json:"production_ready"`
	GateFailures          []string                `json:"gate_failures,omitempty"`
}

// Aggregate derives the run-level verdict. Production readiness is a
// strict conjunction: every gate must hold, and an INCOMPLETE subsystem
// fails the gate even when its partial score looks healthy.
func Aggregate(results []findings.Result, loadedPolicy policy.Policy, chainVerdict supplychain.Verdict, perfViolations []perf.Violation, perfMode perf.EnforcementMode, skipDecisions []differential.Decision, provenance Provenance) RunReport {
	sorted := make([]findings.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(firstIndex int, secondIndex int) bool {
		return sorted[firstIndex].Subsystem < sorted[secondIndex].Subsystem
	})

	runReport := RunReport{
		Provenance:            provenance,
		Results:               sorted,
		SkipDecisions:         skipDecisions,
		SupplyChain:           chainVerdict,
		PerformanceViolations: perfViolations,
	}

	scoreTotal := 0
	for _, result := range sorted {
		scoreTotal += result.Score
	}
	if len(sorted) > 0 {
		runReport.AverageScore = float64(scoreTotal) / float64(len(sorted))
	}

	runReport.GateFailures = gateFailures(runReport, loadedPolicy, perfMode)
	runReport.ProductionReady = len(runReport.GateFailures) == 0
	return runReport
}

func gateFailures(runReport RunReport, loadedPolicy policy.Policy, perfMode perf.EnforcementMode) []string {
	var failures []string

	for _, result := range runReport.Results {
		switch result.Status {
		case findings.StatusCritical:
			failures = append(failures, fmt.Sprintf(criticalStatusTemplateConstant, result.Subsystem))
		case findings.StatusIncomplete:
			failures = append(failures, fmt.Sprintf(incompleteStatusTemplateConstant, result.Subsystem))
		}
		if !result.MeetsPolicy {
			failures = append(failures, fmt.Sprintf(policyUnmetTemplateConstant, result.Subsystem, result.PolicyMinimum))
		}
		if minimumPerSubsystem := loadedPolicy.ProductionGates.MinimumPerSubsystemScore; minimumPerSubsystem > 0 && result.Score < minimumPerSubsystem {
			failures = append(failures, fmt.Sprintf(belowSubsystemGateTemplateConstant, result.Subsystem, result.Score, minimumPerSubsystem))
		}
	}

	if minimumAverage := loadedPolicy.ProductionGates.MinimumAverageScore; minimumAverage > 0 && runReport.AverageScore < minimumAverage {
		failures = append(failures, fmt.Sprintf(belowAverageGateTemplateConstant, runReport.AverageScore, minimumAverage))
	}

	if !runReport.SupplyChain.Passed {
		for _, reason := range runReport.SupplyChain.FailureReasons {
			failures = append(failures, fmt.Sprintf(supplyChainGateTemplateConstant, reason))
		}
	}

	if perfMode == perf.EnforcementStrict {
		for _, violation := range runReport.PerformanceViolations {
			failures = append(failures, fmt.Sprintf(performanceGateTemplateConstant, violation.Reason))
		}
	}

	for _, metaFailure := range runReport.MetaAuditFailures {
		failures = append(failures, fmt.Sprintf(metaAuditGateTemplateConstant, metaFailure))
	}

	return failures
}

// HumanSummary renders the report for terminal output.
func HumanSummary(runReport RunReport) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "Audit @ %s (commit %s, policy %s/%s)\n",
		runReport.Provenance.Timestamp, runReport.Provenance.CommitHash,
		runReport.Provenance.PolicyVersion, runReport.Provenance.PolicyHash)

	for _, result := range runReport.Results {
		marker := "PASS"
		if !result.MeetsPolicy {
			marker = "FAIL"
		}
		fmt.Fprintf(&builder, "  [%s] %-24s score %3d  %s  (%d findings, %.0fms)\n",
			marker, result.Subsystem, result.Score, result.Status, len(result.Findings), result.AuditTimeMillis)
	}

	skippedCount := 0
	for _, decision := range runReport.SkipDecisions {
		if !decision.Audit {
			skippedCount++
		}
	}
	// Results contains freshly audited and cache-reused subsystems alike.
	auditedCount := len(runReport.Results) - skippedCount
	if auditedCount < 0 {
		auditedCount = 0
	}
	fmt.Fprintf(&builder, "  %d audited, %d unchanged (cache), average %.1f\n",
		auditedCount, skippedCount, runReport.AverageScore)

	if runReport.ProductionReady {
		builder.WriteString("  production ready: yes\n")
	} else {
		builder.WriteString("  production ready: NO\n")
		for _, failure := range runReport.GateFailures {
			fmt.Fprintf(&builder, "    - %s\n", failure)
		}
	}

	return builder.String()
}
