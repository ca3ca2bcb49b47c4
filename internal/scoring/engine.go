package scoring

import (
	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	baseScoreConstant    = 100
	minimumScoreConstant = 0
	maximumScoreConstant = 100

	// Bonus condition names resolved against the policy bonus table.
	BonusPositiveObservations    = "positive_observations"
	BonusZeroSafetyIssues        = "zero_safety_issues"
	BonusZeroCriticalAndMissing  = "zero_critical_and_missing"
	positiveObservationThreshold = 3
)

// Outcome is the derived result of scoring one subsystem's findings.
type Outcome struct {
	Score          int
	Status         findings.Status
	SeverityCounts map[findings.Severity]int
}

// Score derives a subsystem score from findings and policy weights.
//
// score = clamp(100 + Σ penalty(severity)·count(severity) + Σ bonus, 0, 100),
// with each severity's penalty contribution capped so a single noisy check
// cannot zero the score. Status applies the critical-overrides-score
// invariant: any critical finding forces CRITICAL regardless of the number.
func Score(entries []findings.Finding, loadedPolicy policy.Policy) Outcome {
	severityCounts := findings.CountBySeverity(entries)

	score := float64(baseScoreConstant)
	totalPenalty := 0.0

	for severity, count := range severityCounts {
		if severity == findings.SeverityPositive {
			continue
		}
		penaltyWeight := loadedPolicy.Penalties[severity]
		categoryPenalty := penaltyWeight * float64(count)
		categoryPenalty = applyCategoryCap(categoryPenalty, loadedPolicy.Caps.MaxPenaltyPerCategory)
		totalPenalty += categoryPenalty
	}

	if loadedPolicy.Caps.MaxTotalPenalty > 0 && -totalPenalty > loadedPolicy.Caps.MaxTotalPenalty {
		totalPenalty = -loadedPolicy.Caps.MaxTotalPenalty
	}
	score += totalPenalty

	score += bonusTotal(severityCounts, loadedPolicy)

	clampedScore := clampScore(score)

	return Outcome{
		Score:          clampedScore,
		Status:         deriveStatus(severityCounts, clampedScore, loadedPolicy),
		SeverityCounts: severityCounts,
	}
}

// MeetsPolicy reports whether an outcome satisfies a subsystem's quality
// bar: no critical findings and a score at or above the minimum.
func MeetsPolicy(outcome Outcome, subsystemPolicy policy.SubsystemPolicy) bool {
	if outcome.SeverityCounts[findings.SeverityCritical] > 0 {
		return false
	}
	return outcome.Score >= subsystemPolicy.MinimumScore
}

func bonusTotal(severityCounts map[findings.Severity]int, loadedPolicy policy.Policy) float64 {
	total := 0.0

	if severityCounts[findings.SeverityPositive] >= positiveObservationThreshold {
		total += loadedPolicy.Bonuses[BonusPositiveObservations]
	}
	if severityCounts[findings.SeveritySafety] == 0 {
		total += loadedPolicy.Bonuses[BonusZeroSafetyIssues]
	}
	if severityCounts[findings.SeverityCritical] == 0 && severityCounts[findings.SeverityMissing] == 0 {
		total += loadedPolicy.Bonuses[BonusZeroCriticalAndMissing]
	}

	return total
}

func deriveStatus(severityCounts map[findings.Severity]int, score int, loadedPolicy policy.Policy) findings.Status {
	if severityCounts[findings.SeverityCritical] > 0 {
		return findings.StatusCritical
	}
	if score < loadedPolicy.Thresholds.Warning {
		return findings.StatusWarning
	}
	return findings.StatusOK
}

func applyCategoryCap(categoryPenalty float64, maximumPerCategory float64) float64 {
	if maximumPerCategory <= 0 {
		return categoryPenalty
	}
	if -categoryPenalty > maximumPerCategory {
		return -maximumPerCategory
	}
	return categoryPenalty
}

func clampScore(score float64) int {
	if score < minimumScoreConstant {
		return minimumScoreConstant
	}
	if score > maximumScoreConstant {
		return maximumScoreConstant
	}
	return int(score)
}
