// Package metaaudit verifies that the audit system itself still behaves
// before any subsystem is scored. Synthetic finding fixtures with known
// score bands are pushed through the live scoring engine and policy; any
// deviation means the auditor is untrustworthy and the run must abort.
package metaaudit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/scoring"
)

const (
	fixtureSubsystemNameConstant     = "meta_fixture"
	fixtureCheckNameConstant         = "FixtureCheck"
	scoreBandTemplateConstant        = "fixture %s scored %d, expected within [%d, %d]"
	statusMismatchTemplateConstant   = "fixture %s derived status %s, expected %s"
	penaltySignTemplateConstant      = "policy penalty for %s must be negative or zero, got %.2f"
	bonusSignTemplateConstant        = "policy bonus %s must be positive or zero, got %.2f"
	thresholdOrderMessageConstant    = "production_ready threshold must exceed warning threshold"
	fixturesPassedMessageConstant    = "meta-audit fixtures passed"
	fixtureCountFieldConstant        = "fixtures"
	cleanFixtureNameConstant         = "clean_subsystem"
	criticalFixtureNameConstant      = "critical_subsystem"
	mixedFixtureNameConstant         = "mixed_subsystem"
	cleanFixtureMinimumScoreConstant = 95
	criticalFixtureCeilingConstant   = 80
	mixedFixtureFloorConstant        = 40
	mixedFixtureCeilingConstant      = 95
)

// FixtureFailure describes one failed self-check expectation.
type FixtureFailure struct {
	Fixture string `json:"fixture"`
	Reason  string `json:"reason"`
}

// Error renders the failure as a single diagnostic line.
func (failure FixtureFailure) Error() string {
	return failure.Reason
}

// Verifier runs the scoring self-checks against the loaded policy.
type Verifier struct {
	logger *zap.Logger
}

// NewVerifier constructs a meta-audit verifier.
func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{logger: logger}
}

type scoreFixture struct {
	name           string
	entries        []findings.Finding
	minimumScore   int
	maximumScore   int
	expectedStatus findings.Status
	statusChecked  bool
}

// Verify runs every fixture plus the policy shape assertions. It returns
// all failures rather than the first, so a broken policy is diagnosed in
// one pass.
func (verifier *Verifier) Verify(loadedPolicy policy.Policy) []FixtureFailure {
	failures := verifier.verifyPolicyShape(loadedPolicy)

	fixtures := buildFixtures()
	for _, fixture := range fixtures {
		outcome := scoring.Score(fixture.entries, loadedPolicy)
		if outcome.Score < fixture.minimumScore || outcome.Score > fixture.maximumScore {
			failures = append(failures, FixtureFailure{
				Fixture: fixture.name,
				Reason:  fmt.Sprintf(scoreBandTemplateConstant, fixture.name, outcome.Score, fixture.minimumScore, fixture.maximumScore),
			})
		}
		if fixture.statusChecked && outcome.Status != fixture.expectedStatus {
			failures = append(failures, FixtureFailure{
				Fixture: fixture.name,
				Reason:  fmt.Sprintf(statusMismatchTemplateConstant, fixture.name, outcome.Status, fixture.expectedStatus),
			})
		}
	}

	if len(failures) == 0 {
		verifier.logger.Debug(fixturesPassedMessageConstant, zap.Int(fixtureCountFieldConstant, len(fixtures)))
	}
	return failures
}

func (verifier *Verifier) verifyPolicyShape(loadedPolicy policy.Policy) []FixtureFailure {
	var failures []FixtureFailure

	for severity, penaltyWeight := range loadedPolicy.Penalties {
		if severity == findings.SeverityPositive {
			continue
		}
		if penaltyWeight > 0 {
			failures = append(failures, FixtureFailure{
				Fixture: string(severity),
				Reason:  fmt.Sprintf(penaltySignTemplateConstant, severity, penaltyWeight),
			})
		}
	}

	for bonusName, bonusWeight := range loadedPolicy.Bonuses {
		if bonusWeight < 0 {
			failures = append(failures, FixtureFailure{
				Fixture: bonusName,
				Reason:  fmt.Sprintf(bonusSignTemplateConstant, bonusName, bonusWeight),
			})
		}
	}

	if loadedPolicy.Thresholds.ProductionReady <= loadedPolicy.Thresholds.Warning {
		failures = append(failures, FixtureFailure{
			Fixture: thresholdOrderMessageConstant,
			Reason:  thresholdOrderMessageConstant,
		})
	}

	return failures
}

func buildFixtures() []scoreFixture {
	return []scoreFixture{
		{
			name:           cleanFixtureNameConstant,
			entries:        nil,
			minimumScore:   cleanFixtureMinimumScoreConstant,
			maximumScore:   100,
			expectedStatus: findings.StatusOK,
			statusChecked:  true,
		},
		{
			name: criticalFixtureNameConstant,
			entries: []findings.Finding{
				fixtureFinding(findings.SeverityCritical, "fixture critical one"),
				fixtureFinding(findings.SeverityCritical, "fixture critical two"),
			},
			minimumScore:   0,
			maximumScore:   criticalFixtureCeilingConstant,
			expectedStatus: findings.StatusCritical,
			statusChecked:  true,
		},
		{
			name: mixedFixtureNameConstant,
			entries: []findings.Finding{
				fixtureFinding(findings.SeveritySafety, "fixture safety"),
				fixtureFinding(findings.SeverityPerformance, "fixture performance"),
				fixtureFinding(findings.SeverityMissing, "fixture missing"),
				fixtureFinding(findings.SeverityPositive, "fixture positive"),
			},
			minimumScore: mixedFixtureFloorConstant,
			maximumScore: mixedFixtureCeilingConstant,
		},
	}
}

func fixtureFinding(severity findings.Severity, message string) findings.Finding {
	return findings.Finding{
		Subsystem: fixtureSubsystemNameConstant,
		Check:     fixtureCheckNameConstant,
		Severity:  severity,
		Message:   message,
	}
}
