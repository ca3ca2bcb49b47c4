package checks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	subsystemCheckNameConstant           = "SubsystemSpecificCheck"
	subsystemCheckVersionConstant        = "1.0.0"
	ruleFileMissingTemplateConstant      = "rule %s: file %s is missing"
	ruleContentMissingTemplateConstant   = "rule %s: %s"
	ruleForbiddenContentTemplateConstant = "rule %s: forbidden content present: %s"
)

// SubsystemSpecificCheck evaluates the declarative per-subsystem rules the
// policy carries. Each rule names a file and either requires or forbids a
// substring; rules marked positive contribute positive findings when they
// hold instead of penalties when they fail.
type SubsystemSpecificCheck struct{}

// NewSubsystemSpecificCheck constructs the per-subsystem rule evaluator.
func NewSubsystemSpecificCheck() SubsystemSpecificCheck {
	return SubsystemSpecificCheck{}
}

// Name identifies the check.
func (SubsystemSpecificCheck) Name() string {
	return subsystemCheckNameConstant
}

// Version participates in differential invalidation.
func (SubsystemSpecificCheck) Version() string {
	return subsystemCheckVersionConstant
}

// Run evaluates every rule registered for the audited subsystem.
func (check SubsystemSpecificCheck) Run(executionContext context.Context, view SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error) {
	subsystemRules, configured := loadedPolicy.SubsystemChecks[view.Name()]
	if !configured || len(subsystemRules) == 0 {
		return nil, nil
	}

	ruleNames := make([]string, 0, len(subsystemRules))
	for ruleName := range subsystemRules {
		ruleNames = append(ruleNames, ruleName)
	}
	sort.Strings(ruleNames)

	var collected []findings.Finding
	for _, ruleName := range ruleNames {
		if contextError := executionContext.Err(); contextError != nil {
			return nil, contextError
		}

		rule := subsystemRules[ruleName]
		ruleFinding := check.evaluateRule(view, ruleName, rule)
		if ruleFinding != nil {
			collected = append(collected, *ruleFinding)
		}
	}

	return collected, nil
}

func (check SubsystemSpecificCheck) evaluateRule(view SubsystemView, ruleName string, rule policy.SubsystemRule) *findings.Finding {
	severity := rule.Severity
	if !severity.Valid() {
		severity = findings.SeverityMissing
	}

	content, readError := view.ReadFile(rule.File)
	if readError != nil {
		if !os.IsNotExist(readError) && !strings.Contains(readError.Error(), ErrPathOutsideSubsystem.Error()) {
			return &findings.Finding{
				Subsystem: view.Name(),
				Check:     check.Name(),
				Severity:  findings.SeverityCritical,
				Message:   truncateMessage(readError.Error()),
				File:      rule.File,
			}
		}
		if rule.Positive {
			return nil
		}
		return &findings.Finding{
			Subsystem: view.Name(),
			Check:     check.Name(),
			Severity:  severity,
			Message:   fmt.Sprintf(ruleFileMissingTemplateConstant, ruleName, rule.File),
			File:      rule.File,
		}
	}

	contains := strings.Contains(string(content), rule.Contains)

	if rule.Absent {
		if !contains {
			if rule.Positive {
				return &findings.Finding{
					Subsystem: view.Name(),
					Check:     check.Name(),
					Severity:  findings.SeverityPositive,
					Message:   rule.Description,
					File:      rule.File,
				}
			}
			return nil
		}
		return &findings.Finding{
			Subsystem: view.Name(),
			Check:     check.Name(),
			Severity:  severity,
			Message:   fmt.Sprintf(ruleForbiddenContentTemplateConstant, ruleName, rule.Description),
			File:      rule.File,
		}
	}

	if contains {
		if rule.Positive {
			return &findings.Finding{
				Subsystem: view.Name(),
				Check:     check.Name(),
				Severity:  findings.SeverityPositive,
				Message:   rule.Description,
				File:      rule.File,
			}
		}
		return nil
	}
	if rule.Positive {
		return nil
	}
	return &findings.Finding{
		Subsystem: view.Name(),
		Check:     check.Name(),
		Severity:  severity,
		Message:   fmt.Sprintf(ruleContentMissingTemplateConstant, ruleName, rule.Description),
		File:      rule.File,
	}
}
