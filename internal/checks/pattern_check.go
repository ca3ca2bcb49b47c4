package checks

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	patternCheckNameConstant       = "PatternCheck"
	patternCheckVersionConstant    = "1.2.0"
	patternCompileTemplateConstant = "pattern %s does not compile: %v"
	patternMatchTemplateConstant   = "%s (pattern %s)"
	noAntiPatternsMessageConstant  = "no anti-patterns detected"
	generatedFileMarkerConstant    = "Code generated"
)

// PatternCheck scans subsystem text files for the anti-pattern rules the
// policy declares. Each rule is a compiled regular expression applied line
// by line; findings carry the rule identifier so suppressions can reference
// them precisely.
type PatternCheck struct{}

// NewPatternCheck constructs the anti-pattern scanner.
func NewPatternCheck() PatternCheck {
	return PatternCheck{}
}

// Name identifies the check.
func (PatternCheck) Name() string {
	return patternCheckNameConstant
}

// Version participates in differential invalidation.
func (PatternCheck) Version() string {
	return patternCheckVersionConstant
}

// Run applies every configured pattern rule to the subsystem's text files.
func (check PatternCheck) Run(executionContext context.Context, view SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error) {
	compiledRules, compileError := compilePatternRules(loadedPolicy.Patterns)
	if compileError != nil {
		return nil, compileError
	}
	if len(compiledRules) == 0 {
		return nil, nil
	}

	filePaths, listError := view.Files()
	if listError != nil {
		return nil, listError
	}

	var collected []findings.Finding
	for _, relativePath := range filePaths {
		if contextError := executionContext.Err(); contextError != nil {
			return nil, contextError
		}

		content, readError := view.ReadFile(relativePath)
		if readError != nil {
			return nil, readError
		}
		if looksBinary(content) {
			continue
		}

		lines := strings.Split(string(content), "\n")
		if len(lines) > 0 && strings.Contains(lines[0], generatedFileMarkerConstant) {
			continue
		}

		for lineIndex, lineText := range lines {
			for _, rule := range compiledRules {
				if !rule.expression.MatchString(lineText) {
					continue
				}
				collected = append(collected, findings.Finding{
					Subsystem: view.Name(),
					Check:     check.Name(),
					Severity:  rule.severity,
					Message:   truncateMessage(fmt.Sprintf(patternMatchTemplateConstant, rule.description, rule.identifier)),
					File:      relativePath,
					Line:      lineIndex + 1,
					PatternID: rule.identifier,
				})
			}
		}
	}

	if len(collected) == 0 {
		collected = append(collected, findings.Finding{
			Subsystem: view.Name(),
			Check:     check.Name(),
			Severity:  findings.SeverityPositive,
			Message:   noAntiPatternsMessageConstant,
		})
	}

	return collected, nil
}

type compiledPatternRule struct {
	identifier  string
	expression  *regexp.Regexp
	severity    findings.Severity
	description string
}

func compilePatternRules(rules map[string]policy.PatternRule) ([]compiledPatternRule, error) {
	identifiers := make([]string, 0, len(rules))
	for identifier := range rules {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)

	compiled := make([]compiledPatternRule, 0, len(identifiers))
	for _, identifier := range identifiers {
		rule := rules[identifier]
		expression, compileError := regexp.Compile(rule.Pattern)
		if compileError != nil {
			return nil, fmt.Errorf(patternCompileTemplateConstant, identifier, compileError)
		}

		description := rule.Description
		if len(description) == 0 {
			description = identifier
		}
		compiled = append(compiled, compiledPatternRule{
			identifier:  identifier,
			expression:  expression,
			severity:    rule.Severity,
			description: description,
		})
	}
	return compiled, nil
}
