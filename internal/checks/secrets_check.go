package checks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	secretsCheckNameConstant             = "SecretsCheck"
	secretsCheckVersionConstant          = "1.1.0"
	secretPatternCompileTemplateConstant = "secret pattern %s does not compile: %v"
	secretMatchTemplateConstant          = "possible secret %s: %s"
	entropyMatchTemplateConstant         = "high-entropy token (%.2f bits/char): %s"
	noSecretsMessageConstant             = "no secrets detected"
	minimumEntropyTokenLengthConstant    = 20
	defaultEntropyThresholdConstant      = 4.5
	testFixtureDirectoryConstant         = "testdata"
)

var entropyCandidateExpression = regexp.MustCompile(`["'\x60]([A-Za-z0-9+/_=\-]{20,})["'\x60]`)

// SecretsCheck scans for hardcoded credentials using the policy's declared
// secret patterns plus a Shannon-entropy heuristic for opaque tokens. Every
// finding message carries a redacted preview; the matched text itself never
// leaves the check.
type SecretsCheck struct{}

// NewSecretsCheck constructs the secrets scanner.
func NewSecretsCheck() SecretsCheck {
	return SecretsCheck{}
}

// Name identifies the check.
func (SecretsCheck) Name() string {
	return secretsCheckNameConstant
}

// Version participates in differential invalidation.
func (SecretsCheck) Version() string {
	return secretsCheckVersionConstant
}

// Run scans subsystem text files for secret material.
func (check SecretsCheck) Run(executionContext context.Context, view SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error) {
	if !loadedPolicy.Secrets.Enabled {
		return nil, nil
	}

	compiledPatterns, compileError := compileSecretPatterns(loadedPolicy.Secrets.Patterns)
	if compileError != nil {
		return nil, compileError
	}

	entropyThreshold := loadedPolicy.Secrets.EntropyThreshold
	if entropyThreshold <= 0 {
		entropyThreshold = defaultEntropyThresholdConstant
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
		if isTestFixturePath(relativePath) {
			continue
		}

		content, readError := view.ReadFile(relativePath)
		if readError != nil {
			return nil, readError
		}
		if looksBinary(content) {
			continue
		}

		for lineIndex, lineText := range strings.Split(string(content), "\n") {
			for _, compiledPattern := range compiledPatterns {
				matchedText := compiledPattern.expression.FindString(lineText)
				if len(matchedText) == 0 {
					continue
				}
				collected = append(collected, findings.Finding{
					Subsystem: view.Name(),
					Check:     check.Name(),
					Severity:  compiledPattern.severity,
					Message:   fmt.Sprintf(secretMatchTemplateConstant, compiledPattern.identifier, redactSecretPreview(matchedText)),
					File:      relativePath,
					Line:      lineIndex + 1,
					PatternID: compiledPattern.identifier,
				})
			}

			for _, candidateGroups := range entropyCandidateExpression.FindAllStringSubmatch(lineText, -1) {
				token := candidateGroups[1]
				if len(token) < minimumEntropyTokenLengthConstant {
					continue
				}
				tokenEntropy := shannonEntropy(token)
				if tokenEntropy < entropyThreshold {
					continue
				}
				collected = append(collected, findings.Finding{
					Subsystem: view.Name(),
					Check:     check.Name(),
					Severity:  findings.SeveritySafety,
					Message:   fmt.Sprintf(entropyMatchTemplateConstant, tokenEntropy, redactSecretPreview(token)),
					File:      relativePath,
					Line:      lineIndex + 1,
					PatternID: policy.EntropyPatternIdentifier,
				})
			}
		}
	}

	if len(collected) == 0 {
		collected = append(collected, findings.Finding{
			Subsystem: view.Name(),
			Check:     check.Name(),
			Severity:  findings.SeverityPositive,
			Message:   noSecretsMessageConstant,
		})
	}

	return collected, nil
}

type compiledSecretPattern struct {
	identifier string
	expression *regexp.Regexp
	severity   findings.Severity
}

func compileSecretPatterns(patterns []policy.SecretPattern) ([]compiledSecretPattern, error) {
	compiled := make([]compiledSecretPattern, 0, len(patterns))
	for index := range patterns {
		pattern := patterns[index]
		expression, compileError := regexp.Compile(pattern.Pattern)
		if compileError != nil {
			return nil, fmt.Errorf(secretPatternCompileTemplateConstant, pattern.ID, compileError)
		}

		severity := pattern.Severity
		if !severity.Valid() {
			severity = findings.SeverityCritical
		}
		compiled = append(compiled, compiledSecretPattern{identifier: pattern.ID, expression: expression, severity: severity})
	}
	return compiled, nil
}

func isTestFixturePath(relativePath string) bool {
	for _, segment := range strings.Split(relativePath, "/") {
		if segment == testFixtureDirectoryConstant {
			return true
		}
	}
	return false
}
