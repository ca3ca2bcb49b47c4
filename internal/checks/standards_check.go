package checks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	standardsCheckNameConstant          = "StandardsCheck"
	standardsCheckVersionConstant       = "1.0.1"
	missingRequiredFileTemplateConstant = "required file %s is missing"
	oversizedFileTemplateConstant       = "file has %d lines (limit %d)"
	standardsMetMessageConstant         = "architecture standards met"
)

// StandardsCheck enforces the repository-wide architecture conventions the
// policy declares: files every subsystem must carry and the maximum size a
// single source file may reach.
type StandardsCheck struct{}

// NewStandardsCheck constructs the standards analyzer.
func NewStandardsCheck() StandardsCheck {
	return StandardsCheck{}
}

// Name identifies the check.
func (StandardsCheck) Name() string {
	return standardsCheckNameConstant
}

// Version participates in differential invalidation.
func (StandardsCheck) Version() string {
	return standardsCheckVersionConstant
}

// Run verifies required files exist and source files stay within the size
// limit.
func (check StandardsCheck) Run(executionContext context.Context, view SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error) {
	var collected []findings.Finding

	for _, requiredFile := range loadedPolicy.Standards.RequiredFiles {
		if contextError := executionContext.Err(); contextError != nil {
			return nil, contextError
		}
		if _, statError := os.Stat(filepath.Join(view.Root(), requiredFile)); statError != nil {
			collected = append(collected, findings.Finding{
				Subsystem: view.Name(),
				Check:     check.Name(),
				Severity:  findings.SeverityMissing,
				Message:   fmt.Sprintf(missingRequiredFileTemplateConstant, requiredFile),
				File:      requiredFile,
			})
		}
	}

	if loadedPolicy.Standards.MaxFileLines > 0 {
		sourcePaths, listError := view.Files(goSourceExtensionConstant)
		if listError != nil {
			return nil, listError
		}
		for _, relativePath := range sourcePaths {
			if contextError := executionContext.Err(); contextError != nil {
				return nil, contextError
			}

			content, readError := view.ReadFile(relativePath)
			if readError != nil {
				return nil, readError
			}

			lineCount := bytes.Count(content, []byte("\n")) + 1
			if lineCount > loadedPolicy.Standards.MaxFileLines {
				collected = append(collected, findings.Finding{
					Subsystem: view.Name(),
					Check:     check.Name(),
					Severity:  findings.SeverityPerformance,
					Message:   fmt.Sprintf(oversizedFileTemplateConstant, lineCount, loadedPolicy.Standards.MaxFileLines),
					File:      relativePath,
				})
			}
		}
	}

	if len(collected) == 0 {
		collected = append(collected, findings.Finding{
			Subsystem: view.Name(),
			Check:     check.Name(),
			Severity:  findings.SeverityPositive,
			Message:   standardsMetMessageConstant,
		})
	}

	return collected, nil
}
