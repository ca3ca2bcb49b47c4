package checks

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	dependencyCheckNameConstant         = "DependencyCheck"
	dependencyCheckVersionConstant      = "1.1.0"
	goSourceExtensionConstant           = ".go"
	goTestSuffixConstant                = "_test.go"
	parseFailureTemplateConstant        = "source file does not parse: %v"
	forbiddenImportTemplateConstant     = "forbidden import %s"
	heavyImportCountTemplateConstant    = "file imports %d packages (threshold %d)"
	parsesCleanlyMessageConstant        = "all sources parse cleanly"
	defaultHeavyImportThresholdConstant = 25
)

// DependencyCheck parses every Go source file in the subsystem, verifies it
// is loadable, and inspects its import graph for forbidden or excessive
// dependencies. A file that fails to parse is a critical finding, the
// analogue of a module that cannot be imported at all.
type DependencyCheck struct{}

// NewDependencyCheck constructs the dependency analyzer.
func NewDependencyCheck() DependencyCheck {
	return DependencyCheck{}
}

// Name identifies the check.
func (DependencyCheck) Name() string {
	return dependencyCheckNameConstant
}

// Version participates in differential invalidation.
func (DependencyCheck) Version() string {
	return dependencyCheckVersionConstant
}

// Run analyzes the subsystem's Go sources.
func (check DependencyCheck) Run(executionContext context.Context, view SubsystemView, loadedPolicy policy.Policy) ([]findings.Finding, error) {
	sourcePaths, listError := view.Files(goSourceExtensionConstant)
	if listError != nil {
		return nil, listError
	}

	var collected []findings.Finding
	parseFailures := 0

	for _, relativePath := range sourcePaths {
		if contextError := executionContext.Err(); contextError != nil {
			return nil, contextError
		}

		content, readError := view.ReadFile(relativePath)
		if readError != nil {
			return nil, readError
		}

		fileSet := token.NewFileSet()
		parsedFile, parseError := parser.ParseFile(fileSet, filepath.Base(relativePath), content, parser.ImportsOnly)
		if parseError != nil {
			parseFailures++
			collected = append(collected, findings.Finding{
				Subsystem: view.Name(),
				Check:     check.Name(),
				Severity:  findings.SeverityCritical,
				Message:   truncateMessage(fmt.Sprintf(parseFailureTemplateConstant, parseError)),
				File:      relativePath,
			})
			continue
		}

		importPaths := make([]string, 0, len(parsedFile.Imports))
		for _, importSpec := range parsedFile.Imports {
			importPaths = append(importPaths, strings.Trim(importSpec.Path.Value, `"`))
		}

		for _, importPath := range importPaths {
			for _, forbiddenImport := range loadedPolicy.Standards.ForbiddenImports {
				if importPath == forbiddenImport {
					collected = append(collected, findings.Finding{
						Subsystem: view.Name(),
						Check:     check.Name(),
						Severity:  findings.SeveritySafety,
						Message:   fmt.Sprintf(forbiddenImportTemplateConstant, importPath),
						File:      relativePath,
					})
				}
			}
		}

		if !strings.HasSuffix(relativePath, goTestSuffixConstant) && len(importPaths) > defaultHeavyImportThresholdConstant {
			collected = append(collected, findings.Finding{
				Subsystem: view.Name(),
				Check:     check.Name(),
				Severity:  findings.SeverityPerformance,
				Message:   fmt.Sprintf(heavyImportCountTemplateConstant, len(importPaths), defaultHeavyImportThresholdConstant),
				File:      relativePath,
			})
		}
	}

	if parseFailures == 0 && len(sourcePaths) > 0 {
		collected = append(collected, findings.Finding{
			Subsystem: view.Name(),
			Check:     check.Name(),
			Severity:  findings.SeverityPositive,
			Message:   parsesCleanlyMessageConstant,
		})
	}

	return collected, nil
}
