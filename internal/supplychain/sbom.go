// Package supplychain builds a software bill of materials for audited
// subsystems and gates runs on known vulnerabilities and license policy.
package supplychain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

const (
	goModuleFileNameConstant          = "go.mod"
	requirementsFileNameConstant      = "requirements.txt"
	goEcosystemNameConstant           = "go"
	pythonEcosystemNameConstant       = "pypi"
	modfileParseTemplateConstant      = "unable to parse %s: %w"
	requirementsCommentPrefixConstant = "#"
)

// Component is one third-party dependency recorded in the SBOM.
type Component struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Ecosystem string `json:"ecosystem"`
	Subsystem string `json:"subsystem"`
	Indirect  bool   `json:"indirect,omitempty"`
}

// SBOM is the flattened dependency inventory across audited subsystems.
type SBOM struct {
	Components []Component `json:"components"`
}

// ComponentCount returns the inventory size.
func (bill SBOM) ComponentCount() int {
	return len(bill.Components)
}

// CollectSBOM inventories each subsystem's declared dependencies. Go
// modules come from go.mod via the modfile parser; Python requirements
// files are parsed as a best effort for subsystems carrying embedded
// tooling. Subsystems without manifests contribute nothing.
func CollectSBOM(subsystemRoots map[string]string) (SBOM, error) {
	subsystemNames := make([]string, 0, len(subsystemRoots))
	for subsystemName := range subsystemRoots {
		subsystemNames = append(subsystemNames, subsystemName)
	}
	sort.Strings(subsystemNames)

	var bill SBOM
	for _, subsystemName := range subsystemNames {
		rootPath := subsystemRoots[subsystemName]

		goComponents, goError := collectGoComponents(subsystemName, rootPath)
		if goError != nil {
			return SBOM{}, goError
		}
		bill.Components = append(bill.Components, goComponents...)

		bill.Components = append(bill.Components, collectPythonComponents(subsystemName, rootPath)...)
	}

	sort.Slice(bill.Components, func(firstIndex int, secondIndex int) bool {
		first := bill.Components[firstIndex]
		second := bill.Components[secondIndex]
		if first.Subsystem != second.Subsystem {
			return first.Subsystem < second.Subsystem
		}
		return first.Name < second.Name
	})
	return bill, nil
}

func collectGoComponents(subsystemName string, rootPath string) ([]Component, error) {
	modulePath := filepath.Join(rootPath, goModuleFileNameConstant)
	content, readError := os.ReadFile(modulePath)
	if readError != nil {
		if os.IsNotExist(readError) {
			return nil, nil
		}
		return nil, readError
	}

	parsedFile, parseError := modfile.Parse(modulePath, content, nil)
	if parseError != nil {
		return nil, fmt.Errorf(modfileParseTemplateConstant, modulePath, parseError)
	}

	components := make([]Component, 0, len(parsedFile.Require))
	for _, requirement := range parsedFile.Require {
		components = append(components, Component{
			Name:      requirement.Mod.Path,
			Version:   requirement.Mod.Version,
			Ecosystem: goEcosystemNameConstant,
			Subsystem: subsystemName,
			Indirect:  requirement.Indirect,
		})
	}
	return components, nil
}

func collectPythonComponents(subsystemName string, rootPath string) []Component {
	content, readError := os.ReadFile(filepath.Join(rootPath, requirementsFileNameConstant))
	if readError != nil {
		return nil
	}

	var components []Component
	for _, line := range strings.Split(string(content), "\n") {
		trimmedLine := strings.TrimSpace(line)
		if len(trimmedLine) == 0 || strings.HasPrefix(trimmedLine, requirementsCommentPrefixConstant) {
			continue
		}

		name, version := splitRequirement(trimmedLine)
		if len(name) == 0 {
			continue
		}
		components = append(components, Component{
			Name:      name,
			Version:   version,
			Ecosystem: pythonEcosystemNameConstant,
			Subsystem: subsystemName,
		})
	}
	return components
}

func splitRequirement(requirementLine string) (string, string) {
	for _, separator := range []string{"==", ">=", "<=", "~=", ">", "<"} {
		if separatorIndex := strings.Index(requirementLine, separator); separatorIndex > 0 {
			return strings.TrimSpace(requirementLine[:separatorIndex]), strings.TrimSpace(requirementLine[separatorIndex+len(separator):])
		}
	}
	return strings.TrimSpace(requirementLine), ""
}
