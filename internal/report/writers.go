package report

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/temirov/coreaudit/internal/findings"
)

const (
	reportFilePermissionsConstant      = 0o644
	reportDirectoryPermissionsConstant = 0o755
	reportWriteFailureTemplateConstant = "unable to write report: %w"
	bundleWriteFailureTemplateConstant = "unable to write reproducer bundle: %w"

	sarifSchemaURIConstant = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"
	sarifVersionConstant   = "2.1.0"
	sarifToolNameConstant  = "coreaudit"

	bundleReportNameConstant       = "report.json"
	bundlePolicyNameConstant       = "policy.yaml"
	bundleSuppressionsNameConstant = "suppressions.yaml"
	bundleQuarantineNameConstant   = "quarantine.yaml"
	bundleCacheNameConstant        = "audit_cache.json"
	bundleEnvironmentNameConstant  = "environment.json"
)

// WriteJSON persists the full report as pretty-printed JSON.
func WriteJSON(runReport RunReport, outputPath string) error {
	serialized, marshalError := json.MarshalIndent(runReport, "", "  ")
	if marshalError != nil {
		return fmt.Errorf(reportWriteFailureTemplateConstant, marshalError)
	}
	return writeReportFile(outputPath, serialized)
}

type sarifLog struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name    string      `json:"name"`
	Version string      `json:"version,omitempty"`
	Rules   []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID string `json:"id"`
}

type sarifResult struct {
	RuleID    string          `json:"ruleId"`
	Level     string          `json:"level"`
	Message   sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations,omitempty"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           *sarifRegion          `json:"region,omitempty"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int `json:"startLine"`
}

// WriteSARIF renders findings as a SARIF 2.1.0 log for code scanning
// integrations. Positive findings are omitted; they are observations, not
// results.
func WriteSARIF(runReport RunReport, outputPath string) error {
	ruleIdentifiers := make(map[string]struct{})
	var results []sarifResult

	for _, subsystemResult := range runReport.Results {
		for _, finding := range subsystemResult.Findings {
			if finding.Severity == findings.SeverityPositive {
				continue
			}
			ruleIdentifiers[finding.Check] = struct{}{}

			sarifEntry := sarifResult{
				RuleID:  finding.Check,
				Level:   sarifLevel(finding.Severity),
				Message: sarifMessage{Text: finding.Message},
			}
			if len(finding.File) > 0 {
				location := sarifLocation{PhysicalLocation: sarifPhysicalLocation{
					ArtifactLocation: sarifArtifactLocation{URI: filepath.ToSlash(filepath.Join(finding.Subsystem, finding.File))},
				}}
				if finding.Line > 0 {
					location.PhysicalLocation.Region = &sarifRegion{StartLine: finding.Line}
				}
				sarifEntry.Locations = []sarifLocation{location}
			}
			results = append(results, sarifEntry)
		}
	}

	rules := make([]sarifRule, 0, len(ruleIdentifiers))
	for ruleIdentifier := range ruleIdentifiers {
		rules = append(rules, sarifRule{ID: ruleIdentifier})
	}

	log := sarifLog{
		Schema:  sarifSchemaURIConstant,
		Version: sarifVersionConstant,
		Runs: []sarifRun{{
			Tool:    sarifTool{Driver: sarifDriver{Name: sarifToolNameConstant, Version: runReport.Provenance.PolicyVersion, Rules: rules}},
			Results: results,
		}},
	}

	serialized, marshalError := json.MarshalIndent(log, "", "  ")
	if marshalError != nil {
		return fmt.Errorf(reportWriteFailureTemplateConstant, marshalError)
	}
	return writeReportFile(outputPath, serialized)
}

func sarifLevel(severity findings.Severity) string {
	switch severity {
	case findings.SeverityCritical, findings.SeveritySafety:
		return "error"
	case findings.SeverityMissing, findings.SeverityPerformance:
		return "warning"
	default:
		return "note"
	}
}

// BundleInputs names the configuration artifacts packed into a reproducer
// bundle alongside the report. Missing files are skipped silently; the
// bundle is best effort beyond the report itself.
type BundleInputs struct {
	PolicyPath      string
	SuppressionPath string
	QuarantinePath  string
	CachePath       string
}

type bundleEnvironment struct {
	GoVersion       string `json:"go_version"`
	OperatingSystem string `json:"operating_system"`
	Architecture    string `json:"architecture"`
	CommitHash      string `json:"commit_hash"`
	PolicyHash      string `json:"policy_hash"`
	Timestamp       string `json:"timestamp"`
}

// WriteReproducerBundle packages everything needed to replay a failed run:
// the report, the exact policy and exemption registries that produced it,
// the differential cache snapshot, and the runtime environment.
func WriteReproducerBundle(runReport RunReport, inputs BundleInputs, bundlePath string) error {
	if directoryError := os.MkdirAll(filepath.Dir(bundlePath), reportDirectoryPermissionsConstant); directoryError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, directoryError)
	}

	bundleFile, createError := os.Create(bundlePath)
	if createError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, createError)
	}
	defer bundleFile.Close()

	archiveWriter := zip.NewWriter(bundleFile)

	reportContent, marshalError := json.MarshalIndent(runReport, "", "  ")
	if marshalError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, marshalError)
	}
	if appendError := appendBundleEntry(archiveWriter, bundleReportNameConstant, reportContent); appendError != nil {
		return appendError
	}

	environmentContent, environmentError := json.MarshalIndent(bundleEnvironment{
		GoVersion:       runtime.Version(),
		OperatingSystem: runtime.GOOS,
		Architecture:    runtime.GOARCH,
		CommitHash:      runReport.Provenance.CommitHash,
		PolicyHash:      runReport.Provenance.PolicyHash,
		Timestamp:       runReport.Provenance.Timestamp,
	}, "", "  ")
	if environmentError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, environmentError)
	}
	if appendError := appendBundleEntry(archiveWriter, bundleEnvironmentNameConstant, environmentContent); appendError != nil {
		return appendError
	}

	sourceEntries := []struct {
		entryName  string
		sourcePath string
	}{
		{bundlePolicyNameConstant, inputs.PolicyPath},
		{bundleSuppressionsNameConstant, inputs.SuppressionPath},
		{bundleQuarantineNameConstant, inputs.QuarantinePath},
		{bundleCacheNameConstant, inputs.CachePath},
	}
	for _, sourceEntry := range sourceEntries {
		if len(sourceEntry.sourcePath) == 0 {
			continue
		}
		sourceContent, sourceReadError := os.ReadFile(sourceEntry.sourcePath)
		if sourceReadError != nil {
			continue
		}
		if appendError := appendBundleEntry(archiveWriter, sourceEntry.entryName, sourceContent); appendError != nil {
			return appendError
		}
	}

	if closeError := archiveWriter.Close(); closeError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, closeError)
	}
	return nil
}

func appendBundleEntry(archiveWriter *zip.Writer, entryName string, content []byte) error {
	entryWriter, entryError := archiveWriter.Create(entryName)
	if entryError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, entryError)
	}
	if _, writeError := entryWriter.Write(content); writeError != nil {
		return fmt.Errorf(bundleWriteFailureTemplateConstant, writeError)
	}
	return nil
}

func writeReportFile(outputPath string, content []byte) error {
	if directoryError := os.MkdirAll(filepath.Dir(outputPath), reportDirectoryPermissionsConstant); directoryError != nil {
		return fmt.Errorf(reportWriteFailureTemplateConstant, directoryError)
	}
	if writeError := os.WriteFile(outputPath, content, reportFilePermissionsConstant); writeError != nil {
		return fmt.Errorf(reportWriteFailureTemplateConstant, writeError)
	}
	return nil
}
