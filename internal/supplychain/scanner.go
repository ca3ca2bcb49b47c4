package supplychain

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/policy"
)

const (
	feedReadFailureTemplateConstant  = "unable to read vulnerability feed: %w"
	feedParseFailureTemplateConstant = "unable to parse vulnerability feed: %w"
	scanCompleteMessageConstant      = "supply-chain scan complete"
	componentCountFieldConstant      = "components"
	vulnerabilityCountFieldConstant  = "vulnerabilities"
	licenseIssueCountFieldConstant   = "license_issues"

	vulnerabilityCriticalConstant = "critical"
	vulnerabilityHighConstant     = "high"

	blockedLicenseTemplateConstant  = "component %s uses blocked license %s"
	unknownLicenseTemplateConstant  = "component %s has no known license"
	unlistedLicenseTemplateConstant = "component %s license %s is not on the allow list"
)

// Vulnerability is one known advisory affecting a component.
type Vulnerability struct {
	ID        string `json:"id"`
	Component string `json:"component"`
	Severity  string `json:"severity"`
	Summary   string `json:"summary"`
}

// VulnerabilityFeed resolves advisories for SBOM components. Feeds are
// pluggable; the file feed is the offline default.
type VulnerabilityFeed interface {
	Lookup(component Component) ([]Vulnerability, error)
}

// FileVulnerabilityFeed serves advisories from a local JSON snapshot
// keyed by component name. A missing snapshot behaves as an empty feed.
type FileVulnerabilityFeed struct {
	feedPath string
}

// NewFileVulnerabilityFeed constructs a feed backed by a snapshot file.
func NewFileVulnerabilityFeed(feedPath string) *FileVulnerabilityFeed {
	return &FileVulnerabilityFeed{feedPath: feedPath}
}

// Lookup returns advisories recorded for the component.
func (feed *FileVulnerabilityFeed) Lookup(component Component) ([]Vulnerability, error) {
	content, readError := os.ReadFile(feed.feedPath)
	if readError != nil {
		if os.IsNotExist(readError) {
			return nil, nil
		}
		return nil, fmt.Errorf(feedReadFailureTemplateConstant, readError)
	}

	var advisoriesByComponent map[string][]Vulnerability
	if unmarshalError := json.Unmarshal(content, &advisoriesByComponent); unmarshalError != nil {
		return nil, fmt.Errorf(feedParseFailureTemplateConstant, unmarshalError)
	}

	advisories := advisoriesByComponent[component.Name]
	for index := range advisories {
		advisories[index].Component = component.Name
	}
	return advisories, nil
}

// LicenseResolver maps components to SPDX license identifiers. The offline
// resolver consults a local snapshot; unknown components resolve to "".
type LicenseResolver interface {
	License(component Component) string
}

// MapLicenseResolver resolves licenses from an in-memory table keyed by
// component name.
type MapLicenseResolver struct {
	licensesByComponent map[string]string
}

// NewMapLicenseResolver constructs a resolver over a component table.
func NewMapLicenseResolver(licensesByComponent map[string]string) *MapLicenseResolver {
	return &MapLicenseResolver{licensesByComponent: licensesByComponent}
}

// License returns the recorded license or an empty string.
func (resolver *MapLicenseResolver) License(component Component) string {
	return resolver.licensesByComponent[component.Name]
}

// Verdict summarizes the supply-chain gate outcome.
type Verdict struct {
	ComponentCount  int             `json:"component_count"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	SeverityCounts  map[string]int  `json:"severity_counts,omitempty"`
	LicenseIssues   []string        `json:"license_issues,omitempty"`
	Passed          bool            `json:"passed"`
	FailureReasons  []string        `json:"failure_reasons,omitempty"`
}

// Scanner gates runs on the SBOM's advisory and license posture.
type Scanner struct {
	feed     VulnerabilityFeed
	resolver LicenseResolver
	logger   *zap.Logger
}

// NewScanner constructs a supply-chain scanner.
func NewScanner(feed VulnerabilityFeed, resolver LicenseResolver, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{feed: feed, resolver: resolver, logger: logger}
}

// Scan evaluates the SBOM against the configured supply-chain policy.
func (scanner *Scanner) Scan(bill SBOM, chainPolicy policy.SupplyChainPolicy) (Verdict, error) {
	verdict := Verdict{ComponentCount: bill.ComponentCount(), SeverityCounts: make(map[string]int), Passed: true}
	if !chainPolicy.Enabled {
		return verdict, nil
	}

	for _, component := range bill.Components {
		if scanner.feed != nil {
			advisories, lookupError := scanner.feed.Lookup(component)
			if lookupError != nil {
				return Verdict{}, lookupError
			}
			for _, advisory := range advisories {
				severity := strings.ToLower(advisory.Severity)
				verdict.Vulnerabilities = append(verdict.Vulnerabilities, advisory)
				verdict.SeverityCounts[severity]++
			}
		}

		if scanner.resolver != nil {
			if licenseIssue := evaluateLicense(component, scanner.resolver.License(component), chainPolicy); len(licenseIssue) > 0 {
				verdict.LicenseIssues = append(verdict.LicenseIssues, licenseIssue)
			}
		}
	}

	verdict.FailureReasons = gateFailures(verdict, chainPolicy)
	verdict.Passed = len(verdict.FailureReasons) == 0
	sort.Strings(verdict.LicenseIssues)

	scanner.logger.Debug(scanCompleteMessageConstant,
		zap.Int(componentCountFieldConstant, verdict.ComponentCount),
		zap.Int(vulnerabilityCountFieldConstant, len(verdict.Vulnerabilities)),
		zap.Int(licenseIssueCountFieldConstant, len(verdict.LicenseIssues)))
	return verdict, nil
}

func evaluateLicense(component Component, license string, chainPolicy policy.SupplyChainPolicy) string {
	if len(license) == 0 {
		if chainPolicy.UnknownLicensesOK {
			return ""
		}
		if len(chainPolicy.AllowedLicenses) == 0 && len(chainPolicy.BlockedLicenses) == 0 {
			return ""
		}
		return fmt.Sprintf(unknownLicenseTemplateConstant, component.Name)
	}

	for _, blockedLicense := range chainPolicy.BlockedLicenses {
		if strings.EqualFold(blockedLicense, license) {
			return fmt.Sprintf(blockedLicenseTemplateConstant, component.Name, license)
		}
	}

	if len(chainPolicy.AllowedLicenses) > 0 {
		for _, allowedLicense := range chainPolicy.AllowedLicenses {
			if strings.EqualFold(allowedLicense, license) {
				return ""
			}
		}
		return fmt.Sprintf(unlistedLicenseTemplateConstant, component.Name, license)
	}
	return ""
}

func gateFailures(verdict Verdict, chainPolicy policy.SupplyChainPolicy) []string {
	var reasons []string

	if chainPolicy.FailOnCritical && verdict.SeverityCounts[vulnerabilityCriticalConstant] > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical vulnerabilities present", verdict.SeverityCounts[vulnerabilityCriticalConstant]))
	}
	if chainPolicy.FailOnHigh && verdict.SeverityCounts[vulnerabilityHighConstant] > 0 {
		reasons = append(reasons, fmt.Sprintf("%d high vulnerabilities present", verdict.SeverityCounts[vulnerabilityHighConstant]))
	}

	severityNames := make([]string, 0, len(chainPolicy.MaxVulnerability))
	for severityName := range chainPolicy.MaxVulnerability {
		severityNames = append(severityNames, severityName)
	}
	sort.Strings(severityNames)
	for _, severityName := range severityNames {
		maximumAllowed := chainPolicy.MaxVulnerability[severityName]
		if verdict.SeverityCounts[strings.ToLower(severityName)] > maximumAllowed {
			reasons = append(reasons, fmt.Sprintf("%s vulnerability count %d exceeds limit %d",
				severityName, verdict.SeverityCounts[strings.ToLower(severityName)], maximumAllowed))
		}
	}

	if len(verdict.LicenseIssues) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d license issues present", len(verdict.LicenseIssues)))
	}

	return reasons
}
