package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/coreaudit/internal/checks"
	"github.com/temirov/coreaudit/internal/differential"
	"github.com/temirov/coreaudit/internal/discovery"
	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/hashing"
	"github.com/temirov/coreaudit/internal/metaaudit"
	"github.com/temirov/coreaudit/internal/perf"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/report"
	"github.com/temirov/coreaudit/internal/scoring"
	"github.com/temirov/coreaudit/internal/supplychain"
)

const (
	timestampLayoutConstant = "2006-01-02T15:04:05Z"

	cacheFileNameConstant    = "audit_cache.json"
	trendLogFileNameConstant = "perf_trend.jsonl"

	metaAuditFailedMessageConstant   = "meta-audit failed, aborting run"
	registryInvalidTemplateConstant  = "%s registry invalid: %d entries rejected"
	suppressionRegistryNameConstant  = "suppression"
	quarantineRegistryNameConstant   = "quarantine"
	unknownSubsystemTemplateConstant = "subsystem %s was not discovered"
	checkCrashTemplateConstant       = "check crashed: %v"
	checkTimeoutReasonConstant       = "check timed out"
	runTimeoutReasonConstant         = "run timeout exceeded before audit completed"
	auditStartedMessageConstant      = "subsystem audit started"
	auditFinishedMessageConstant     = "subsystem audit finished"
	subsystemSkippedMessageConstant  = "subsystem unchanged, reusing cached result"
	checkQuarantinedMessageConstant  = "check quarantined, skipping"
	suppressedFindingMessageConstant = "finding suppressed"
	subsystemFieldConstant           = "subsystem"
	checkFieldConstant               = "check"
	scoreFieldConstant               = "score"
	statusFieldConstant              = "status"
	reasonFieldConstant              = "reason"
	patternFieldConstant             = "pattern"
)

// Options control one pipeline invocation.
type Options struct {
	ForceFull        bool
	SubsystemFilter  string
	PerfMode         perf.EnforcementMode
	JSONOutputPath   string
	SARIFOutputPath  string
	BundleOutputPath string
}

// Service wires the audit pipeline together. All collaborators are
// injected; the service itself owns only orchestration.
type Service struct {
	configuration CommandConfiguration
	store         *policy.Store
	registry      *checks.Registry
	verifier      *metaaudit.Verifier
	gitReader     *hashing.GitMetadataReader
	feed          supplychain.VulnerabilityFeed
	licenses      supplychain.LicenseResolver
	dispatcher    report.AlertDispatcher
	clock         policy.Clock
	logger        *zap.Logger
}

// NewService constructs the pipeline service.
func NewService(configuration CommandConfiguration, store *policy.Store, registry *checks.Registry, verifier *metaaudit.Verifier, gitReader *hashing.GitMetadataReader, feed supplychain.VulnerabilityFeed, licenses supplychain.LicenseResolver, dispatcher report.AlertDispatcher, clock policy.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = policy.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		configuration: configuration.sanitize(),
		store:         store,
		registry:      registry,
		verifier:      verifier,
		gitReader:     gitReader,
		feed:          feed,
		licenses:      licenses,
		dispatcher:    dispatcher,
		clock:         clock,
		logger:        logger,
	}
}

// Run executes the full pipeline and returns the aggregated report. The
// returned error is non-nil only for abort conditions; a report with
// failed gates is a successful run.
func (service *Service) Run(executionContext context.Context, options Options) (report.RunReport, error) {
	runContext, cancelRun := context.WithTimeout(executionContext, time.Duration(service.configuration.TimeoutSeconds)*time.Second)
	defer cancelRun()

	loadedPolicy, policyError := service.store.Load()
	if policyError != nil {
		return report.RunReport{}, policyError
	}

	if metaFailures := service.verifier.Verify(loadedPolicy); len(metaFailures) > 0 {
		reasons := make([]string, 0, len(metaFailures))
		for _, failure := range metaFailures {
			reasons = append(reasons, failure.Reason)
		}
		service.logger.Error(metaAuditFailedMessageConstant, zap.Strings(reasonFieldConstant, reasons))
		return report.RunReport{}, fmt.Errorf("%s: %s", metaAuditFailedMessageConstant, strings.Join(reasons, "; "))
	}

	suppressions, quarantines, registryError := service.loadRegistries(loadedPolicy)
	if registryError != nil {
		return report.RunReport{}, registryError
	}

	subsystems, discoveryError := service.discoverSubsystems(options)
	if discoveryError != nil {
		return report.RunReport{}, discoveryError
	}
	subsystemRoots := discovery.Roots(subsystems)

	treeHashes, hashError := service.hashSubsystems(subsystems)
	if hashError != nil {
		return report.RunReport{}, hashError
	}

	cache := differential.NewCache(filepath.Join(service.configuration.StateDirectory, cacheFileNameConstant), service.logger)
	if cacheLoadError := cache.Load(); cacheLoadError != nil {
		return report.RunReport{}, cacheLoadError
	}

	decisions := cache.Decide(treeHashes, service.registry.Versions(), options.ForceFull || len(options.SubsystemFilter) > 0)
	results, auditError := service.auditSubsystems(runContext, decisions, subsystemRoots, loadedPolicy, suppressions, quarantines, cache)
	if auditError != nil {
		return report.RunReport{}, auditError
	}

	tracker := perf.NewTracker(filepath.Join(service.configuration.StateDirectory, trendLogFileNameConstant), loadedPolicy.PerformanceSLOs, service.logger)
	perfViolations := service.recordPerformance(tracker, results, decisions)

	for _, result := range results {
		cache.Update(result.Subsystem, treeHashes[result.Subsystem], service.registry.Versions(), result)
	}
	if saveError := cache.Save(); saveError != nil {
		return report.RunReport{}, saveError
	}

	chainVerdict, chainError := service.scanSupplyChain(subsystemRoots, loadedPolicy)
	if chainError != nil {
		return report.RunReport{}, chainError
	}

	allResults := append(results, service.cachedResults(decisions, cache)...)
	provenance := report.Provenance{
		CommitHash:    service.gitReader.CommitHash(runContext),
		PolicyVersion: loadedPolicy.Version,
		PolicyHash:    loadedPolicy.ContentHash,
		Timestamp:     service.clock.Now().UTC().Format(timestampLayoutConstant),
	}
	runReport := report.Aggregate(allResults, loadedPolicy, chainVerdict, perfViolations, options.PerfMode, decisions, provenance)

	if writeError := service.writeOutputs(runReport, options); writeError != nil {
		return runReport, writeError
	}

	if !runReport.ProductionReady && service.dispatcher != nil {
		if dispatchError := service.dispatcher.Dispatch(runContext, runReport); dispatchError != nil {
			service.logger.Warn(dispatchError.Error())
		}
	}

	return runReport, nil
}

func (service *Service) loadRegistries(loadedPolicy policy.Policy) ([]policy.Suppression, []policy.Quarantine, error) {
	suppressions, suppressionError := service.store.LoadSuppressions()
	if suppressionError != nil {
		return nil, nil, suppressionError
	}
	if valid, issues := service.store.ValidateSuppressions(suppressions, loadedPolicy); !valid {
		return nil, nil, registryFailure(suppressionRegistryNameConstant, issues)
	}

	quarantines, quarantineError := service.store.LoadQuarantines()
	if quarantineError != nil {
		return nil, nil, quarantineError
	}
	if valid, issues := service.store.ValidateQuarantines(quarantines, service.registry.Names(), loadedPolicy); !valid {
		return nil, nil, registryFailure(quarantineRegistryNameConstant, issues)
	}

	return suppressions, quarantines, nil
}

func registryFailure(registryName string, issues []policy.ValidationIssue) error {
	reasons := make([]string, 0, len(issues))
	for _, issue := range issues {
		reasons = append(reasons, issue.Reason)
	}
	return fmt.Errorf(registryInvalidTemplateConstant+": %s", registryName, len(issues), strings.Join(reasons, "; "))
}

func (service *Service) discoverSubsystems(options Options) ([]discovery.Subsystem, error) {
	discoverer := discovery.NewDiscoverer(service.configuration.RepositoryRoot, service.configuration.SubsystemSuffix, service.logger)
	subsystems, discoveryError := discoverer.Discover()
	if discoveryError != nil {
		return nil, discoveryError
	}

	if len(options.SubsystemFilter) == 0 {
		return subsystems, nil
	}
	for _, subsystem := range subsystems {
		if subsystem.Name == options.SubsystemFilter {
			return []discovery.Subsystem{subsystem}, nil
		}
	}
	return nil, fmt.Errorf(unknownSubsystemTemplateConstant, options.SubsystemFilter)
}

func (service *Service) hashSubsystems(subsystems []discovery.Subsystem) (map[string]string, error) {
	ignoreMatcher := hashing.LoadIgnoreMatcher(service.configuration.RepositoryRoot)

	treeHashes := make(map[string]string, len(subsystems))
	for _, subsystem := range subsystems {
		treeHash, hashError := hashing.HashTree(subsystem.Root, ignoreMatcher)
		if hashError != nil {
			return nil, hashError
		}
		treeHashes[subsystem.Name] = treeHash
	}
	return treeHashes, nil
}

// auditSubsystems fans the to-audit set out over a bounded worker pool.
// Workers only read; the caller applies cache updates afterwards.
func (service *Service) auditSubsystems(runContext context.Context, decisions []differential.Decision, subsystemRoots map[string]string, loadedPolicy policy.Policy, suppressions []policy.Suppression, quarantines []policy.Quarantine, cache *differential.Cache) ([]findings.Result, error) {
	var toAudit []string
	for _, decision := range decisions {
		if decision.Audit {
			toAudit = append(toAudit, decision.Subsystem)
		} else {
			service.logger.Debug(subsystemSkippedMessageConstant, zap.String(subsystemFieldConstant, decision.Subsystem))
		}
	}

	results := make([]findings.Result, len(toAudit))
	workerGroup, groupContext := errgroup.WithContext(runContext)
	workerGroup.SetLimit(service.configuration.WorkerCount)

	for index, subsystemName := range toAudit {
		index, subsystemName := index, subsystemName
		workerGroup.Go(func() error {
			results[index] = service.auditOne(groupContext, subsystemName, subsystemRoots[subsystemName], loadedPolicy, suppressions, quarantines)
			return nil
		})
	}
	if waitError := workerGroup.Wait(); waitError != nil && !errors.Is(waitError, context.DeadlineExceeded) {
		return nil, waitError
	}

	return results, nil
}

// auditOne runs every registered check against one subsystem and scores
// the outcome. A cancelled context yields an INCOMPLETE result rather
// than a partial score presented as complete.
func (service *Service) auditOne(executionContext context.Context, subsystemName string, subsystemRoot string, loadedPolicy policy.Policy, suppressions []policy.Suppression, quarantines []policy.Quarantine) findings.Result {
	startTime := service.clock.Now()
	service.logger.Debug(auditStartedMessageConstant, zap.String(subsystemFieldConstant, subsystemName))

	view, viewError := checks.NewSubsystemView(subsystemName, subsystemRoot, hashing.LoadIgnoreMatcher(service.configuration.RepositoryRoot))
	if viewError != nil {
		return service.incompleteResult(subsystemName, startTime, viewError.Error())
	}

	var collected []findings.Finding
	for _, registeredCheck := range service.registry.All() {
		if executionContext.Err() != nil {
			return service.incompleteResult(subsystemName, startTime, runTimeoutReasonConstant)
		}
		if service.store.IsQuarantined(quarantines, registeredCheck.Name(), service.registry.Names(), loadedPolicy) {
			service.logger.Info(checkQuarantinedMessageConstant,
				zap.String(subsystemFieldConstant, subsystemName),
				zap.String(checkFieldConstant, registeredCheck.Name()))
			continue
		}

		collected = append(collected, service.runCheck(executionContext, registeredCheck, view, loadedPolicy)...)
	}

	collected = service.applySuppressions(collected, suppressions, loadedPolicy)
	findings.SortFindings(collected)

	outcome := scoring.Score(collected, loadedPolicy)
	subsystemPolicy := loadedPolicy.SubsystemPolicyFor(subsystemName)

	result := findings.Result{
		Subsystem:       subsystemName,
		Score:           outcome.Score,
		Status:          outcome.Status,
		Findings:        collected,
		MeetsPolicy:     scoring.MeetsPolicy(outcome, subsystemPolicy),
		PolicyMinimum:   subsystemPolicy.MinimumScore,
		AuditTimeMillis: float64(service.clock.Now().Sub(startTime).Microseconds()) / 1000,
		Timestamp:       service.clock.Now().UTC().Format(timestampLayoutConstant),
	}

	service.logger.Info(auditFinishedMessageConstant,
		zap.String(subsystemFieldConstant, subsystemName),
		zap.Int(scoreFieldConstant, result.Score),
		zap.String(statusFieldConstant, string(result.Status)))
	return result
}

// runCheck isolates one check invocation: its own timeout and a panic
// recovery that converts a crash into a critical finding instead of
// taking the whole run down.
func (service *Service) runCheck(executionContext context.Context, registeredCheck checks.Check, view checks.SubsystemView, loadedPolicy policy.Policy) (collected []findings.Finding) {
	checkContext, cancelCheck := context.WithTimeout(executionContext, loadedPolicy.CheckTimeout())
	defer cancelCheck()

	defer func() {
		if recovered := recover(); recovered != nil {
			collected = []findings.Finding{crashFinding(view.Name(), registeredCheck.Name(), fmt.Sprintf(checkCrashTemplateConstant, recovered))}
		}
	}()

	entries, runError := registeredCheck.Run(checkContext, view, loadedPolicy)
	if runError != nil {
		reason := fmt.Sprintf(checkCrashTemplateConstant, runError)
		if errors.Is(runError, context.DeadlineExceeded) {
			reason = checkTimeoutReasonConstant
		}
		return []findings.Finding{crashFinding(view.Name(), registeredCheck.Name(), reason)}
	}
	return entries
}

func (service *Service) applySuppressions(collected []findings.Finding, suppressions []policy.Suppression, loadedPolicy policy.Policy) []findings.Finding {
	if len(suppressions) == 0 {
		return collected
	}

	kept := collected[:0]
	for _, finding := range collected {
		if len(finding.PatternID) > 0 && service.store.IsSuppressed(suppressions, loadedPolicy, finding.PatternID, finding.File, finding.Line) {
			service.logger.Debug(suppressedFindingMessageConstant,
				zap.String(subsystemFieldConstant, finding.Subsystem),
				zap.String(patternFieldConstant, finding.PatternID))
			continue
		}
		kept = append(kept, finding)
	}
	return kept
}

func (service *Service) incompleteResult(subsystemName string, startTime time.Time, reason string) findings.Result {
	return findings.Result{
		Subsystem:          subsystemName,
		Score:              0,
		Status:             findings.StatusIncomplete,
		AuditTimeMillis:    float64(service.clock.Now().Sub(startTime).Microseconds()) / 1000,
		Timestamp:          service.clock.Now().UTC().Format(timestampLayoutConstant),
		IncompletionReason: reason,
	}
}

func (service *Service) recordPerformance(tracker *perf.Tracker, results []findings.Result, decisions []differential.Decision) []perf.Violation {
	var violations []perf.Violation
	for _, result := range results {
		if result.Status == findings.StatusIncomplete {
			continue
		}

		resultViolations, evaluateError := tracker.Evaluate(result.Subsystem, result.AuditTimeMillis)
		if evaluateError != nil {
			service.logger.Warn(evaluateError.Error())
		}
		violations = append(violations, resultViolations...)

		if recordError := tracker.Record(perf.Sample{
			Subsystem:       result.Subsystem,
			Score:           result.Score,
			Status:          result.Status,
			AuditTimeMillis: result.AuditTimeMillis,
			Timestamp:       result.Timestamp,
		}); recordError != nil {
			service.logger.Warn(recordError.Error())
		}
	}
	return violations
}

func (service *Service) cachedResults(decisions []differential.Decision, cache *differential.Cache) []findings.Result {
	var reused []findings.Result
	for _, decision := range decisions {
		if decision.Audit {
			continue
		}
		if cachedResult, cached := cache.CachedResult(decision.Subsystem); cached {
			reused = append(reused, cachedResult)
		}
	}
	return reused
}

func (service *Service) scanSupplyChain(subsystemRoots map[string]string, loadedPolicy policy.Policy) (supplychain.Verdict, error) {
	bill, collectError := supplychain.CollectSBOM(subsystemRoots)
	if collectError != nil {
		return supplychain.Verdict{}, collectError
	}

	scanner := supplychain.NewScanner(service.feed, service.licenses, service.logger)
	return scanner.Scan(bill, loadedPolicy.SupplyChain)
}

func (service *Service) writeOutputs(runReport report.RunReport, options Options) error {
	if len(options.JSONOutputPath) > 0 {
		if writeError := report.WriteJSON(runReport, options.JSONOutputPath); writeError != nil {
			return writeError
		}
	}
	if len(options.SARIFOutputPath) > 0 {
		if writeError := report.WriteSARIF(runReport, options.SARIFOutputPath); writeError != nil {
			return writeError
		}
	}
	if len(options.BundleOutputPath) > 0 && !runReport.ProductionReady {
		bundleInputs := report.BundleInputs{
			PolicyPath:      service.configuration.PolicyPath,
			SuppressionPath: service.configuration.SuppressionPath,
			QuarantinePath:  service.configuration.QuarantinePath,
			CachePath:       filepath.Join(service.configuration.StateDirectory, cacheFileNameConstant),
		}
		if writeError := report.WriteReproducerBundle(runReport, bundleInputs, options.BundleOutputPath); writeError != nil {
			return writeError
		}
	}
	return nil
}

func crashFinding(subsystemName string, checkName string, reason string) findings.Finding {
	return findings.Finding{
		Subsystem: subsystemName,
		Check:     checkName,
		Severity:  findings.SeverityCritical,
		Message:   reason,
	}
}
