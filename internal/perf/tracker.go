// Package perf maintains the append-only audit timing trend log and
// evaluates performance budgets against a rolling p95 baseline.
package perf

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/findings"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	trendLogPermissionsConstant           = 0o644
	trendDirectoryPermissionsConstant     = 0o755
	trendAppendFailureTemplateConstant    = "unable to append to trend log: %w"
	trendReadFailureTemplateConstant      = "unable to read trend log: %w"
	unknownEnforcementTemplateConstant    = "unknown enforcement mode %q (expected strict, warn, or off)"
	malformedTrendLineMessageConstant     = "skipping malformed trend log line"
	trendPathFieldConstant                = "trend_path"
	lineNumberFieldConstant               = "line"
	regressionTemplateConstant            = "audit time %.0fms regressed %.1f%% above the p95 baseline %.0fms"
	absoluteBudgetTemplateConstant        = "audit time %.0fms exceeds the p95 budget %.0fms"
	criticalBudgetTemplateConstant        = "audit time %.0fms exceeds the critical budget %.0fms"
	defaultBaselineLookbackConstant       = 20
	defaultMinimumBaselineSamplesConstant = 5
)

// EnforcementMode controls what a budget violation does to the run.
type EnforcementMode string

// Supported enforcement modes.
const (
	EnforcementStrict EnforcementMode = "strict"
	EnforcementWarn   EnforcementMode = "warn"
	EnforcementOff    EnforcementMode = "off"
)

// ParseEnforcementMode validates a mode flag value.
func ParseEnforcementMode(candidate string) (EnforcementMode, error) {
	switch EnforcementMode(strings.ToLower(strings.TrimSpace(candidate))) {
	case EnforcementStrict:
		return EnforcementStrict, nil
	case EnforcementWarn:
		return EnforcementWarn, nil
	case EnforcementOff:
		return EnforcementOff, nil
	default:
		return "", fmt.Errorf(unknownEnforcementTemplateConstant, candidate)
	}
}

// Sample is one trend log record: a single subsystem audit observation.
type Sample struct {
	Subsystem       string          `json:"subsystem"`
	Score           int             `json:"score"`
	Status          findings.Status `json:"status"`
	AuditTimeMillis float64         `json:"audit_time_ms"`
	Timestamp       string          `json:"timestamp"`
}

// Violation describes one exceeded budget.
type Violation struct {
	Subsystem string `json:"subsystem"`
	Reason    string `json:"reason"`
	Critical  bool   `json:"critical"`
}

// Tracker appends audit samples to the trend log and evaluates budgets.
// The log is append-only JSONL; history is never rewritten.
type Tracker struct {
	trendPath string
	logger    *zap.Logger
	slos      policy.PerformanceSLOs
}

// NewTracker constructs a tracker writing to the provided trend log path.
func NewTracker(trendPath string, slos policy.PerformanceSLOs, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{trendPath: trendPath, logger: logger, slos: slos}
}

// Record appends one sample to the trend log.
func (tracker *Tracker) Record(sample Sample) error {
	if directoryError := os.MkdirAll(filepath.Dir(tracker.trendPath), trendDirectoryPermissionsConstant); directoryError != nil {
		return fmt.Errorf(trendAppendFailureTemplateConstant, directoryError)
	}

	serialized, marshalError := json.Marshal(sample)
	if marshalError != nil {
		return fmt.Errorf(trendAppendFailureTemplateConstant, marshalError)
	}

	logFile, openError := os.OpenFile(tracker.trendPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, trendLogPermissionsConstant)
	if openError != nil {
		return fmt.Errorf(trendAppendFailureTemplateConstant, openError)
	}
	defer logFile.Close()

	if _, writeError := logFile.Write(append(serialized, '\n')); writeError != nil {
		return fmt.Errorf(trendAppendFailureTemplateConstant, writeError)
	}
	return nil
}

// History returns the most recent samples for a subsystem, oldest first.
// Malformed lines are skipped with a warning; an append-only log collected
// across versions may contain records this version no longer parses.
func (tracker *Tracker) History(subsystemName string, lookback int) ([]Sample, error) {
	logFile, openError := os.Open(tracker.trendPath)
	if openError != nil {
		if os.IsNotExist(openError) {
			return nil, nil
		}
		return nil, fmt.Errorf(trendReadFailureTemplateConstant, openError)
	}
	defer logFile.Close()

	var samples []Sample
	scanner := bufio.NewScanner(logFile)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		lineText := strings.TrimSpace(scanner.Text())
		if len(lineText) == 0 {
			continue
		}

		var sample Sample
		if unmarshalError := json.Unmarshal([]byte(lineText), &sample); unmarshalError != nil {
			tracker.logger.Warn(malformedTrendLineMessageConstant,
				zap.String(trendPathFieldConstant, tracker.trendPath),
				zap.Int(lineNumberFieldConstant, lineNumber))
			continue
		}
		if sample.Subsystem == subsystemName {
			samples = append(samples, sample)
		}
	}
	if scanError := scanner.Err(); scanError != nil {
		return nil, fmt.Errorf(trendReadFailureTemplateConstant, scanError)
	}

	if lookback > 0 && len(samples) > lookback {
		samples = samples[len(samples)-lookback:]
	}
	return samples, nil
}

// Baseline computes the p95 audit time over the subsystem's recent green
// runs. Only OK samples feed the baseline so a regression cannot hide by
// degrading the baseline itself.
func (tracker *Tracker) Baseline(subsystemName string) (float64, bool, error) {
	lookback := tracker.slos.BaselineLookback
	if lookback <= 0 {
		lookback = defaultBaselineLookbackConstant
	}
	minimumSamples := tracker.slos.MinimumBaselineSampleSize
	if minimumSamples <= 0 {
		minimumSamples = defaultMinimumBaselineSamplesConstant
	}

	samples, historyError := tracker.History(subsystemName, lookback)
	if historyError != nil {
		return 0, false, historyError
	}

	var greenDurations []float64
	for index := range samples {
		if samples[index].Status == findings.StatusOK {
			greenDurations = append(greenDurations, samples[index].AuditTimeMillis)
		}
	}
	if len(greenDurations) < minimumSamples {
		return 0, false, nil
	}

	return percentile(greenDurations, 95), true, nil
}

// Evaluate checks a fresh audit duration against every configured budget:
// the absolute p95 threshold, the critical ceiling, and regression against
// the rolling baseline. A nil slice means every budget passed.
func (tracker *Tracker) Evaluate(subsystemName string, auditTimeMillis float64) ([]Violation, error) {
	var violations []Violation

	if tracker.slos.CriticalThresholdMillis > 0 && auditTimeMillis > tracker.slos.CriticalThresholdMillis {
		violations = append(violations, Violation{
			Subsystem: subsystemName,
			Reason:    fmt.Sprintf(criticalBudgetTemplateConstant, auditTimeMillis, tracker.slos.CriticalThresholdMillis),
			Critical:  true,
		})
	}

	if tracker.slos.P95ThresholdMillis > 0 && auditTimeMillis > tracker.slos.P95ThresholdMillis {
		violations = append(violations, Violation{
			Subsystem: subsystemName,
			Reason:    fmt.Sprintf(absoluteBudgetTemplateConstant, auditTimeMillis, tracker.slos.P95ThresholdMillis),
		})
	}

	if tracker.slos.RegressionThresholdPct > 0 {
		baseline, baselineAvailable, baselineError := tracker.Baseline(subsystemName)
		if baselineError != nil {
			return nil, baselineError
		}
		if baselineAvailable && baseline > 0 {
			regressionPct := (auditTimeMillis - baseline) / baseline * 100
			if regressionPct > tracker.slos.RegressionThresholdPct {
				violations = append(violations, Violation{
					Subsystem: subsystemName,
					Reason:    fmt.Sprintf(regressionTemplateConstant, auditTimeMillis, regressionPct, baseline),
				})
			}
		}
	}

	return violations, nil
}

func percentile(values []float64, percentileRank float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := percentileRank / 100 * float64(len(sorted)-1)
	lowerIndex := int(math.Floor(rank))
	upperIndex := int(math.Ceil(rank))
	if lowerIndex == upperIndex {
		return sorted[lowerIndex]
	}

	fraction := rank - float64(lowerIndex)
	return sorted[lowerIndex] + fraction*(sorted[upperIndex]-sorted[lowerIndex])
}
