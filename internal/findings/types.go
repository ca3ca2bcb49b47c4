package findings

import "sort"

// Severity classifies a single finding. The set is closed; checks must not
// invent additional severities.
type Severity string

// Supported severity values.
const (
	SeverityCritical    Severity = "critical"
	SeverityPerformance Severity = "performance"
	SeveritySafety      Severity = "safety"
	SeverityMissing     Severity = "missing"
	SeverityPositive    Severity = "positive"
)

// KnownSeverities lists every member of the closed severity set.
func KnownSeverities() []Severity {
	return []Severity{
		SeverityCritical,
		SeverityPerformance,
		SeveritySafety,
		SeverityMissing,
		SeverityPositive,
	}
}

// Valid reports whether the severity belongs to the closed set.
func (severity Severity) Valid() bool {
	switch severity {
	case SeverityCritical, SeverityPerformance, SeveritySafety, SeverityMissing, SeverityPositive:
		return true
	default:
		return false
	}
}

// Finding captures one observation produced by a single check against a
// subsystem. Findings are immutable once produced. PatternID is set only by
// rule-driven checks and is what suppression entries reference.
type Finding struct {
	Subsystem string   `json:"subsystem"`
	Check     string   `json:"check"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	File      string   `json:"file,omitempty"`
	Line      int      `json:"line,omitempty"`
	PatternID string   `json:"pattern_id,omitempty"`
}

// Status summarizes a subsystem audit outcome.
type Status string

// Supported status values. StatusIncomplete marks subsystems whose audit was
// cancelled before completion and is gated conservatively.
const (
	StatusOK         Status = "OK"
	StatusWarning    Status = "WARNING"
	StatusCritical   Status = "CRITICAL"
	StatusIncomplete Status = "INCOMPLETE"
)

// Result captures one subsystem's audited outcome. Scores are always derived
// by the scoring engine and never mutated directly.
type Result struct {
	Subsystem          string    `json:"subsystem"`
	Score              int       `json:"score"`
	Status             Status    `json:"status"`
	Findings           []Finding `json:"findings"`
	MeetsPolicy        bool      `json:"meets_policy"`
	PolicyMinimum      int       `json:"policy_minimum"`
	AuditTimeMillis    float64   `json:"audit_time_ms"`
	Timestamp          string    `json:"timestamp"`
	IncompletionReason string    `json:"incompletion_reason,omitempty"`
}

// SortFindings orders findings deterministically by check name, then file,
// line, and message, so report diffs are stable regardless of the order in
// which checks completed.
func SortFindings(entries []Finding) {
	sort.SliceStable(entries, func(firstIndex int, secondIndex int) bool {
		first := entries[firstIndex]
		second := entries[secondIndex]
		if first.Check != second.Check {
			return first.Check < second.Check
		}
		if first.File != second.File {
			return first.File < second.File
		}
		if first.Line != second.Line {
			return first.Line < second.Line
		}
		return first.Message < second.Message
	})
}

// CountBySeverity tallies findings per severity.
func CountBySeverity(entries []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(KnownSeverities()))
	for index := range entries {
		counts[entries[index].Severity]++
	}
	return counts
}

// HasCritical reports whether any finding carries the critical severity.
func HasCritical(entries []Finding) bool {
	for index := range entries {
		if entries[index].Severity == SeverityCritical {
			return true
		}
	}
	return false
}
