// Package runner orchestrates the audit pipeline: policy loading,
// meta-audit, registry validation, differential selection, the bounded
// worker pool auditing subsystems, scoring, performance budgets, the
// supply-chain gate, and report aggregation.
package runner
