package promote

import "fmt"

// Gate names recorded in promotion log entries and failure reasons.
const (
	GateCandidatePresent = "candidate_present"
	GateCandidateSize    = "candidate_size"
	GateSyntax           = "syntax"
	GateModifyOnly       = "modify_only"
	GateDetectorBefore   = "detector_before"
	GateDetectorAfter    = "detector_after"
)

// VerificationFailure reports a candidate rejected by a promotion gate.
// The sandbox entry is marked failed and the target file is untouched.
type VerificationFailure struct {
	SandboxID string
	Gate      string
	Reason    string
}

// Error renders the failed gate and reason.
func (failure *VerificationFailure) Error() string {
	return fmt.Sprintf("promotion of %s rejected at gate %s: %s", failure.SandboxID, failure.Gate, failure.Reason)
}

// AtomicReplaceFailure reports a failed file swap. TargetIntact reports
// whether the live file still holds its pre-promotion content, either
// because the failing stage never modified it or because the backup was
// rolled back; when false the target requires manual attention.
type AtomicReplaceFailure struct {
	SandboxID    string
	TargetPath   string
	Stage        string
	TargetIntact bool
	Cause        error
}

// Error renders the failed stage.
func (failure *AtomicReplaceFailure) Error() string {
	return fmt.Sprintf("atomic replace of %s for %s failed at %s (target intact=%t): %v",
		failure.TargetPath, failure.SandboxID, failure.Stage, failure.TargetIntact, failure.Cause)
}

// Unwrap exposes the underlying cause.
func (failure *AtomicReplaceFailure) Unwrap() error {
	return failure.Cause
}
