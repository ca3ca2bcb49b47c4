// Package promote verifies quarantined fix candidates and applies the
// accepted ones to their target files atomically. Every attempt, accepted
// or rejected, lands in the append-only promotion log.
package promote

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/temirov/coreaudit/internal/hashing"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/sandbox"
)

const (
	defaultMaxCandidateSizeConstant       = 1 << 20
	backupSuffixConstant                  = ".bak"
	backupTimestampLayoutConstant         = "20060102T150405.000000000"
	temporarySuffixConstant               = ".promote.tmp"
	promotionLogPermissionsConstant       = 0o644
	promotionDirectoryPermissionsConstant = 0o755
	goExtensionConstant                   = ".go"
	yamlExtensionConstant                 = ".yaml"
	ymlExtensionConstant                  = ".yml"
	jsonExtensionConstant                 = ".json"

	outcomeAppliedConstant       = "applied"
	outcomeRejectedConstant      = "rejected"
	outcomeDryRunConstant        = "dry_run_verified"
	outcomeReplaceFailedConstant = "replace_failed"
	outcomeCreateRequestConstant = "create_file_request"

	stageBackupConstant = "backup"
	stageStageConstant  = "stage"
	stageSwapConstant   = "swap"
	stageVerifyConstant = "post-verify"

	candidateMissingReasonConstant          = "candidate file is missing"
	candidateOversizeTemplateConstant       = "candidate is %d bytes (limit %d)"
	syntaxFailureTemplateConstant           = "candidate does not parse: %v"
	invalidJSONReasonConstant               = "candidate is not valid JSON"
	targetMissingReasonConstant             = "target file does not exist; candidate recorded as a create-file request"
	detectorNotArmedReasonConstant          = "detector does not match the current target"
	detectorStillMatchesReasonConstant      = "detector still matches the candidate"
	detectorMatchesAfterApplyReasonConstant = "detector still matches after apply"

	promotionAppliedMessageConstant  = "fix candidate promoted"
	promotionRejectedMessageConstant = "fix candidate rejected"
	sandboxIdentifierFieldConstant   = "sandbox_id"
	gateFieldConstant                = "gate"
	targetFieldConstant              = "target"
)

// LogRecord is one line of the append-only promotion log. Content hashes
// cover the target before promotion and the candidate that replaced it.
type LogRecord struct {
	SandboxID  string `json:"sandbox_id"`
	Subsystem  string `json:"subsystem"`
	Target     string `json:"target"`
	Outcome    string `json:"outcome"`
	Gate       string `json:"gate,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
	BeforeHash string `json:"before_hash,omitempty"`
	AfterHash  string `json:"after_hash,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// recordDetail carries the optional provenance columns of one log line.
type recordDetail struct {
	beforeHash string
	afterHash  string
	backupPath string
}

// Promoter verifies and applies sandboxed fix candidates. Promotions to
// the same target file are serialized; distinct targets may promote
// concurrently.
type Promoter struct {
	manager         *sandbox.Manager
	subsystemRoots  map[string]string
	promotionPolicy policy.PromotionPolicy
	logPath         string
	clock           policy.Clock
	logger          *zap.Logger

	mutexGuard  sync.Mutex
	fileMutexes map[string]*sync.Mutex
}

// NewPromoter constructs a promoter over discovered subsystem roots.
func NewPromoter(manager *sandbox.Manager, subsystemRoots map[string]string, promotionPolicy policy.PromotionPolicy, logPath string, clock policy.Clock, logger *zap.Logger) *Promoter {
	if clock == nil {
		clock = policy.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoter{
		manager:         manager,
		subsystemRoots:  subsystemRoots,
		promotionPolicy: promotionPolicy,
		logPath:         logPath,
		clock:           clock,
		logger:          logger,
		fileMutexes:     make(map[string]*sync.Mutex),
	}
}

// Promote verifies one sandbox entry and, unless dryRun is set, applies
// its candidate atomically. The sandbox entry is transitioned to applied
// or failed; dry runs leave it pending.
func (promoter *Promoter) Promote(sandboxIdentifier string, dryRun bool) (LogRecord, error) {
	entry, loadError := promoter.manager.LoadEntry(sandboxIdentifier)
	if loadError != nil {
		return LogRecord{}, loadError
	}

	subsystemRoot, rootKnown := promoter.subsystemRoots[entry.Subsystem]
	if !rootKnown {
		return LogRecord{}, fmt.Errorf("subsystem %s is not discovered", entry.Subsystem)
	}
	targetPath := filepath.Join(subsystemRoot, entry.TargetFile)

	targetMutex := promoter.targetMutex(targetPath)
	targetMutex.Lock()
	defer targetMutex.Unlock()

	detail := recordDetail{}
	if targetContent, targetReadError := os.ReadFile(targetPath); targetReadError == nil {
		detail.beforeHash = hashing.HashBytes(targetContent)
	}

	candidateContent, verificationError := promoter.verify(entry, targetPath)
	if verificationError != nil {
		return promoter.reject(entry, targetPath, verificationError, dryRun, detail)
	}
	detail.afterHash = hashing.HashBytes(candidateContent)

	if dryRun {
		record := promoter.appendRecord(entry, targetPath, outcomeDryRunConstant, "", "", true, detail)
		return record, nil
	}
	detail.backupPath = promoter.timestampedBackupPath(targetPath)

	if replaceError := promoter.atomicReplace(entry, targetPath, detail.backupPath, candidateContent); replaceError != nil {
		record := promoter.appendRecord(entry, targetPath, outcomeReplaceFailedConstant, "", replaceError.Error(), false, detail)
		_ = promoter.manager.MarkFailed(entry.ID, replaceError.Error())
		return record, replaceError
	}

	if postVerifyError := promoter.verifyDetectorCleared(entry, targetPath); postVerifyError != nil {
		return promoter.reject(entry, targetPath, postVerifyError, false, detail)
	}

	record := promoter.appendRecord(entry, targetPath, outcomeAppliedConstant, "", "", false, detail)
	if markError := promoter.manager.MarkApplied(entry.ID); markError != nil {
		return record, markError
	}

	promoter.logger.Info(promotionAppliedMessageConstant,
		zap.String(sandboxIdentifierFieldConstant, entry.ID),
		zap.String(targetFieldConstant, targetPath))
	return record, nil
}

// verify runs the promotion gates in order and returns the candidate
// content when every gate passes.
func (promoter *Promoter) verify(entry sandbox.Entry, targetPath string) ([]byte, error) {
	candidateContent, readError := os.ReadFile(entry.CandidateFile)
	if readError != nil {
		return nil, &VerificationFailure{SandboxID: entry.ID, Gate: GateCandidatePresent, Reason: candidateMissingReasonConstant}
	}

	maximumSize := promoter.promotionPolicy.MaxCandidateSizeBytes
	if maximumSize <= 0 {
		maximumSize = defaultMaxCandidateSizeConstant
	}
	if int64(len(candidateContent)) > maximumSize {
		return nil, &VerificationFailure{
			SandboxID: entry.ID,
			Gate:      GateCandidateSize,
			Reason:    fmt.Sprintf(candidateOversizeTemplateConstant, len(candidateContent), maximumSize),
		}
	}

	if syntaxError := verifySyntax(entry.TargetFile, candidateContent); syntaxError != nil {
		return nil, &VerificationFailure{SandboxID: entry.ID, Gate: GateSyntax, Reason: syntaxError.Error()}
	}

	targetContent, targetReadError := os.ReadFile(targetPath)
	if targetReadError != nil {
		return nil, &VerificationFailure{SandboxID: entry.ID, Gate: GateModifyOnly, Reason: targetMissingReasonConstant}
	}

	if len(entry.Detector.FileContains) > 0 {
		if !strings.Contains(string(targetContent), entry.Detector.FileContains) {
			return nil, &VerificationFailure{SandboxID: entry.ID, Gate: GateDetectorBefore, Reason: detectorNotArmedReasonConstant}
		}
		if strings.Contains(string(candidateContent), entry.Detector.FileContains) {
			return nil, &VerificationFailure{SandboxID: entry.ID, Gate: GateDetectorAfter, Reason: detectorStillMatchesReasonConstant}
		}
	}

	return candidateContent, nil
}

func (promoter *Promoter) verifyDetectorCleared(entry sandbox.Entry, targetPath string) error {
	if len(entry.Detector.FileContains) == 0 {
		return nil
	}

	appliedContent, readError := os.ReadFile(targetPath)
	if readError != nil {
		return readError
	}
	if strings.Contains(string(appliedContent), entry.Detector.FileContains) {
		return &VerificationFailure{SandboxID: entry.ID, Gate: GateDetectorAfter, Reason: detectorMatchesAfterApplyReasonConstant}
	}
	return nil
}

// atomicReplace swaps the candidate into place: back up the target, stage
// the candidate beside it, remove the original, rename the staged copy in.
// Failures before the removal leave the target untouched; a failed rename
// restores the target from the backup.
func (promoter *Promoter) atomicReplace(entry sandbox.Entry, targetPath string, backupPath string, candidateContent []byte) error {
	originalContent, backupReadError := os.ReadFile(targetPath)
	if backupReadError != nil {
		return &AtomicReplaceFailure{SandboxID: entry.ID, TargetPath: targetPath, Stage: stageBackupConstant, TargetIntact: true, Cause: backupReadError}
	}

	if backupWriteError := os.WriteFile(backupPath, originalContent, promotionLogPermissionsConstant); backupWriteError != nil {
		return &AtomicReplaceFailure{SandboxID: entry.ID, TargetPath: targetPath, Stage: stageBackupConstant, TargetIntact: true, Cause: backupWriteError}
	}

	temporaryPath := targetPath + temporarySuffixConstant
	if stageError := os.WriteFile(temporaryPath, candidateContent, promotionLogPermissionsConstant); stageError != nil {
		return &AtomicReplaceFailure{SandboxID: entry.ID, TargetPath: targetPath, Stage: stageStageConstant, TargetIntact: true, Cause: stageError}
	}

	if removeError := os.Remove(targetPath); removeError != nil {
		return &AtomicReplaceFailure{SandboxID: entry.ID, TargetPath: targetPath, Stage: stageSwapConstant, TargetIntact: true, Cause: removeError}
	}

	if renameError := os.Rename(temporaryPath, targetPath); renameError != nil {
		restored := os.WriteFile(targetPath, originalContent, promotionLogPermissionsConstant) == nil
		return &AtomicReplaceFailure{SandboxID: entry.ID, TargetPath: targetPath, Stage: stageSwapConstant, TargetIntact: restored, Cause: renameError}
	}

	return nil
}

// timestampedBackupPath names a backup uniquely per promotion so repeated
// promotions of the same target never overwrite an earlier backup.
func (promoter *Promoter) timestampedBackupPath(targetPath string) string {
	return targetPath + "." + promoter.clock.Now().UTC().Format(backupTimestampLayoutConstant) + backupSuffixConstant
}

func (promoter *Promoter) reject(entry sandbox.Entry, targetPath string, verificationError error, dryRun bool, detail recordDetail) (LogRecord, error) {
	gate := ""
	outcome := outcomeRejectedConstant
	if failure, isVerification := verificationError.(*VerificationFailure); isVerification {
		gate = failure.Gate
		if failure.Gate == GateModifyOnly {
			outcome = outcomeCreateRequestConstant
		}
	}

	record := promoter.appendRecord(entry, targetPath, outcome, gate, verificationError.Error(), dryRun, detail)
	if !dryRun {
		_ = promoter.manager.MarkFailed(entry.ID, verificationError.Error())
	}

	promoter.logger.Warn(promotionRejectedMessageConstant,
		zap.String(sandboxIdentifierFieldConstant, entry.ID),
		zap.String(gateFieldConstant, gate),
		zap.String(targetFieldConstant, targetPath))
	return record, verificationError
}

func (promoter *Promoter) appendRecord(entry sandbox.Entry, targetPath string, outcome string, gate string, reason string, dryRun bool, detail recordDetail) LogRecord {
	record := LogRecord{
		SandboxID:  entry.ID,
		Subsystem:  entry.Subsystem,
		Target:     targetPath,
		Outcome:    outcome,
		Gate:       gate,
		Reason:     reason,
		DryRun:     dryRun,
		BeforeHash: detail.beforeHash,
		AfterHash:  detail.afterHash,
		BackupPath: detail.backupPath,
		Timestamp:  promoter.clock.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}

	serialized, marshalError := json.Marshal(record)
	if marshalError != nil {
		return record
	}

	if directoryError := os.MkdirAll(filepath.Dir(promoter.logPath), promotionDirectoryPermissionsConstant); directoryError != nil {
		return record
	}
	logFile, openError := os.OpenFile(promoter.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, promotionLogPermissionsConstant)
	if openError != nil {
		return record
	}
	defer logFile.Close()
	_, _ = logFile.Write(append(serialized, '\n'))

	return record
}

func (promoter *Promoter) targetMutex(targetPath string) *sync.Mutex {
	promoter.mutexGuard.Lock()
	defer promoter.mutexGuard.Unlock()

	targetMutex, exists := promoter.fileMutexes[targetPath]
	if !exists {
		targetMutex = &sync.Mutex{}
		promoter.fileMutexes[targetPath] = targetMutex
	}
	return targetMutex
}

func verifySyntax(targetFile string, candidateContent []byte) error {
	switch strings.ToLower(filepath.Ext(targetFile)) {
	case goExtensionConstant:
		fileSet := token.NewFileSet()
		if _, parseError := parser.ParseFile(fileSet, filepath.Base(targetFile), candidateContent, parser.AllErrors); parseError != nil {
			return fmt.Errorf(syntaxFailureTemplateConstant, parseError)
		}
	case yamlExtensionConstant, ymlExtensionConstant:
		var decoded interface{}
		if unmarshalError := yaml.Unmarshal(candidateContent, &decoded); unmarshalError != nil {
			return fmt.Errorf(syntaxFailureTemplateConstant, unmarshalError)
		}
	case jsonExtensionConstant:
		if !json.Valid(candidateContent) {
			return errors.New(invalidJSONReasonConstant)
		}
	}
	return nil
}
