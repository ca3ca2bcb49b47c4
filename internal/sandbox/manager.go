package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/hashing"
	"github.com/temirov/coreaudit/internal/policy"
)

const (
	metadataFileNameConstant                 = "metadata.json"
	candidateFileNameConstant                = "candidate"
	originalFileNameConstant                 = "original"
	sandboxDirectoryPermissionsConstant      = 0o755
	sandboxFilePermissionsConstant           = 0o644
	sandboxIdentifierTimestampLayoutConstant = "20060102T150405"
	sandboxIdentifierTemplateConstant        = "%s_%s_%s"
	metadataReadFailureTemplateConstant      = "unable to read sandbox metadata for %s: %w"
	metadataWriteFailureTemplateConstant     = "unable to persist sandbox metadata for %s: %w"
	unknownSandboxTemplateConstant           = "sandbox %s does not exist"
	sandboxCreatedMessageConstant            = "fix sandbox created"
	sandboxIdentifierFieldConstant           = "sandbox_id"
	subsystemFieldConstant                   = "subsystem"
	targetFileFieldConstant                  = "target_file"
)

// EntryStatus tracks a sandbox through its lifecycle.
type EntryStatus string

// Sandbox lifecycle states. Entries never return to pending once applied
// or failed.
const (
	StatusPending EntryStatus = "pending"
	StatusApplied EntryStatus = "applied"
	StatusFailed  EntryStatus = "failed"
)

// DetectorSpec declaratively describes the issue a candidate fix resolves.
// The detector must match the target file before promotion and must no
// longer match after the candidate is applied.
type DetectorSpec struct {
	File         string `json:"file"`
	FileContains string `json:"file_contains"`
}

// Entry is the durable metadata describing one quarantined fix candidate.
type Entry struct {
	ID            string       `json:"id"`
	Subsystem     string       `json:"subsystem"`
	IssueType     string       `json:"issue_type"`
	TargetFile    string       `json:"target_file"`
	CandidateFile string       `json:"candidate_file"`
	OriginalFile  string       `json:"original_file,omitempty"`
	OriginalHash  string       `json:"original_hash,omitempty"`
	Detector      DetectorSpec `json:"detector"`
	Status        EntryStatus  `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     string       `json:"created_at"`
	ResolvedAt    string       `json:"resolved_at,omitempty"`
}

// Manager owns the sandbox root directory and every entry under it.
type Manager struct {
	rootPath string
	clock    policy.Clock
	logger   *zap.Logger
}

// NewManager constructs a sandbox manager rooted at the provided directory.
func NewManager(rootPath string, clock policy.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = policy.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rootPath: rootPath, clock: clock, logger: logger}
}

// CreateFixSandbox quarantines a candidate fix. The candidate and, when
// provided, a snapshot of the pre-fix target content are written through
// the sandbox guard; the entry starts pending. A nil original marks a
// fix that would create a new file.
func (manager *Manager) CreateFixSandbox(subsystemName string, issueType string, targetFile string, originalContent []byte, candidateContent []byte, detector DetectorSpec) (Entry, error) {
	timestamp := manager.clock.Now().UTC()
	sandboxIdentifier := fmt.Sprintf(sandboxIdentifierTemplateConstant,
		subsystemName, sanitizeIdentifierSegment(issueType), timestamp.Format(sandboxIdentifierTimestampLayoutConstant))

	entryRoot, guardError := GuardWrite(manager.rootPath, sandboxIdentifier)
	if guardError != nil {
		return Entry{}, guardError
	}
	if directoryError := os.MkdirAll(entryRoot, sandboxDirectoryPermissionsConstant); directoryError != nil {
		return Entry{}, directoryError
	}

	candidatePath, candidateGuardError := GuardWrite(manager.rootPath, filepath.Join(sandboxIdentifier, candidateFileNameConstant+filepath.Ext(targetFile)))
	if candidateGuardError != nil {
		return Entry{}, candidateGuardError
	}
	if writeError := os.WriteFile(candidatePath, candidateContent, sandboxFilePermissionsConstant); writeError != nil {
		return Entry{}, writeError
	}

	originalPath := ""
	originalHash := ""
	if originalContent != nil {
		guardedOriginalPath, originalGuardError := GuardWrite(manager.rootPath, filepath.Join(sandboxIdentifier, originalFileNameConstant+filepath.Ext(targetFile)))
		if originalGuardError != nil {
			return Entry{}, originalGuardError
		}
		if writeError := os.WriteFile(guardedOriginalPath, originalContent, sandboxFilePermissionsConstant); writeError != nil {
			return Entry{}, writeError
		}
		originalPath = guardedOriginalPath
		originalHash = hashing.HashBytes(originalContent)
	}

	entry := Entry{
		ID:            sandboxIdentifier,
		Subsystem:     subsystemName,
		IssueType:     issueType,
		TargetFile:    targetFile,
		CandidateFile: candidatePath,
		OriginalFile:  originalPath,
		OriginalHash:  originalHash,
		Detector:      detector,
		Status:        StatusPending,
		CreatedAt:     timestamp.Format("2006-01-02T15:04:05Z"),
	}
	if persistError := manager.persistEntry(entry); persistError != nil {
		return Entry{}, persistError
	}

	manager.logger.Info(sandboxCreatedMessageConstant,
		zap.String(sandboxIdentifierFieldConstant, entry.ID),
		zap.String(subsystemFieldConstant, subsystemName),
		zap.String(targetFileFieldConstant, targetFile))
	return entry, nil
}

// LoadEntry reads the metadata of one sandbox by identifier.
func (manager *Manager) LoadEntry(sandboxIdentifier string) (Entry, error) {
	metadataPath, guardError := GuardWrite(manager.rootPath, filepath.Join(sandboxIdentifier, metadataFileNameConstant))
	if guardError != nil {
		return Entry{}, guardError
	}

	content, readError := os.ReadFile(metadataPath)
	if readError != nil {
		if os.IsNotExist(readError) {
			return Entry{}, fmt.Errorf(unknownSandboxTemplateConstant, sandboxIdentifier)
		}
		return Entry{}, fmt.Errorf(metadataReadFailureTemplateConstant, sandboxIdentifier, readError)
	}

	var entry Entry
	if unmarshalError := json.Unmarshal(content, &entry); unmarshalError != nil {
		return Entry{}, fmt.Errorf(metadataReadFailureTemplateConstant, sandboxIdentifier, unmarshalError)
	}
	return entry, nil
}

// PendingEntries lists every sandbox still awaiting promotion, sorted by
// identifier. Entries with unreadable metadata are skipped.
func (manager *Manager) PendingEntries() ([]Entry, error) {
	directoryEntries, readError := os.ReadDir(manager.rootPath)
	if readError != nil {
		if os.IsNotExist(readError) {
			return nil, nil
		}
		return nil, readError
	}

	var pending []Entry
	for _, directoryEntry := range directoryEntries {
		if !directoryEntry.IsDir() {
			continue
		}
		entry, loadError := manager.LoadEntry(directoryEntry.Name())
		if loadError != nil {
			continue
		}
		if entry.Status == StatusPending {
			pending = append(pending, entry)
		}
	}

	sort.Slice(pending, func(firstIndex int, secondIndex int) bool {
		return pending[firstIndex].ID < pending[secondIndex].ID
	})
	return pending, nil
}

// MarkApplied transitions an entry to applied.
func (manager *Manager) MarkApplied(sandboxIdentifier string) error {
	return manager.transition(sandboxIdentifier, StatusApplied, "")
}

// MarkFailed transitions an entry to failed with the rejection reason.
func (manager *Manager) MarkFailed(sandboxIdentifier string, reason string) error {
	return manager.transition(sandboxIdentifier, StatusFailed, reason)
}

func (manager *Manager) transition(sandboxIdentifier string, status EntryStatus, reason string) error {
	entry, loadError := manager.LoadEntry(sandboxIdentifier)
	if loadError != nil {
		return loadError
	}

	entry.Status = status
	entry.Reason = reason
	entry.ResolvedAt = manager.clock.Now().UTC().Format("2006-01-02T15:04:05Z")
	return manager.persistEntry(entry)
}

func (manager *Manager) persistEntry(entry Entry) error {
	metadataPath, guardError := GuardWrite(manager.rootPath, filepath.Join(entry.ID, metadataFileNameConstant))
	if guardError != nil {
		return guardError
	}

	serialized, marshalError := json.MarshalIndent(entry, "", "  ")
	if marshalError != nil {
		return fmt.Errorf(metadataWriteFailureTemplateConstant, entry.ID, marshalError)
	}
	if writeError := os.WriteFile(metadataPath, serialized, sandboxFilePermissionsConstant); writeError != nil {
		return fmt.Errorf(metadataWriteFailureTemplateConstant, entry.ID, writeError)
	}
	return nil
}

func sanitizeIdentifierSegment(segment string) string {
	sanitized := strings.Map(func(character rune) rune {
		switch {
		case character >= 'a' && character <= 'z',
			character >= 'A' && character <= 'Z',
			character >= '0' && character <= '9':
			return character
		default:
			return '_'
		}
	}, segment)
	if len(sanitized) == 0 {
		return "fix"
	}
	return sanitized
}
