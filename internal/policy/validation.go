package policy

import (
	"fmt"
	"time"
)

const (
	expiryDateLayoutConstant              = "2006-01-02"
	missingOwnerTemplateConstant          = "entry %s requires an owner"
	missingReasonTemplateConstant         = "entry %s requires a reason"
	missingExpiryTemplateConstant         = "entry %s requires an expires_on date"
	expiredEntryTemplateConstant          = "entry %s expired on %s"
	invalidExpiryFormatTemplateConstant   = "entry %s has an invalid expires_on date %q"
	expiryWindowExceededTemplateConstant  = "entry %s expiry exceeds the maximum window of %d days"
	unknownPatternTemplateConstant        = "suppression %s references no known check pattern"
	unknownCheckTemplateConstant          = "quarantine %s references no known check"
	missingIdentifierMessageConstant      = "entry is missing its identifier"
	defaultSuppressionWindowDaysConstant  = 90
	defaultQuarantineWindowDaysConstant   = 30
	expiringSoonDefaultWindowDaysConstant = 14
)

// ValidateSuppressions checks every suppression entry against expiry and
// referential rules. Any single invalid entry invalidates the whole set; the
// caller must abort the run rather than warn.
func (store *Store) ValidateSuppressions(entries []Suppression, loadedPolicy Policy) (bool, []ValidationIssue) {
	knownPatterns := loadedPolicy.KnownPatternIdentifiers()
	maxWindowDays := loadedPolicy.Registries.MaxSuppressionDays
	if maxWindowDays <= 0 {
		maxWindowDays = defaultSuppressionWindowDaysConstant
	}

	var issues []ValidationIssue
	for index := range entries {
		entry := entries[index]
		if issue := store.validateRegistryEntry(entry.PatternID, entry.Owner, entry.Reason, entry.Created, entry.ExpiresOn, maxWindowDays); issue != nil {
			issues = append(issues, *issue)
			continue
		}
		if _, known := knownPatterns[entry.PatternID]; !known {
			issues = append(issues, ValidationIssue{Identifier: entry.PatternID, Reason: fmt.Sprintf(unknownPatternTemplateConstant, entry.PatternID)})
		}
	}

	return len(issues) == 0, issues
}

// ValidateQuarantines checks every quarantine entry. The same fail-closed
// contract as ValidateSuppressions applies.
func (store *Store) ValidateQuarantines(entries []Quarantine, knownCheckNames []string, loadedPolicy Policy) (bool, []ValidationIssue) {
	knownChecks := make(map[string]struct{}, len(knownCheckNames))
	for _, checkName := range knownCheckNames {
		knownChecks[checkName] = struct{}{}
	}

	maxWindowDays := loadedPolicy.Registries.MaxQuarantineDays
	if maxWindowDays <= 0 {
		maxWindowDays = defaultQuarantineWindowDaysConstant
	}

	var issues []ValidationIssue
	for index := range entries {
		entry := entries[index]
		if issue := store.validateRegistryEntry(entry.CheckID, entry.Owner, entry.Reason, entry.Created, entry.ExpiresOn, maxWindowDays); issue != nil {
			issues = append(issues, *issue)
			continue
		}
		if _, known := knownChecks[entry.CheckID]; !known {
			issues = append(issues, ValidationIssue{Identifier: entry.CheckID, Reason: fmt.Sprintf(unknownCheckTemplateConstant, entry.CheckID)})
		}
	}

	return len(issues) == 0, issues
}

// IsSuppressed reports whether a finding identified by pattern, file, and
// line is covered by a currently valid suppression.
func (store *Store) IsSuppressed(entries []Suppression, loadedPolicy Policy, patternID string, filePath string, lineNumber int) bool {
	for index := range entries {
		entry := entries[index]
		if entry.PatternID != patternID {
			continue
		}
		if len(entry.File) > 0 && entry.File != filePath {
			continue
		}
		if entry.Line > 0 && entry.Line != lineNumber {
			continue
		}

		valid, _ := store.ValidateSuppressions([]Suppression{entry}, loadedPolicy)
		if valid {
			return true
		}
	}
	return false
}

// IsQuarantined reports whether the named check is covered by a currently
// valid quarantine entry.
func (store *Store) IsQuarantined(entries []Quarantine, checkID string, knownCheckNames []string, loadedPolicy Policy) bool {
	for index := range entries {
		if entries[index].CheckID != checkID {
			continue
		}
		valid, _ := store.ValidateQuarantines([]Quarantine{entries[index]}, knownCheckNames, loadedPolicy)
		if valid {
			return true
		}
	}
	return false
}

// ExpiringSuppressions returns suppressions whose expiry falls within the
// provided window, for surfacing during policy validation.
func (store *Store) ExpiringSuppressions(entries []Suppression, windowDays int) []Suppression {
	if windowDays <= 0 {
		windowDays = expiringSoonDefaultWindowDaysConstant
	}

	now := store.clock.Now()
	horizon := now.AddDate(0, 0, windowDays)

	var expiring []Suppression
	for index := range entries {
		expiry, parseError := time.Parse(expiryDateLayoutConstant, entries[index].ExpiresOn)
		if parseError != nil {
			continue
		}
		if expiry.After(now) && !expiry.After(horizon) {
			expiring = append(expiring, entries[index])
		}
	}
	return expiring
}

func (store *Store) validateRegistryEntry(identifier string, owner string, reason string, created string, expiresOn string, maxWindowDays int) *ValidationIssue {
	if len(identifier) == 0 {
		return &ValidationIssue{Identifier: identifier, Reason: missingIdentifierMessageConstant}
	}
	if len(owner) == 0 {
		return &ValidationIssue{Identifier: identifier, Reason: fmt.Sprintf(missingOwnerTemplateConstant, identifier)}
	}
	if len(reason) == 0 {
		return &ValidationIssue{Identifier: identifier, Reason: fmt.Sprintf(missingReasonTemplateConstant, identifier)}
	}
	if len(expiresOn) == 0 {
		return &ValidationIssue{Identifier: identifier, Reason: fmt.Sprintf(missingExpiryTemplateConstant, identifier)}
	}

	expiry, parseError := time.Parse(expiryDateLayoutConstant, expiresOn)
	if parseError != nil {
		return &ValidationIssue{Identifier: identifier, Reason: fmt.Sprintf(invalidExpiryFormatTemplateConstant, identifier, expiresOn)}
	}

	now := store.clock.Now()
	if expiry.Before(now) {
		return &ValidationIssue{Identifier: identifier, Reason: fmt.Sprintf(expiredEntryTemplateConstant, identifier, expiresOn)}
	}

	creationTime := now
	if len(created) > 0 {
		if parsedCreation, creationParseError := time.Parse(expiryDateLayoutConstant, created); creationParseError == nil {
			creationTime = parsedCreation
		}
	}
	if expiry.Sub(creationTime) > time.Duration(maxWindowDays)*24*time.Hour {
		return &ValidationIssue{Identifier: identifier, Reason: fmt.Sprintf(expiryWindowExceededTemplateConstant, identifier, maxWindowDays)}
	}

	return nil
}
