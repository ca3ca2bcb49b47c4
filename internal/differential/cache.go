// Package differential persists per-subsystem audit fingerprints so
// unchanged subsystems can reuse their previous results instead of being
// re-audited every run.
package differential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/findings"
)

const (
	cacheFilePermissionsConstant      = 0o644
	cacheDirectoryPermissionsConstant = 0o755
	cacheReadFailureTemplateConstant  = "unable to read differential cache: %w"
	cacheWriteFailureTemplateConstant = "unable to persist differential cache: %w"
	cacheResetMessageConstant         = "differential cache unreadable, starting fresh"
	cachePathFieldConstant            = "cache_path"

	// Skip decision reasons surfaced in reports and logs.
	ReasonNoCacheEntry         = "no cache entry"
	ReasonTreeChanged          = "tree hash changed"
	ReasonPluginVersionChanged = "check version changed"
	ReasonForcedFull           = "full audit forced"
	ReasonPreviousIncomplete   = "previous audit incomplete"
)

// Entry is one subsystem's cached fingerprint and outcome.
type Entry struct {
	TreeHash       string            `json:"tree_hash"`
	PluginVersions map[string]string `json:"plugin_versions"`
	LastResult     findings.Result   `json:"last_result"`
}

// Decision explains why a subsystem will or will not be re-audited.
type Decision struct {
	Subsystem string `json:"subsystem"`
	Audit     bool   `json:"audit"`
	Reason    string `json:"reason,omitempty"`
}

// Cache holds cached audit entries keyed by subsystem name. It is loaded
// once per run and mutated only by the run coordinator, never by workers.
type Cache struct {
	cachePath          string
	logger             *zap.Logger
	entriesBySubsystem map[string]Entry
}

// NewCache constructs a cache persisted at the provided path.
func NewCache(cachePath string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{cachePath: cachePath, logger: logger, entriesBySubsystem: make(map[string]Entry)}
}

// Load reads the persisted cache. A missing file yields an empty cache; a
// corrupt file is discarded with a warning rather than aborting the run,
// because the worst case of losing the cache is one full audit.
func (cache *Cache) Load() error {
	content, readError := os.ReadFile(cache.cachePath)
	if readError != nil {
		if os.IsNotExist(readError) {
			return nil
		}
		return fmt.Errorf(cacheReadFailureTemplateConstant, readError)
	}

	var persisted map[string]Entry
	if unmarshalError := json.Unmarshal(content, &persisted); unmarshalError != nil {
		cache.logger.Warn(cacheResetMessageConstant, zap.String(cachePathFieldConstant, cache.cachePath), zap.Error(unmarshalError))
		cache.entriesBySubsystem = make(map[string]Entry)
		return nil
	}

	cache.entriesBySubsystem = persisted
	if cache.entriesBySubsystem == nil {
		cache.entriesBySubsystem = make(map[string]Entry)
	}
	return nil
}

// Decide classifies every discovered subsystem as re-audit or skip. Current
// tree hashes and the active check versions are compared against the cached
// fingerprint; any mismatch, or a cached INCOMPLETE result, forces a
// re-audit.
func (cache *Cache) Decide(currentTreeHashes map[string]string, activeVersions map[string]string, forceFull bool) []Decision {
	subsystemNames := make([]string, 0, len(currentTreeHashes))
	for subsystemName := range currentTreeHashes {
		subsystemNames = append(subsystemNames, subsystemName)
	}
	sort.Strings(subsystemNames)

	decisions := make([]Decision, 0, len(subsystemNames))
	for _, subsystemName := range subsystemNames {
		decisions = append(decisions, cache.decideSubsystem(subsystemName, currentTreeHashes[subsystemName], activeVersions, forceFull))
	}
	return decisions
}

func (cache *Cache) decideSubsystem(subsystemName string, currentTreeHash string, activeVersions map[string]string, forceFull bool) Decision {
	if forceFull {
		return Decision{Subsystem: subsystemName, Audit: true, Reason: ReasonForcedFull}
	}

	cachedEntry, cached := cache.entriesBySubsystem[subsystemName]
	if !cached {
		return Decision{Subsystem: subsystemName, Audit: true, Reason: ReasonNoCacheEntry}
	}
	if cachedEntry.TreeHash != currentTreeHash {
		return Decision{Subsystem: subsystemName, Audit: true, Reason: ReasonTreeChanged}
	}
	if !versionsMatch(cachedEntry.PluginVersions, activeVersions) {
		return Decision{Subsystem: subsystemName, Audit: true, Reason: ReasonPluginVersionChanged}
	}
	if cachedEntry.LastResult.Status == findings.StatusIncomplete {
		return Decision{Subsystem: subsystemName, Audit: true, Reason: ReasonPreviousIncomplete}
	}
	return Decision{Subsystem: subsystemName, Audit: false}
}

// CachedResult returns the stored result for a skipped subsystem.
func (cache *Cache) CachedResult(subsystemName string) (findings.Result, bool) {
	cachedEntry, cached := cache.entriesBySubsystem[subsystemName]
	if !cached {
		return findings.Result{}, false
	}
	return cachedEntry.LastResult, true
}

// Update stores a fresh audit outcome under the subsystem's current
// fingerprint.
func (cache *Cache) Update(subsystemName string, treeHash string, pluginVersions map[string]string, result findings.Result) {
	versionsCopy := make(map[string]string, len(pluginVersions))
	for checkName, checkVersion := range pluginVersions {
		versionsCopy[checkName] = checkVersion
	}
	cache.entriesBySubsystem[subsystemName] = Entry{TreeHash: treeHash, PluginVersions: versionsCopy, LastResult: result}
}

// Invalidate removes a subsystem's cached entry, forcing its next audit.
func (cache *Cache) Invalidate(subsystemName string) {
	delete(cache.entriesBySubsystem, subsystemName)
}

// Save persists the cache atomically: the content is written to a temporary
// sibling and renamed over the previous file.
func (cache *Cache) Save() error {
	serialized, marshalError := json.MarshalIndent(cache.entriesBySubsystem, "", "  ")
	if marshalError != nil {
		return fmt.Errorf(cacheWriteFailureTemplateConstant, marshalError)
	}

	if directoryError := os.MkdirAll(filepath.Dir(cache.cachePath), cacheDirectoryPermissionsConstant); directoryError != nil {
		return fmt.Errorf(cacheWriteFailureTemplateConstant, directoryError)
	}

	temporaryPath := cache.cachePath + ".tmp"
	if writeError := os.WriteFile(temporaryPath, serialized, cacheFilePermissionsConstant); writeError != nil {
		return fmt.Errorf(cacheWriteFailureTemplateConstant, writeError)
	}
	if renameError := os.Rename(temporaryPath, cache.cachePath); renameError != nil {
		return fmt.Errorf(cacheWriteFailureTemplateConstant, renameError)
	}
	return nil
}

func versionsMatch(cachedVersions map[string]string, activeVersions map[string]string) bool {
	if len(cachedVersions) != len(activeVersions) {
		return false
	}
	for checkName, activeVersion := range activeVersions {
		if cachedVersions[checkName] != activeVersion {
			return false
		}
	}
	return true
}
