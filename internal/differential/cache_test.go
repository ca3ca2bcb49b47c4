package differential_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/internal/differential"
	"github.com/temirov/coreaudit/internal/findings"
)

func seededCache(testInstance *testing.T) (*differential.Cache, string) {
	testInstance.Helper()
	cachePath := filepath.Join(testInstance.TempDir(), "audit_cache.json")
	cache := differential.NewCache(cachePath, nil)
	require.NoError(testInstance, cache.Load())
	cache.Update("memory_core", "hash-one", map[string]string{"PatternCheck": "1.0.0"}, findings.Result{
		Subsystem: "memory_core",
		Score:     92,
		Status:    findings.StatusOK,
	})
	return cache, cachePath
}

func TestCacheDecide(testInstance *testing.T) {
	testCases := []struct {
		name           string
		currentHash    string
		activeVersions map[string]string
		forceFull      bool
		expectedAudit  bool
		expectedReason string
	}{
		{
			name:           "unchanged_subsystem_skipped",
			currentHash:    "hash-one",
			activeVersions: map[string]string{"PatternCheck": "1.0.0"},
			expectedAudit:  false,
		},
		{
			name:           "tree_change_forces_audit",
			currentHash:    "hash-two",
			activeVersions: map[string]string{"PatternCheck": "1.0.0"},
			expectedAudit:  true,
			expectedReason: differential.ReasonTreeChanged,
		},
		{
			name:           "version_bump_forces_audit",
			currentHash:    "hash-one",
			activeVersions: map[string]string{"PatternCheck": "1.1.0"},
			expectedAudit:  true,
			expectedReason: differential.ReasonPluginVersionChanged,
		},
		{
			name:           "force_full_overrides_cache",
			currentHash:    "hash-one",
			activeVersions: map[string]string{"PatternCheck": "1.0.0"},
			forceFull:      true,
			expectedAudit:  true,
			expectedReason: differential.ReasonForcedFull,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			cache, _ := seededCache(testInstance)

			decisions := cache.Decide(map[string]string{"memory_core": testCase.currentHash}, testCase.activeVersions, testCase.forceFull)

			require.Len(testInstance, decisions, 1)
			assert.Equal(testInstance, testCase.expectedAudit, decisions[0].Audit)
			assert.Equal(testInstance, testCase.expectedReason, decisions[0].Reason)
		})
	}
}

func TestCacheDecideUnknownSubsystem(testInstance *testing.T) {
	cache, _ := seededCache(testInstance)

	decisions := cache.Decide(map[string]string{"planner_core": "hash-nine"}, map[string]string{"PatternCheck": "1.0.0"}, false)

	require.Len(testInstance, decisions, 1)
	assert.True(testInstance, decisions[0].Audit)
	assert.Equal(testInstance, differential.ReasonNoCacheEntry, decisions[0].Reason)
}

func TestCacheDecideIncompleteResultReaudited(testInstance *testing.T) {
	cache, _ := seededCache(testInstance)
	cache.Update("memory_core", "hash-one", map[string]string{"PatternCheck": "1.0.0"}, findings.Result{
		Subsystem: "memory_core",
		Status:    findings.StatusIncomplete,
	})

	decisions := cache.Decide(map[string]string{"memory_core": "hash-one"}, map[string]string{"PatternCheck": "1.0.0"}, false)

	require.Len(testInstance, decisions, 1)
	assert.True(testInstance, decisions[0].Audit)
	assert.Equal(testInstance, differential.ReasonPreviousIncomplete, decisions[0].Reason)
}

func TestCacheRoundTrip(testInstance *testing.T) {
	cache, cachePath := seededCache(testInstance)
	require.NoError(testInstance, cache.Save())

	reloaded := differential.NewCache(cachePath, nil)
	require.NoError(testInstance, reloaded.Load())

	cachedResult, cached := reloaded.CachedResult("memory_core")
	require.True(testInstance, cached)
	assert.Equal(testInstance, 92, cachedResult.Score)
	assert.Equal(testInstance, findings.StatusOK, cachedResult.Status)
}

func TestCacheCorruptFileStartsFresh(testInstance *testing.T) {
	cachePath := filepath.Join(testInstance.TempDir(), "audit_cache.json")
	require.NoError(testInstance, os.WriteFile(cachePath, []byte("{not json"), 0o644))

	cache := differential.NewCache(cachePath, nil)
	require.NoError(testInstance, cache.Load())

	_, cached := cache.CachedResult("memory_core")
	assert.False(testInstance, cached)
}

func TestCacheInvalidate(testInstance *testing.T) {
	cache, _ := seededCache(testInstance)

	cache.Invalidate("memory_core")

	decisions := cache.Decide(map[string]string{"memory_core": "hash-one"}, map[string]string{"PatternCheck": "1.0.0"}, false)
	require.Len(testInstance, decisions, 1)
	assert.Equal(testInstance, differential.ReasonNoCacheEntry, decisions[0].Reason)
}
