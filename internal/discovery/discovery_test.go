package discovery_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/internal/discovery"
)

func createDirectories(testInstance *testing.T, rootPath string, relativePaths ...string) {
	testInstance.Helper()
	for _, relativePath := range relativePaths {
		require.NoError(testInstance, os.MkdirAll(filepath.Join(rootPath, relativePath), 0o755))
	}
}

func TestDiscoverFindsSubsystemsSorted(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	createDirectories(testInstance, repositoryRoot,
		"planner_core",
		"memory_core",
		"docs",
		"tools/helper_core",
	)

	discoverer := discovery.NewDiscoverer(repositoryRoot, "", nil)
	subsystems, discoveryError := discoverer.Discover()

	require.NoError(testInstance, discoveryError)
	names := make([]string, 0, len(subsystems))
	for _, subsystem := range subsystems {
		names = append(names, subsystem.Name)
	}
	assert.Equal(testInstance, []string{"helper_core", "memory_core", "planner_core"}, names)
}

func TestDiscoverSkipsHiddenAndNestedSubsystems(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	createDirectories(testInstance, repositoryRoot,
		".git/objects_core",
		"memory_core/nested_core",
	)

	discoverer := discovery.NewDiscoverer(repositoryRoot, "", nil)
	subsystems, discoveryError := discoverer.Discover()

	require.NoError(testInstance, discoveryError)
	require.Len(testInstance, subsystems, 1)
	assert.Equal(testInstance, "memory_core", subsystems[0].Name)
}

func TestDiscoverCustomSuffix(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	createDirectories(testInstance, repositoryRoot, "memory_svc", "memory_core")

	discoverer := discovery.NewDiscoverer(repositoryRoot, "_svc", nil)
	subsystems, discoveryError := discoverer.Discover()

	require.NoError(testInstance, discoveryError)
	require.Len(testInstance, subsystems, 1)
	assert.Equal(testInstance, "memory_svc", subsystems[0].Name)
}

func TestDiscoverRequiresRoot(testInstance *testing.T) {
	discoverer := discovery.NewDiscoverer("", "", nil)

	_, discoveryError := discoverer.Discover()

	require.Error(testInstance, discoveryError)
}

func TestRoots(testInstance *testing.T) {
	roots := discovery.Roots([]discovery.Subsystem{
		{Name: "memory_core", Root: "/repo/memory_core"},
		{Name: "planner_core", Root: "/repo/planner_core"},
	})

	assert.Equal(testInstance, map[string]string{
		"memory_core":  "/repo/memory_core",
		"planner_core": "/repo/planner_core",
	}, roots)
}
