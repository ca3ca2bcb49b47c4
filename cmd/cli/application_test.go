package cli_test

import (
	"bytes"
	"testing"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/temirov/coreaudit/cmd/cli"
)

const (
	embeddedConfigurationTypeConstant     = "yaml"
	embeddedDefaultWorkerCountConstant    = 4
	embeddedDefaultTimeoutSecondsConstant = 300
	embeddedDefaultPerfBudgetConstant     = "warn"
	embeddedDefaultSuffixConstant         = "_core"
)

var expectedCommandNames = []string{
	"run",
	"core",
	"promote",
	"policy",
}

func TestNewApplicationRegistersCommands(t *testing.T) {
	application := cli.NewApplication()
	rootCommand := application.RootCommand()
	require.NotNil(t, rootCommand)

	registeredNames := map[string]bool{}
	for _, registeredCommand := range rootCommand.Commands() {
		registeredNames[registeredCommand.Name()] = true
	}

	for _, expectedName := range expectedCommandNames {
		require.Truef(t, registeredNames[expectedName], "command %s is not registered", expectedName)
	}
}

func TestEmbeddedDefaultConfiguration(t *testing.T) {
	configurationContent, configurationType := cli.EmbeddedDefaultConfiguration()
	require.Equal(t, embeddedConfigurationTypeConstant, configurationType)
	require.NotEmpty(t, configurationContent)

	viperInstance := viper.New()
	viperInstance.SetConfigType(configurationType)
	require.NoError(t, viperInstance.ReadConfig(bytes.NewReader(configurationContent)))

	var configuration cli.ApplicationConfiguration
	decodeHook := mapstructure.ComposeDecodeHookFunc()
	require.NoError(t, viperInstance.Unmarshal(&configuration, viper.DecodeHook(decodeHook)))

	require.Equal(t, "info", configuration.Common.LogLevel)
	require.Equal(t, "structured", configuration.Common.LogFormat)
	require.Equal(t, embeddedDefaultSuffixConstant, configuration.Tools.Audit.SubsystemSuffix)
	require.Equal(t, embeddedDefaultWorkerCountConstant, configuration.Tools.Audit.WorkerCount)
	require.Equal(t, embeddedDefaultTimeoutSecondsConstant, configuration.Tools.Audit.TimeoutSeconds)
	require.Equal(t, embeddedDefaultPerfBudgetConstant, configuration.Tools.Audit.PerfBudgetMode)
	require.Equal(t, ".coreaudit/sandboxes", configuration.Tools.Promote.SandboxDirectory)
}
