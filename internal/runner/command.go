package runner

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/checks"
	"github.com/temirov/coreaudit/internal/execshell"
	"github.com/temirov/coreaudit/internal/hashing"
	"github.com/temirov/coreaudit/internal/metaaudit"
	"github.com/temirov/coreaudit/internal/perf"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/report"
	"github.com/temirov/coreaudit/internal/supplychain"
	flagutils "github.com/temirov/coreaudit/internal/utils/flags"
)

const (
	runCommandNameConstant      = "run"
	runCommandShortDescription  = "Audit every discovered subsystem"
	runCommandLongDescription   = "Run discovers subsystems, audits the changed ones, scores them against the policy, and reports whether the tree is production ready."
	coreCommandNameConstant     = "core <subsystem>"
	coreCommandShortDescription = "Audit a single subsystem"
	coreCommandLongDescription  = "Core audits one named subsystem, bypassing the differential cache for it."

	flagForceFullName         = "force-full"
	flagForceFullDescription  = "Ignore the differential cache and re-audit every subsystem."
	flagPerfBudgetName        = "perf-budget"
	flagPerfBudgetDescription = "Performance budget enforcement mode."
	flagJSONOutName           = "json-out"
	flagJSONOutDescription    = "Write the full report as JSON to this path."
	flagSARIFOutName          = "sarif-out"
	flagSARIFOutDescription   = "Write findings as SARIF 2.1.0 to this path."
	flagBundleOutName         = "bundle-out"
	flagBundleOutDescription  = "Write a reproducer bundle to this path when gates fail."
	flagTimeoutName           = "timeout"
	flagTimeoutDescription    = "Run timeout in seconds."

	errorMissingSubsystemArgument = "core requires exactly one subsystem name"
	gatesFailedMessageConstant    = "audit gates failed"
)

var perfBudgetChoices = []string{"strict", "warn", "off"}

// LoggerProvider supplies a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// ConfigurationProvider supplies the persisted run configuration.
type ConfigurationProvider func() CommandConfiguration

// CommandBuilder assembles the run and core cobra commands with
// configurable dependencies.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider ConfigurationProvider
	Registry              *checks.Registry
	Clock                 policy.Clock
}

// BuildRun constructs the run command.
func (builder *CommandBuilder) BuildRun() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   runCommandNameConstant,
		Short: runCommandShortDescription,
		Long:  runCommandLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.run(command, "")
		},
	}
	builder.registerFlags(command)
	return command, nil
}

// BuildCore constructs the single-subsystem core command.
func (builder *CommandBuilder) BuildCore() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   coreCommandNameConstant,
		Short: coreCommandShortDescription,
		Long:  coreCommandLongDescription,
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			if len(arguments) != 1 {
				return errors.New(errorMissingSubsystemArgument)
			}
			return builder.run(command, arguments[0])
		},
	}
	builder.registerFlags(command)
	return command, nil
}

// KnownCheckNames lists the check names exposed by the configured registry.
// Policy validation uses them to verify quarantine references.
func (builder *CommandBuilder) KnownCheckNames() []string {
	registry := builder.Registry
	if registry == nil {
		registry = checks.DefaultRegistry()
	}
	return registry.Names()
}

func (builder *CommandBuilder) registerFlags(command *cobra.Command) {
	command.Flags().Bool(flagForceFullName, false, flagForceFullDescription)
	perfBudgetUsage := flagutils.FormatChoiceUsage(defaultPerfModeConstant, perfBudgetChoices, flagPerfBudgetDescription)
	command.Flags().String(flagPerfBudgetName, "", perfBudgetUsage)
	command.Flags().String(flagJSONOutName, "", flagJSONOutDescription)
	command.Flags().String(flagSARIFOutName, "", flagSARIFOutDescription)
	command.Flags().String(flagBundleOutName, "", flagBundleOutDescription)
	command.Flags().Int(flagTimeoutName, 0, flagTimeoutDescription)
}

func (builder *CommandBuilder) run(command *cobra.Command, subsystemFilter string) error {
	configuration := builder.resolveConfiguration()
	logger := builder.resolveLogger()

	options, optionsError := builder.parseOptions(command, configuration, subsystemFilter)
	if optionsError != nil {
		return optionsError
	}
	if timeoutFlag, _ := command.Flags().GetInt(flagTimeoutName); timeoutFlag > 0 {
		configuration.TimeoutSeconds = timeoutFlag
	}

	service, serviceError := builder.assembleService(configuration, logger)
	if serviceError != nil {
		return serviceError
	}

	runReport, runError := service.Run(command.Context(), options)
	if runError != nil {
		return runError
	}

	fmt.Fprint(command.OutOrStdout(), report.HumanSummary(runReport))
	if !runReport.ProductionReady {
		return errors.New(gatesFailedMessageConstant)
	}
	return nil
}

func (builder *CommandBuilder) parseOptions(command *cobra.Command, configuration CommandConfiguration, subsystemFilter string) (Options, error) {
	forceFull, _ := command.Flags().GetBool(flagForceFullName)
	jsonOutputPath, _ := command.Flags().GetString(flagJSONOutName)
	sarifOutputPath, _ := command.Flags().GetString(flagSARIFOutName)
	bundleOutputPath, _ := command.Flags().GetString(flagBundleOutName)

	perfModeValue, _ := command.Flags().GetString(flagPerfBudgetName)
	if len(perfModeValue) == 0 {
		perfModeValue = configuration.PerfBudgetMode
	}
	perfMode, perfModeError := perf.ParseEnforcementMode(perfModeValue)
	if perfModeError != nil {
		return Options{}, perfModeError
	}

	return Options{
		ForceFull:        forceFull,
		SubsystemFilter:  subsystemFilter,
		PerfMode:         perfMode,
		JSONOutputPath:   jsonOutputPath,
		SARIFOutputPath:  sarifOutputPath,
		BundleOutputPath: bundleOutputPath,
	}, nil
}

func (builder *CommandBuilder) assembleService(configuration CommandConfiguration, logger *zap.Logger) (*Service, error) {
	clock := builder.Clock
	if clock == nil {
		clock = policy.SystemClock{}
	}

	registry := builder.Registry
	if registry == nil {
		registry = checks.DefaultRegistry()
	}

	store := policy.NewStore(configuration.PolicyPath, configuration.SuppressionPath, configuration.QuarantinePath, clock)
	verifier := metaaudit.NewVerifier(logger)

	executor, executorError := execshell.NewShellExecutor(logger, execshell.NewOSCommandRunner())
	if executorError != nil {
		return nil, executorError
	}
	gitReader := hashing.NewGitMetadataReader(executor, configuration.RepositoryRoot)

	var feed supplychain.VulnerabilityFeed
	if len(configuration.FeedPath) > 0 {
		feed = supplychain.NewFileVulnerabilityFeed(configuration.FeedPath)
	}

	var dispatcher report.AlertDispatcher
	if len(configuration.AlertWebhookURL) > 0 {
		dispatcher = report.NewWebhookDispatcher(configuration.AlertWebhookURL, logger)
	}

	return NewService(configuration, store, registry, verifier, gitReader, feed, nil, dispatcher, clock, logger), nil
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration().sanitize()
	}
	return builder.ConfigurationProvider().sanitize()
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	if builder.LoggerProvider == nil {
		return zap.NewNop()
	}
	logger := builder.LoggerProvider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
