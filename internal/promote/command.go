package promote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/coreaudit/internal/discovery"
	"github.com/temirov/coreaudit/internal/policy"
	"github.com/temirov/coreaudit/internal/sandbox"
)

const (
	commandNameConstant             = "promote <sandbox-id>"
	commandShortDescription         = "Verify and apply a sandboxed fix candidate"
	commandLongDescription          = "Promote verifies the named sandbox entry against its gates and, when every gate passes, applies the candidate to its target file atomically."
	flagDryRunName                  = "dry-run"
	flagDryRunDescription           = "Verify the candidate without touching the target file."
	flagListName                    = "list"
	flagListDescription             = "List pending sandbox entries instead of promoting."
	defaultSandboxDirectoryConstant = ".coreaudit/sandboxes"
	defaultPromotionLogConstant     = ".coreaudit/promotions.jsonl"
	pendingEntryTemplateConstant    = "%s  %s -> %s (%s)\n"
	noPendingEntriesMessageConstant = "no pending sandbox entries\n"
	promotedTemplateConstant        = "promoted %s (%s)\n"
	dryRunTemplateConstant          = "verified %s (dry run)\n"
)

// CommandConfiguration captures persistent settings for the promote
// command.
type CommandConfiguration struct {
	RepositoryRoot   string `mapstructure:"repository_root"`
	SubsystemSuffix  string `mapstructure:"subsystem_suffix"`
	SandboxDirectory string `mapstructure:"sandbox_directory"`
	PromotionLogPath string `mapstructure:"promotion_log_path"`
	PolicyPath       string `mapstructure:"policy_path"`
}

// DefaultCommandConfiguration returns baseline promote settings.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		RepositoryRoot:   ".",
		SandboxDirectory: defaultSandboxDirectoryConstant,
		PromotionLogPath: defaultPromotionLogConstant,
	}
}

func (configuration CommandConfiguration) sanitize() CommandConfiguration {
	sanitized := configuration

	sanitized.RepositoryRoot = strings.TrimSpace(configuration.RepositoryRoot)
	if len(sanitized.RepositoryRoot) == 0 {
		sanitized.RepositoryRoot = "."
	}
	sanitized.SubsystemSuffix = strings.TrimSpace(configuration.SubsystemSuffix)
	sanitized.SandboxDirectory = strings.TrimSpace(configuration.SandboxDirectory)
	if len(sanitized.SandboxDirectory) == 0 {
		sanitized.SandboxDirectory = defaultSandboxDirectoryConstant
	}
	sanitized.PromotionLogPath = strings.TrimSpace(configuration.PromotionLogPath)
	if len(sanitized.PromotionLogPath) == 0 {
		sanitized.PromotionLogPath = defaultPromotionLogConstant
	}
	sanitized.PolicyPath = strings.TrimSpace(configuration.PolicyPath)

	return sanitized
}

// LoggerProvider supplies a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// ConfigurationProvider supplies the persisted promote configuration.
type ConfigurationProvider func() CommandConfiguration

// CommandBuilder assembles the promote cobra command.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider ConfigurationProvider
	Clock                 policy.Clock
}

// Build constructs the promote command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   commandNameConstant,
		Short: commandShortDescription,
		Long:  commandLongDescription,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}

	command.Flags().Bool(flagDryRunName, false, flagDryRunDescription)
	command.Flags().Bool(flagListName, false, flagListDescription)

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	configuration := builder.resolveConfiguration()
	logger := builder.resolveLogger()

	clock := builder.Clock
	if clock == nil {
		clock = policy.SystemClock{}
	}
	manager := sandbox.NewManager(configuration.SandboxDirectory, clock, logger)

	listFlag, _ := command.Flags().GetBool(flagListName)
	if listFlag || len(arguments) == 0 {
		return builder.listPending(command, manager)
	}

	subsystems, discoveryError := discovery.NewDiscoverer(configuration.RepositoryRoot, configuration.SubsystemSuffix, logger).Discover()
	if discoveryError != nil {
		return discoveryError
	}

	promotionPolicy, policyError := builder.loadPromotionPolicy(configuration, clock)
	if policyError != nil {
		return policyError
	}

	promoter := NewPromoter(manager, discovery.Roots(subsystems), promotionPolicy, configuration.PromotionLogPath, clock, logger)

	dryRun, _ := command.Flags().GetBool(flagDryRunName)
	record, promoteError := promoter.Promote(arguments[0], dryRun)
	if promoteError != nil {
		return promoteError
	}

	if record.DryRun {
		fmt.Fprintf(command.OutOrStdout(), dryRunTemplateConstant, record.SandboxID)
	} else {
		fmt.Fprintf(command.OutOrStdout(), promotedTemplateConstant, record.SandboxID, record.Target)
	}
	return nil
}

func (builder *CommandBuilder) listPending(command *cobra.Command, manager *sandbox.Manager) error {
	pending, pendingError := manager.PendingEntries()
	if pendingError != nil {
		return pendingError
	}
	if len(pending) == 0 {
		fmt.Fprint(command.OutOrStdout(), noPendingEntriesMessageConstant)
		return nil
	}

	for _, entry := range pending {
		fmt.Fprintf(command.OutOrStdout(), pendingEntryTemplateConstant,
			entry.ID, entry.Subsystem, filepath.ToSlash(entry.TargetFile), entry.IssueType)
	}
	return nil
}

// loadPromotionPolicy reads only the promotion section of the policy. A
// missing policy file falls back to promotion defaults so promote remains
// usable outside a full audit checkout.
func (builder *CommandBuilder) loadPromotionPolicy(configuration CommandConfiguration, clock policy.Clock) (policy.PromotionPolicy, error) {
	if len(configuration.PolicyPath) == 0 {
		return policy.PromotionPolicy{}, nil
	}

	store := policy.NewStore(configuration.PolicyPath, "", "", clock)
	loadedPolicy, loadError := store.Load()
	if loadError != nil {
		if errors.Is(loadError, os.ErrNotExist) {
			return policy.PromotionPolicy{}, nil
		}
		return policy.PromotionPolicy{}, loadError
	}
	return loadedPolicy.Promotion, nil
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
