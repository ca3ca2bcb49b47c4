package policy

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	commandNameConstant         = "policy"
	commandShortDescription     = "Inspect and validate the audit policy"
	validateCommandNameConstant = "validate"
	validateShortDescription    = "Validate the policy document and exemption registries"
	validateLongDescription     = "Validate parses the policy, checks its structure, and verifies every suppression and quarantine entry. Any invalid entry fails validation, matching the fail-closed behavior of an audit run."
	flagExpiryWindowName        = "expiring-within"
	flagExpiryWindowDescription = "List suppressions expiring within this many days."

	policyValidMessageConstant      = "policy %s (hash %s) is valid\n"
	registryIssueTemplateConstant   = "  %s: %s\n"
	invalidRegistryTemplateConstant = "exemption registries have %d invalid entries"
	expiringHeaderTemplateConstant  = "suppressions expiring within %d days:\n"
	expiringEntryTemplateConstant   = "  %s (owner %s) expires %s\n"
	registriesValidMessageConstant  = "suppression and quarantine registries are valid\n"
)

// CommandLoggerProvider supplies a zap logger for command execution.
type CommandLoggerProvider func() *zap.Logger

// CommandConfiguration captures persistent settings for the policy
// command.
type CommandConfiguration struct {
	PolicyPath      string `mapstructure:"policy_path"`
	SuppressionPath string `mapstructure:"suppression_path"`
	QuarantinePath  string `mapstructure:"quarantine_path"`
}

// CommandConfigurationProvider supplies the persisted policy settings.
type CommandConfigurationProvider func() CommandConfiguration

// CommandBuilder assembles the policy command group.
type CommandBuilder struct {
	LoggerProvider        CommandLoggerProvider
	ConfigurationProvider CommandConfigurationProvider
	KnownCheckNames       []string
	Clock                 Clock
}

// Build constructs the policy command with its validate subcommand.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	groupCommand := &cobra.Command{
		Use:   commandNameConstant,
		Short: commandShortDescription,
	}

	validateCommand := &cobra.Command{
		Use:   validateCommandNameConstant,
		Short: validateShortDescription,
		Long:  validateLongDescription,
		Args:  cobra.NoArgs,
		RunE:  builder.runValidate,
	}
	validateCommand.Flags().Int(flagExpiryWindowName, 0, flagExpiryWindowDescription)

	groupCommand.AddCommand(validateCommand)
	return groupCommand, nil
}

func (builder *CommandBuilder) runValidate(command *cobra.Command, arguments []string) error {
	configuration := builder.resolveConfiguration()
	store := NewStore(configuration.PolicyPath, configuration.SuppressionPath, configuration.QuarantinePath, builder.Clock)

	loadedPolicy, loadError := store.Load()
	if loadError != nil {
		return loadError
	}
	fmt.Fprintf(command.OutOrStdout(), policyValidMessageConstant, loadedPolicy.Version, loadedPolicy.ContentHash)

	suppressions, suppressionError := store.LoadSuppressions()
	if suppressionError != nil {
		return suppressionError
	}
	quarantines, quarantineError := store.LoadQuarantines()
	if quarantineError != nil {
		return quarantineError
	}

	var invalidEntryCount int
	if valid, issues := store.ValidateSuppressions(suppressions, loadedPolicy); !valid {
		invalidEntryCount += len(issues)
		builder.printIssues(command, "suppression", issues)
	}
	if valid, issues := store.ValidateQuarantines(quarantines, builder.KnownCheckNames, loadedPolicy); !valid {
		invalidEntryCount += len(issues)
		builder.printIssues(command, "quarantine", issues)
	}
	if invalidEntryCount > 0 {
		return fmt.Errorf(invalidRegistryTemplateConstant, invalidEntryCount)
	}
	fmt.Fprint(command.OutOrStdout(), registriesValidMessageConstant)

	windowDays, _ := command.Flags().GetInt(flagExpiryWindowName)
	expiring := store.ExpiringSuppressions(suppressions, windowDays)
	if len(expiring) > 0 {
		if windowDays <= 0 {
			windowDays = expiringSoonDefaultWindowDaysConstant
		}
		fmt.Fprintf(command.OutOrStdout(), expiringHeaderTemplateConstant, windowDays)
		for _, entry := range expiring {
			fmt.Fprintf(command.OutOrStdout(), expiringEntryTemplateConstant, entry.PatternID, entry.Owner, entry.ExpiresOn)
		}
	}

	return nil
}

func (builder *CommandBuilder) printIssues(command *cobra.Command, registryName string, issues []ValidationIssue) {
	for _, issue := range issues {
		fmt.Fprintf(command.ErrOrStderr(), registryIssueTemplateConstant, registryName, issue.Reason)
	}
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return CommandConfiguration{}
	}
	configuration := builder.ConfigurationProvider()
	configuration.PolicyPath = strings.TrimSpace(configuration.PolicyPath)
	configuration.SuppressionPath = strings.TrimSpace(configuration.SuppressionPath)
	configuration.QuarantinePath = strings.TrimSpace(configuration.QuarantinePath)
	return configuration
}
