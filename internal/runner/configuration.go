package runner

import (
	"strings"

	pathutils "github.com/temirov/coreaudit/internal/utils/path"
)

// Default pipeline settings applied when configuration and flags leave a
// value unset.
const (
	defaultWorkerCountConstant       = 4
	defaultRunTimeoutSecondsConstant = 300
	defaultStateDirectoryConstant    = ".coreaudit"
	defaultPerfModeConstant          = "warn"
	defaultPolicyPathConstant        = "audit_policy.yaml"
	defaultSuppressionPathConstant   = "suppressions.yaml"
	defaultQuarantinePathConstant    = "quarantine.yaml"
)

// CommandConfiguration captures persistent settings for the run command.
type CommandConfiguration struct {
	RepositoryRoot  string `mapstructure:"repository_root"`
	SubsystemSuffix string `mapstructure:"subsystem_suffix"`
	PolicyPath      string `mapstructure:"policy_path"`
	SuppressionPath string `mapstructure:"suppression_path"`
	QuarantinePath  string `mapstructure:"quarantine_path"`
	StateDirectory  string `mapstructure:"state_directory"`
	WorkerCount     int    `mapstructure:"worker_count"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	PerfBudgetMode  string `mapstructure:"perf_budget"`
	AlertWebhookURL string `mapstructure:"alert_webhook_url"`
	FeedPath        string `mapstructure:"vulnerability_feed_path"`
	Debug           bool   `mapstructure:"debug"`
}

// DefaultCommandConfiguration returns baseline configuration values for
// the run command.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		RepositoryRoot: ".",
		StateDirectory: defaultStateDirectoryConstant,
		WorkerCount:    defaultWorkerCountConstant,
		TimeoutSeconds: defaultRunTimeoutSecondsConstant,
		PerfBudgetMode: defaultPerfModeConstant,
	}
}

// sanitize trims whitespace, expands home shortcuts, and applies defaults to
// unset values.
func (configuration CommandConfiguration) sanitize() CommandConfiguration {
	sanitized := configuration
	homeExpander := pathutils.NewHomeExpander()

	sanitized.RepositoryRoot = homeExpander.Expand(strings.TrimSpace(configuration.RepositoryRoot))
	if len(sanitized.RepositoryRoot) == 0 {
		sanitized.RepositoryRoot = "."
	}

	sanitized.SubsystemSuffix = strings.TrimSpace(configuration.SubsystemSuffix)
	sanitized.PolicyPath = strings.TrimSpace(configuration.PolicyPath)
	if len(sanitized.PolicyPath) == 0 {
		sanitized.PolicyPath = defaultPolicyPathConstant
	}
	sanitized.SuppressionPath = strings.TrimSpace(configuration.SuppressionPath)
	if len(sanitized.SuppressionPath) == 0 {
		sanitized.SuppressionPath = defaultSuppressionPathConstant
	}
	sanitized.QuarantinePath = strings.TrimSpace(configuration.QuarantinePath)
	if len(sanitized.QuarantinePath) == 0 {
		sanitized.QuarantinePath = defaultQuarantinePathConstant
	}
	sanitized.AlertWebhookURL = strings.TrimSpace(configuration.AlertWebhookURL)
	sanitized.FeedPath = strings.TrimSpace(configuration.FeedPath)

	sanitized.StateDirectory = strings.TrimSpace(configuration.StateDirectory)
	if len(sanitized.StateDirectory) == 0 {
		sanitized.StateDirectory = defaultStateDirectoryConstant
	}

	if sanitized.WorkerCount <= 0 {
		sanitized.WorkerCount = defaultWorkerCountConstant
	}
	if sanitized.TimeoutSeconds <= 0 {
		sanitized.TimeoutSeconds = defaultRunTimeoutSecondsConstant
	}

	sanitized.PerfBudgetMode = strings.TrimSpace(configuration.PerfBudgetMode)
	if len(sanitized.PerfBudgetMode) == 0 {
		sanitized.PerfBudgetMode = defaultPerfModeConstant
	}

	return sanitized
}
