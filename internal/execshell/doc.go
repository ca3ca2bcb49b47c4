// Package execshell provides structured helpers for invoking external tools.
//
// It wraps os/exec with logging and timeouts via ShellExecutor and exposes
// OSCommandRunner for default process execution. The audit pipeline funnels
// every subprocess through this package: git metadata, git-diff change
// detection, and optional external scanner tools.
package execshell
