// Package findings defines the data model shared by every audit component:
// severities, findings emitted by check plugins, and per-subsystem results
// produced by the scoring engine.
package findings
