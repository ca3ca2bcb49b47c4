// Package policy loads and validates the declarative audit policy: scoring
// weights, per-subsystem quality bars, production gates, and the suppression
// and quarantine registries. Validation is fail-closed; a single invalid
// registry entry invalidates the whole set.
package policy
