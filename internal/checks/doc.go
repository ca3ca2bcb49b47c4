// Package checks hosts the pluggable audit analyzers. Every check is a
// stateless implementation of the Check interface, registered by name and
// dispatched against a read-only subsystem view; checks never write inside
// the tree they inspect.
package checks
