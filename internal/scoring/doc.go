// Package scoring converts findings and policy weights into a numeric score
// and gating status. Scoring is a pure function of its inputs: the same
// findings and policy always produce the same outcome.
package scoring
