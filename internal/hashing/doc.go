// Package hashing supplies the content hashing and change detection
// primitives behind differential auditing: SHA-256 file and tree hashes,
// ignore-pattern handling, and a git-backed changed-path reader used as an
// accelerator and for report provenance.
package hashing
