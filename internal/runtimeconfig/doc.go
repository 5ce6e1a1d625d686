// Package runtimeconfig holds configuration that can change while the
// process runs: the metrics catalog and the policy rule set.
//
// Each is published as an immutable, versioned snapshot behind an atomic
// pointer. Readers take one snapshot at the start of a request and use it
// throughout, so a concurrent reload is never observed half-applied.
package runtimeconfig
