// Package observability provides structured logging and pipeline counters
// for the analytics control plane.
//
// This package implements:
//   - zap logger construction per environment and level
//   - Request ID propagation into log fields
//   - Outcome counters per terminal pipeline state
package observability
