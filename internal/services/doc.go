// Package services defines shared utilities consumed by the render pipeline
// components and the job orchestrator.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, step names, scene indices, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into the machine-readable codes callers map to responses.
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability, retries) stays uniform.
package services
