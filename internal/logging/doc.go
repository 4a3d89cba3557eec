// Package logging assembles structured slog loggers and formatting helpers used
// across reelforge.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so pipeline code tags log lines with job IDs,
// steps, and scene indices automatically. A no-op logger is provided for tests
// and wiring code that cannot fail.
package logging
