// Package notifications delivers job outcomes to ntfy.
//
// NewService returns a no-op when no topic is configured, so callers never
// need to branch on whether notifications are enabled. Hook adapts a Service
// into a publish hook for the job orchestrator.
package notifications
