// Package status persists one document per job: its state, ordered step
// records, encoders used, artifact reference, and error detail.
//
// Step records are append-only and a job document is frozen once it reaches a
// terminal state. The SQLite implementation enforces both with triggers, so a
// buggy caller cannot rewrite history even through raw SQL. Memory mirrors the
// same rules for tests and one-shot CLI runs.
package status
