// Package jobs runs render jobs through the step sequence
// validate → quota → assets → render → assemble → publish.
//
// Each job runs on its own goroutine and owns an exclusive working directory.
// Steps run under individual timeouts inside a job-wide runtime ceiling;
// idempotent steps (assets, assemble, publish) are retried a bounded number of
// times with a stable idempotency key so collaborators can deduplicate side
// effects. Every finished step is appended to the status store, and the job
// document is frozen once the job reaches a terminal state.
package jobs
