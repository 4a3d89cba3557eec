package jobs

import (
	"crypto/sha256"
	"encoding/hex"

	"reelforge/internal/status"
)

// State is the lifecycle state of a job.
type State = status.State

const (
	StateQueued   = status.StateQueued
	StateRunning  = status.StateRunning
	StateSuccess  = status.StateSuccess
	StateError    = status.StateError
	StateTimeout  = status.StateTimeout
	StateCanceled = status.StateCanceled
)

// StepRecord is one append-only entry in a job's history.
type StepRecord = status.StepRecord

// Step names in execution order.
const (
	StepValidate = "validate"
	StepQuota    = "quota"
	StepAssets   = "assets"
	StepRender   = "render"
	StepAssemble = "assemble"
	StepPublish  = "publish"
)

// Steps lists the pipeline in order.
var Steps = []string{StepValidate, StepQuota, StepAssets, StepRender, StepAssemble, StepPublish}

// idempotentSteps may be retried; their side effects are keyed.
var idempotentSteps = map[string]bool{
	StepAssets:   true,
	StepAssemble: true,
	StepPublish:  true,
}

// IdempotencyKey derives the stable key for a job step.
func IdempotencyKey(jobID, step string) string {
	sum := sha256.Sum256([]byte(jobID + "/" + step))
	return hex.EncodeToString(sum[:])
}

// JobError is the terminal error of a job.
type JobError struct {
	Code    string `json:"code"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// JobResult is the outcome of a job once terminal.
type JobResult struct {
	JobID       string            `json:"job_id"`
	State       State             `json:"state"`
	ArtifactRef string            `json:"artifact_ref,omitempty"`
	DurationSec float64           `json:"duration_sec,omitempty"`
	Encoders    []string          `json:"encoders,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	Steps       []StepRecord      `json:"steps"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RetryOf     string            `json:"retry_of,omitempty"`
}
