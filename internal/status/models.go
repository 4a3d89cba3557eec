package status

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateSuccess  State = "success"
	StateError    State = "error"
	StateTimeout  State = "timeout"
	StateCanceled State = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateError, StateTimeout, StateCanceled:
		return true
	}
	return false
}

// ValidTransition reports whether from may move to to.
func ValidTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCanceled
	case StateRunning:
		return to.Terminal()
	default:
		return false
	}
}

// StepStatus is the outcome of one step attempt.
type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepError    StepStatus = "error"
	StepTimeout  StepStatus = "timeout"
	StepCanceled StepStatus = "canceled"
	StepSkipped  StepStatus = "skipped"
)

var (
	// ErrFrozen is returned when writing to a job in a terminal state.
	ErrFrozen = errors.New("job document is frozen")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for state changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDuplicate is returned when creating a job id twice.
	ErrDuplicate = errors.New("job already exists")
)

// StepRecord captures one finished step. Records are never modified.
type StepRecord struct {
	Seq        int        `json:"seq"`
	Step       string     `json:"step"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Status     StepStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	// EncoderUsed is "gpu", "cpu", or "gpu,cpu" for mixed render batches.
	EncoderUsed    string `json:"encoder_used,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Job is the status document of one job.
type Job struct {
	ID           string            `json:"job_id"`
	State        State             `json:"state"`
	Tier         string            `json:"profile"`
	Title        string            `json:"title,omitempty"`
	SceneCount   int               `json:"scene_count"`
	RetryOf      string            `json:"retry_of,omitempty"`
	ArtifactRef  string            `json:"artifact_ref,omitempty"`
	DurationSec  float64           `json:"duration_sec,omitempty"`
	Encoders     []string          `json:"encoders,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorStep    string            `json:"error_step,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Steps        []StepRecord      `json:"steps"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	out := j
	out.Encoders = slices.Clone(j.Encoders)
	out.Metadata = maps.Clone(j.Metadata)
	out.Steps = slices.Clone(j.Steps)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Update carries the mutable header fields of a job document.
type Update struct {
	State        State
	ArtifactRef  string
	DurationSec  float64
	Encoders     []string
	ErrorCode    string
	ErrorStep    string
	ErrorMessage string
	Metadata     map[string]string
}
