package status

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process status store with the same rules as Store.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*Job
	keys map[string]string
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: map[string]*Job{}, keys: map[string]string{}}
}

func (m *Memory) CreateJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.State == "" {
		job.State = StateQueued
	}
	if job.State != StateQueued {
		return fmt.Errorf("%w: new jobs start queued, got %s", ErrInvalidTransition, job.State)
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Steps = nil
	stored := job.Clone()
	m.jobs[job.ID] = &stored
	return nil
}

func (m *Memory) AppendStep(_ context.Context, jobID string, rec StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrFrozen, jobID)
	}
	rec.Seq = len(job.Steps) + 1
	job.Steps = append(job.Steps, rec)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, jobID string, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrFrozen, jobID)
	}
	to := cmp.Or(upd.State, job.State)
	if to != job.State && !ValidTransition(job.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, to)
	}
	now := time.Now().UTC()
	job.State = to
	job.ArtifactRef = upd.ArtifactRef
	job.DurationSec = upd.DurationSec
	job.Encoders = slices.Clone(upd.Encoders)
	job.ErrorCode = upd.ErrorCode
	job.ErrorStep = upd.ErrorStep
	job.ErrorMessage = upd.ErrorMessage
	job.Metadata = nil
	if len(upd.Metadata) > 0 {
		job.Metadata = make(map[string]string, len(upd.Metadata))
		for k, v := range upd.Metadata {
			job.Metadata[k] = v
		}
	}
	job.UpdatedAt = now
	if to.Terminal() {
		job.FinishedAt = &now
	}
	return nil
}

func (m *Memory) ClaimKey(_ context.Context, jobID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = jobID
	return true, nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	out := job.Clone()
	return &out, nil
}

func (m *Memory) ListJobs(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		header := job.Clone()
		header.Steps = nil
		out = append(out, header)
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
