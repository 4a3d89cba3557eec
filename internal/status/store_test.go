package status_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reelforge/internal/status"
	"reelforge/internal/testsupport"
)

type backend interface {
	CreateJob(ctx context.Context, job status.Job) error
	AppendStep(ctx context.Context, jobID string, rec status.StepRecord) error
	UpdateJob(ctx context.Context, jobID string, upd status.Update) error
	ClaimKey(ctx context.Context, jobID, key string) (bool, error)
	GetJob(ctx context.Context, jobID string) (*status.Job, error)
	ListJobs(ctx context.Context, limit int) ([]status.Job, error)
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store, err := status.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return map[string]backend{
		"sqlite": store,
		"memory": status.NewMemory(),
	}
}

func step(name string, st status.StepStatus) status.StepRecord {
	now := time.Now().UTC()
	return status.StepRecord{Step: name, StartedAt: now.Add(-time.Second), FinishedAt: now, Status: st}
}

func TestJobLifecycle(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.CreateJob(ctx, status.Job{ID: "job-1", Tier: "preview", SceneCount: 2}); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := b.CreateJob(ctx, status.Job{ID: "job-1"}); !errors.Is(err, status.ErrDuplicate) {
				t.Fatalf("expected duplicate error, got %v", err)
			}
			if err := b.UpdateJob(ctx, "job-1", status.Update{State: status.StateRunning}); err != nil {
				t.Fatalf("start: %v", err)
			}
			if err := b.AppendStep(ctx, "job-1", step("validate", status.StepSuccess)); err != nil {
				t.Fatalf("append validate: %v", err)
			}
			render := step("render", status.StepSuccess)
			render.EncoderUsed = "gpu"
			if err := b.AppendStep(ctx, "job-1", render); err != nil {
				t.Fatalf("append render: %v", err)
			}
			if err := b.UpdateJob(ctx, "job-1", status.Update{
				State:       status.StateSuccess,
				ArtifactRef: "/out/final.mp4",
				DurationSec: 7,
				Encoders:    []string{"h264_nvenc"},
				Metadata:    map[string]string{"scenes": "2"},
			}); err != nil {
				t.Fatalf("finish: %v", err)
			}

			job, err := b.GetJob(ctx, "job-1")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if job.State != status.StateSuccess || job.ArtifactRef != "/out/final.mp4" || job.FinishedAt == nil {
				t.Fatalf("unexpected job %+v", job)
			}
			if len(job.Steps) != 2 || job.Steps[0].Seq != 1 || job.Steps[1].Step != "render" || job.Steps[1].EncoderUsed != "gpu" {
				t.Fatalf("unexpected steps %+v", job.Steps)
			}
			if len(job.Encoders) != 1 || job.Metadata["scenes"] != "2" {
				t.Fatalf("unexpected header %+v", job)
			}
		})
	}
}

func TestTerminalJobsAreFrozen(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.CreateJob(ctx, status.Job{ID: "job-2", Tier: "final"}); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := b.UpdateJob(ctx, "job-2", status.Update{State: status.StateCanceled}); err != nil {
				t.Fatalf("cancel queued job: %v", err)
			}
			if err := b.AppendStep(ctx, "job-2", step("render", status.StepSuccess)); !errors.Is(err, status.ErrFrozen) {
				t.Fatalf("expected frozen on append, got %v", err)
			}
			if err := b.UpdateJob(ctx, "job-2", status.Update{State: status.StateRunning}); !errors.Is(err, status.ErrFrozen) {
				t.Fatalf("expected frozen on update, got %v", err)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.CreateJob(ctx, status.Job{ID: "job-3", Tier: "final"}); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := b.UpdateJob(ctx, "job-3", status.Update{State: status.StateSuccess}); !errors.Is(err, status.ErrInvalidTransition) {
				t.Fatalf("queued->success must be rejected, got %v", err)
			}
			if err := b.UpdateJob(ctx, "missing", status.Update{State: status.StateRunning}); !errors.Is(err, status.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if err := b.AppendStep(ctx, "missing", step("validate", status.StepSuccess)); !errors.Is(err, status.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if _, err := b.GetJob(ctx, "missing"); !errors.Is(err, status.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestClaimKeyOnce(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := b.ClaimKey(ctx, "job-4", "key-a")
			if err != nil || !first {
				t.Fatalf("first claim = %v, %v", first, err)
			}
			again, err := b.ClaimKey(ctx, "job-4", "key-a")
			if err != nil || again {
				t.Fatalf("second claim = %v, %v", again, err)
			}
		})
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			for i, id := range []string{"old", "mid", "new"} {
				if err := b.CreateJob(ctx, status.Job{ID: id, Tier: "preview", CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
					t.Fatalf("CreateJob: %v", err)
				}
			}
			jobs, err := b.ListJobs(ctx, 2)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(jobs) != 2 || jobs[0].ID != "new" || jobs[1].ID != "mid" {
				t.Fatalf("unexpected order %+v", jobs)
			}
		})
	}
}

func TestStepsCannotBeRewrittenThroughSQL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := status.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.CreateJob(ctx, status.Job{ID: "job-5", Tier: "preview"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateJob(ctx, "job-5", status.Update{State: status.StateRunning}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.AppendStep(ctx, "job-5", step("validate", status.StepSuccess)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := status.ExecForTests(store, `UPDATE job_steps SET status = 'error'`); err == nil {
		t.Fatal("expected trigger to reject step rewrite")
	}
	if err := status.ExecForTests(store, `DELETE FROM job_steps`); err == nil {
		t.Fatal("expected trigger to reject step deletion")
	}
}

func TestReopenKeepsDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := status.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	ctx := context.Background()
	if err := store.CreateJob(ctx, status.Job{ID: "job-6", Tier: "final", Title: "Demo"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	_ = store.Close()

	reopened, err := status.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	job, err := reopened.GetJob(ctx, "job-6")
	if err != nil || job.Title != "Demo" || job.State != status.StateQueued {
		t.Fatalf("unexpected job after reopen: %+v, %v", job, err)
	}
}
