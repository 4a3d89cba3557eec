package jobs

import (
	"context"
	"fmt"
	"math"
	"os"

	"reelforge/internal/assemble"
	"reelforge/internal/capability"
	"reelforge/internal/media/ffprobe"
	"reelforge/internal/plan"
	"reelforge/internal/profile"
	"reelforge/internal/services"
	"reelforge/internal/status"
)

// AssetRequest asks for the media of one scene.
type AssetRequest struct {
	JobID          string
	IdempotencyKey string
	Scene          plan.Scene
	// Dir is the job-scoped directory generated files should be written to.
	Dir string
}

// AssetResult is the generated media of one scene.
type AssetResult struct {
	ImageRef     string  `json:"image_ref"`
	NarrationRef string  `json:"narration_ref,omitempty"`
	DurationSec  float64 `json:"duration_sec"`
}

// AssetGenerator produces scene media from text and voice settings.
type AssetGenerator interface {
	Generate(ctx context.Context, req AssetRequest) (AssetResult, error)
}

// QuotaRequest describes the work about to be dispatched.
type QuotaRequest struct {
	JobID        string
	Tier         profile.Tier
	SceneCount   int
	TotalSeconds float64
}

// UsageReport is sent after a heavy step succeeds. IdempotencyKey is stable
// across retries of the same step.
type UsageReport struct {
	JobID          string
	Step           string
	IdempotencyKey string
	Units          float64
}

// QuotaService gates heavy work. Check returns an error wrapping
// services.ErrQuotaExceeded to deny.
type QuotaService interface {
	Check(ctx context.Context, req QuotaRequest) error
	Report(ctx context.Context, usage UsageReport) error
}

// PublishRequest is handed to publish hooks.
type PublishRequest struct {
	JobID          string
	IdempotencyKey string
	Title          string
	Tier           profile.Tier
	ArtifactPath   string
	DurationSec    float64
}

// PublishHook delivers a finished artifact.
type PublishHook interface {
	Publish(ctx context.Context, req PublishRequest) error
}

// Progress is one progress notification.
type Progress struct {
	JobID   string  `json:"job_id"`
	Step    string  `json:"step"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// ProgressObserver receives progress notifications. It may be slow or fail;
// neither affects the job.
type ProgressObserver interface {
	OnProgress(ctx context.Context, p Progress)
}

// ProgressFunc adapts a function to ProgressObserver.
type ProgressFunc func(ctx context.Context, p Progress)

func (f ProgressFunc) OnProgress(ctx context.Context, p Progress) {
	if f != nil {
		f(ctx, p)
	}
}

// CapabilityProvider supplies the capability record. *capability.Prober satisfies it.
type CapabilityProvider interface {
	Probe(ctx context.Context) capability.Record
}

// Stitcher assembles segments. *assemble.Assembler satisfies it.
type Stitcher interface {
	Assemble(ctx context.Context, req assemble.Request) (assemble.Artifact, error)
}

// StatusStore persists job documents. status.Store and status.Memory satisfy it.
type StatusStore interface {
	CreateJob(ctx context.Context, job status.Job) error
	AppendStep(ctx context.Context, jobID string, rec status.StepRecord) error
	UpdateJob(ctx context.Context, jobID string, upd status.Update) error
	ClaimKey(ctx context.Context, jobID, key string) (bool, error)
	GetJob(ctx context.Context, jobID string) (*status.Job, error)
	ListJobs(ctx context.Context, limit int) ([]status.Job, error)
}

// AllowAllQuota never denies and discards usage.
type AllowAllQuota struct{}

func (AllowAllQuota) Check(context.Context, QuotaRequest) error { return nil }
func (AllowAllQuota) Report(context.Context, UsageReport) error { return nil }

// PassthroughAssets uses media already referenced by the plan. Scenes without
// an explicit duration take the narration length.
type PassthroughAssets struct {
	Probe ffprobe.Inspector
}

func (p PassthroughAssets) Generate(ctx context.Context, req AssetRequest) (AssetResult, error) {
	scene := req.Scene
	fail := func(msg string, err error) (AssetResult, error) {
		return AssetResult{}, services.Wrap(services.ErrAssetGenerationFailed, "assets", "passthrough",
			fmt.Sprintf("scene %d: %s", scene.Index, msg), err)
	}
	if scene.ImageRef == "" {
		return fail("no image_ref and no asset generator configured", nil)
	}
	if _, err := os.Stat(scene.ImageRef); err != nil {
		return fail("image unavailable", err)
	}
	res := AssetResult{ImageRef: scene.ImageRef, NarrationRef: scene.NarrationRef, DurationSec: scene.DurationSec}
	if res.DurationSec > 0 {
		return res, nil
	}
	if scene.NarrationRef == "" || p.Probe == nil {
		return fail("duration unknown", nil)
	}
	probed, err := p.Probe.Inspect(ctx, scene.NarrationRef)
	if err != nil {
		return fail("probe narration", err)
	}
	d := probed.DurationSeconds()
	if d <= 0 || math.IsNaN(d) {
		return fail("narration has no duration", nil)
	}
	res.DurationSec = d
	return res, nil
}
