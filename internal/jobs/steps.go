package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"reelforge/internal/assemble"
	"reelforge/internal/logging"
	"reelforge/internal/plan"
	"reelforge/internal/render"
	"reelforge/internal/scheduler"
	"reelforge/internal/services"
	"reelforge/internal/textutil"
)

func (o *Orchestrator) validate(_ context.Context, j *job, _ string) (string, error) {
	if err := j.plan.Validate(o.opts.Limits); err != nil {
		return "", err
	}
	if err := j.profile.Validate(); err != nil {
		return "", services.Wrap(services.ErrInvalidPlan, "jobs", "validate", "render profile", err)
	}
	if err := os.MkdirAll(j.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create job work dir: %w", err)
	}
	return fmt.Sprintf("%d scenes, %s profile", len(j.plan.Scenes), j.profile.Tier), nil
}

func (o *Orchestrator) checkQuota(ctx context.Context, j *job, _ string) (string, error) {
	err := o.deps.Quota.Check(ctx, QuotaRequest{
		JobID:        j.id,
		Tier:         j.profile.Tier,
		SceneCount:   len(j.plan.Scenes),
		TotalSeconds: j.plan.TotalDuration(),
	})
	switch {
	case err == nil:
		return "allowed", nil
	case errors.Is(err, services.ErrQuotaExceeded):
		return "", err
	default:
		return "", services.Wrap(services.ErrTransient, "jobs", "quota", "quota check failed", err)
	}
}

// generateAssets fills in scene media. Assets produced by an earlier attempt,
// or carried over from a retried job, are reused.
func (o *Orchestrator) generateAssets(ctx context.Context, j *job, key string) (string, error) {
	n := len(j.plan.Scenes)
	if j.assets == nil {
		j.assets = make([]*AssetResult, n)
		copy(j.assets, j.seeded)
	}
	dir := filepath.Join(j.workDir, "assets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}

	var (
		mu        sync.Mutex
		generated int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.AssetWorkers)
	for i, scene := range j.plan.Scenes {
		if j.assets[i] != nil {
			continue
		}
		g.Go(func() error {
			res, err := o.deps.Assets.Generate(gctx, AssetRequest{
				JobID:          j.id,
				IdempotencyKey: fmt.Sprintf("%s/%d", key, i),
				Scene:          scene,
				Dir:            dir,
			})
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, services.ErrAssetGenerationFailed) {
					return err
				}
				return services.Wrap(services.ErrAssetGenerationFailed, "jobs", "assets", fmt.Sprintf("scene %d", scene.Index), err)
			}
			mu.Lock()
			j.assets[i] = &res
			j.generated++
			generated++
			done := generated
			mu.Unlock()
			o.notify(j, StepAssets, o.percent(j.stepIdx, float64(done)/float64(n)), fmt.Sprintf("scene %d assets ready", scene.Index))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	j.scenes = make([]plan.Scene, n)
	for i, scene := range j.plan.Scenes {
		a := j.assets[i]
		scene.ImageRef = a.ImageRef
		scene.NarrationRef = a.NarrationRef
		scene.DurationSec = a.DurationSec
		j.scenes[i] = scene
	}
	return fmt.Sprintf("%d generated, %d reused", generated, n-generated), nil
}

func (o *Orchestrator) renderScenes(ctx context.Context, j *job, _ string) (string, error) {
	rec := o.deps.Capability.Probe(ctx)
	j.cpuEncoder = rec.CPUEncoder
	if !rec.HasGPU() {
		j.logger.Debug("no gpu encoder available; rendering on cpu", logging.String("cpu_encoder", rec.CPUEncoder))
	}
	segments, err := scheduler.RenderAll(ctx, o.deps.Renderer, j.scenes, j.profile, rec, scheduler.Options{
		MaxWorkers: o.opts.MaxWorkers,
		WorkDir:    filepath.Join(j.workDir, "segments"),
		Logger:     o.deps.Logger,
		OnSceneDone: func(done, total int, res render.SegmentResult) {
			o.notify(j, StepRender, o.percent(j.stepIdx, float64(done)/float64(total)),
				fmt.Sprintf("scene %d rendered on %s (%d/%d)", res.Index, res.EncoderUsed, done, total))
		},
	})
	j.segments = completed(segments)
	if err != nil {
		return "", err
	}

	var encoders []string
	hits := 0
	for _, seg := range segments {
		if seg.Encoder != "" && !slices.Contains(encoders, seg.Encoder) {
			encoders = append(encoders, seg.Encoder)
		}
		if seg.CacheHit {
			hits++
		}
	}
	j.encoders = encoders
	return fmt.Sprintf("%d scenes on %s, %d cache hits", len(segments), strings.Join(encoders, ","), hits), nil
}

func (o *Orchestrator) assembleArtifact(ctx context.Context, j *job, _ string) (string, error) {
	name := fmt.Sprintf("%s-%s.mp4", textutil.Slug(j.plan.Title, "reel", 48), j.id[:8])
	art, err := o.deps.Assembler.Assemble(ctx, assemble.Request{
		Segments:   j.segments,
		AudioTrack: j.plan.AudioTrack,
		Watermark:  j.plan.Watermark,
		Profile:    j.profile,
		OutputPath: filepath.Join(o.opts.OutputDir, name),
		Encoder:    j.cpuEncoder,
		WorkDir:    j.workDir,
	})
	if err != nil {
		return "", err
	}
	j.artifact = art
	detail := fmt.Sprintf("%.3fs, reencoded=%t", art.DurationSec, art.Reencoded)
	if len(art.Warnings) > 0 {
		detail += "; " + strings.Join(art.Warnings, "; ")
	}
	return detail, nil
}

func (o *Orchestrator) publishArtifact(ctx context.Context, j *job, key string) (string, error) {
	if len(o.deps.Publish) == 0 {
		return "no publish hooks configured", errSkipped
	}
	req := PublishRequest{
		JobID:          j.id,
		IdempotencyKey: key,
		Title:          j.plan.Title,
		Tier:           j.profile.Tier,
		ArtifactPath:   j.artifact.Path,
		DurationSec:    j.artifact.DurationSec,
	}
	for i, hook := range o.deps.Publish {
		if err := hook.Publish(ctx, req); err != nil {
			return "", services.Wrap(services.ErrExternalTool, "jobs", "publish", fmt.Sprintf("hook %d", i+1), err)
		}
	}
	return fmt.Sprintf("%d hooks notified", len(o.deps.Publish)), nil
}

// completed drops placeholder results of scenes that never finished.
func completed(segments []render.SegmentResult) []render.SegmentResult {
	out := make([]render.SegmentResult, 0, len(segments))
	for _, seg := range segments {
		if seg.Path != "" {
			out = append(out, seg)
		}
	}
	return out
}
