package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"reelforge/internal/logging"
	"reelforge/internal/render"
	"reelforge/internal/services"
	"reelforge/internal/status"
)

// errSkipped marks a step that had nothing to do.
var errSkipped = errors.New("step skipped")

type stepFunc func(ctx context.Context, j *job, key string) (string, error)

func (o *Orchestrator) run(j *job) {
	defer j.cancel(nil)

	select {
	case o.slots <- struct{}{}:
		defer func() { <-o.slots }()
	case <-j.ctx.Done():
		o.fail(j, "", context.Cause(j.ctx))
		return
	}
	if j.ctx.Err() != nil {
		o.fail(j, "", context.Cause(j.ctx))
		return
	}

	j.started = time.Now()
	j.workDir = filepath.Join(o.opts.WorkDir, j.id)
	if err := o.deps.Store.UpdateJob(j.ctx, j.id, status.Update{State: StateRunning}); err != nil {
		j.logger.Warn("status store rejected running transition", logging.Error(err))
	}
	o.publish(j, func(r *JobResult) { r.State = StateRunning })
	j.logger.Info("job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("work_dir", j.workDir),
	)

	runCtx := j.ctx
	if o.opts.TotalRuntime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(j.ctx, o.opts.TotalRuntime, o.runtimeExceeded())
		defer cancel()
	}

	for i, name := range Steps {
		j.stepIdx = i
		if err := o.runStep(runCtx, j, name); err != nil {
			o.fail(j, name, err)
			return
		}
		if o.opts.TotalRuntime > 0 && time.Since(j.started) > o.opts.TotalRuntime {
			o.fail(j, name, o.runtimeExceeded())
			return
		}
	}
	o.succeed(j)
}

func (o *Orchestrator) runStep(ctx context.Context, j *job, name string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	fn := o.stepFunc(name)
	attempts := 1
	key := ""
	if idempotentSteps[name] {
		attempts += o.opts.StepRetries
		key = IdempotencyKey(j.id, name)
	}

	stepCtx := services.WithStep(ctx, name)
	logger := logging.WithContext(stepCtx, o.logger)
	rec := StepRecord{Step: name, StartedAt: time.Now().UTC(), IdempotencyKey: key}
	o.notify(j, name, o.percent(j.stepIdx, 0), name+" started")
	logger.Debug("step started", logging.String(logging.FieldEventType, "step_start"))

	var (
		detail string
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		rec.RetryCount = attempt - 1
		detail, err = o.attempt(stepCtx, j, name, key, fn)
		if err == nil || errors.Is(err, errSkipped) || attempt == attempts || !services.Retryable(err) || ctx.Err() != nil {
			break
		}
		logging.WarnWithContext(logger, "step failed; retrying", "step_retry",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", attempts),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "transient failures are retried with the same idempotency key"),
			logging.String(logging.FieldImpact, "step delayed"),
		)
		if !sleepCtx(ctx, o.opts.RetryBackoff*time.Duration(attempt)) {
			err = context.Cause(ctx)
			break
		}
	}

	rec.FinishedAt = time.Now().UTC()
	rec.Status = stepStatus(err)
	rec.Detail = detail
	if err != nil && !errors.Is(err, errSkipped) {
		rec.Detail = services.Message(err)
	}
	if name == StepRender {
		rec.EncoderUsed = encoderClasses(j.segments)
	}
	o.record(j, rec)

	if err != nil && !errors.Is(err, errSkipped) {
		return err
	}
	o.reportUsage(stepCtx, j, name)
	o.notify(j, name, o.percent(j.stepIdx+1, 0), name+" complete")
	logger.Info("step completed",
		logging.String(logging.FieldEventType, "step_complete"),
		logging.String("status", string(rec.Status)),
		logging.Int("retries", rec.RetryCount),
		logging.String("detail", rec.Detail),
		logging.Duration("step_duration", rec.FinishedAt.Sub(rec.StartedAt)),
	)
	return nil
}

// attempt runs fn once under the step budget. A step that outlives its budget
// fails with StepTimeout even when it ignores cancellation and returns nil.
func (o *Orchestrator) attempt(ctx context.Context, j *job, name, key string, fn stepFunc) (string, error) {
	timeout := o.opts.StepTimeouts[name]
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeoutCause(ctx, timeout,
			services.Wrap(services.ErrStepTimeout, "jobs", name, fmt.Sprintf("exceeded %s budget", timeout), nil))
		defer cancel()
	}
	detail, err := fn(stepCtx, j, key)
	switch {
	case ctx.Err() != nil:
		return detail, context.Cause(ctx)
	case stepCtx.Err() != nil:
		return detail, context.Cause(stepCtx)
	}
	return detail, err
}

func (o *Orchestrator) stepFunc(name string) stepFunc {
	switch name {
	case StepValidate:
		return o.validate
	case StepQuota:
		return o.checkQuota
	case StepAssets:
		return o.generateAssets
	case StepRender:
		return o.renderScenes
	case StepAssemble:
		return o.assembleArtifact
	default:
		return o.publishArtifact
	}
}

func (o *Orchestrator) record(j *job, rec StepRecord) {
	j.steps = append(j.steps, rec)
	if err := o.deps.Store.AppendStep(context.WithoutCancel(j.ctx), j.id, rec); err != nil {
		j.logger.Warn("status store rejected step record", logging.String("step", rec.Step), logging.Error(err))
	}
	o.publish(j, func(r *JobResult) { r.Steps = append(r.Steps, rec) })
}

// reportUsage sends usage once per job step, guarded by a claimed key so a
// retried or duplicated step never charges twice.
func (o *Orchestrator) reportUsage(ctx context.Context, j *job, name string) {
	var units float64
	switch name {
	case StepAssets:
		units = float64(j.generated)
	case StepRender:
		for _, seg := range j.segments {
			if !seg.CacheHit {
				units += seg.DurationSec
			}
		}
	case StepAssemble:
		units = j.artifact.DurationSec
	default:
		return
	}
	key := IdempotencyKey(j.id, "usage/"+name)
	claimed, err := o.deps.Store.ClaimKey(ctx, j.id, key)
	if err != nil {
		j.logger.Warn("usage key claim failed; not reporting", logging.String("step", name), logging.Error(err))
		return
	}
	if !claimed {
		return
	}
	if err := o.deps.Quota.Report(ctx, UsageReport{JobID: j.id, Step: name, IdempotencyKey: key, Units: units}); err != nil {
		logging.WarnWithContext(j.logger, "usage report failed", "usage_report_failed",
			logging.String("step", name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the quota service"),
			logging.String(logging.FieldImpact, "usage for this step is unrecorded"),
		)
	}
}

func (o *Orchestrator) succeed(j *job) {
	meta := o.metadata(j)
	upd := status.Update{
		State:       StateSuccess,
		ArtifactRef: j.artifact.Path,
		DurationSec: j.artifact.DurationSec,
		Encoders:    j.encoders,
		Metadata:    meta,
	}
	if err := o.deps.Store.UpdateJob(context.WithoutCancel(j.ctx), j.id, upd); err != nil {
		j.logger.Warn("status store rejected success", logging.Error(err))
	}
	// Segments are reproducible from the cache; generated assets stay for Retry.
	_ = os.RemoveAll(filepath.Join(j.workDir, "segments"))

	o.publish(j, func(r *JobResult) {
		r.State = StateSuccess
		r.ArtifactRef = j.artifact.Path
		r.DurationSec = j.artifact.DurationSec
		r.Encoders = slices.Clone(j.encoders)
		r.Metadata = meta
	})
	o.notify(j, "", 100, "job complete")
	j.logger.Info("job completed",
		logging.String(logging.FieldEventType, "job_complete"),
		logging.String("artifact", j.artifact.Path),
		logging.Float64("duration_sec", j.artifact.DurationSec),
		logging.Duration("elapsed", time.Since(j.started)),
	)
}

func (o *Orchestrator) fail(j *job, step string, err error) {
	code := services.CodeOf(err)
	state := StateError
	switch code {
	case services.CodeTotalRuntimeExceeded:
		state = StateTimeout
	case services.CodeCanceled:
		state = StateCanceled
	}
	jobErr := &JobError{Code: string(code), Step: step, Message: services.Message(err)}
	meta := o.metadata(j)
	if err := o.deps.Store.UpdateJob(context.WithoutCancel(j.ctx), j.id, status.Update{
		State:        state,
		ArtifactRef:  j.artifact.Path,
		DurationSec:  j.artifact.DurationSec,
		Encoders:     j.encoders,
		ErrorCode:    jobErr.Code,
		ErrorStep:    step,
		ErrorMessage: jobErr.Message,
		Metadata:     meta,
	}); err != nil {
		j.logger.Warn("status store rejected failure", logging.Error(err))
	}
	o.publish(j, func(r *JobResult) {
		r.State = state
		r.ArtifactRef = j.artifact.Path
		r.DurationSec = j.artifact.DurationSec
		r.Encoders = slices.Clone(j.encoders)
		r.Error = jobErr
		r.Metadata = meta
	})
	o.notify(j, step, o.percent(j.stepIdx, 0), fmt.Sprintf("job %s: %s", state, jobErr.Message))

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String("state", string(state)),
		logging.String("code", jobErr.Code),
		logging.String("step", step),
		logging.Error(err),
	}
	if state == StateCanceled {
		j.logger.Info("job canceled", logging.Args(attrs...)...)
		return
	}
	logging.ErrorWithContext(j.logger, "job failed", "job_failed", append(attrs,
		logging.String(logging.FieldErrorHint, "inspect the step detail; generated assets are kept for retry"),
	)...)
}

func (o *Orchestrator) metadata(j *job) map[string]string {
	meta := map[string]string{
		"profile": string(j.profile.Tier),
		"scenes":  strconv.Itoa(len(j.plan.Scenes)),
	}
	if j.workDir != "" {
		meta["work_dir"] = j.workDir
	}
	if len(j.segments) > 0 {
		hits, fallbacks := 0, 0
		for _, seg := range j.segments {
			if seg.CacheHit {
				hits++
			}
			if seg.FallbackUsed {
				fallbacks++
			}
		}
		meta["cache_hits"] = strconv.Itoa(hits)
		meta["fallbacks"] = strconv.Itoa(fallbacks)
		meta["encoder_used"] = encoderClasses(j.segments)
	}
	if j.artifact.Path != "" {
		meta["reencoded"] = strconv.FormatBool(j.artifact.Reencoded)
		meta["audio_mixed"] = strconv.FormatBool(j.artifact.AudioMixed)
		meta["watermark"] = strconv.FormatBool(j.artifact.WatermarkApplied)
	}
	return meta
}

// notify calls the progress observer, absorbing panics.
func (o *Orchestrator) notify(j *job, step string, percent float64, message string) {
	if o.deps.Progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			j.logger.Debug("progress observer panicked", logging.Any("panic", r))
		}
	}()
	o.deps.Progress.OnProgress(j.ctx, Progress{JobID: j.id, Step: step, Percent: percent, Message: message})
}

func (o *Orchestrator) percent(stepIdx int, fraction float64) float64 {
	p := (float64(stepIdx) + fraction) / float64(len(Steps)) * 100
	return min(max(p, 0), 100)
}

func (o *Orchestrator) runtimeExceeded() error {
	return services.Wrap(services.ErrTotalRuntimeExceeded, "jobs", "runtime",
		fmt.Sprintf("job exceeded %s total runtime", o.opts.TotalRuntime), nil)
}

func stepStatus(err error) status.StepStatus {
	switch {
	case err == nil:
		return status.StepSuccess
	case errors.Is(err, errSkipped):
		return status.StepSkipped
	}
	switch services.CodeOf(err) {
	case services.CodeStepTimeout, services.CodeTotalRuntimeExceeded:
		return status.StepTimeout
	case services.CodeCanceled:
		return status.StepCanceled
	default:
		return status.StepError
	}
}

// encoderClasses summarises which encoder classes produced the segments.
func encoderClasses(segments []render.SegmentResult) string {
	var gpu, cpu bool
	for _, seg := range segments {
		switch seg.EncoderUsed {
		case render.ClassGPU:
			gpu = true
		case render.ClassCPU:
			cpu = true
		}
	}
	switch {
	case gpu && cpu:
		return render.ClassGPU + "," + render.ClassCPU
	case gpu:
		return render.ClassGPU
	case cpu:
		return render.ClassCPU
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
