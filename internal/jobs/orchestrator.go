package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/assemble"
	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/plan"
	"reelforge/internal/profile"
	"reelforge/internal/render"
	"reelforge/internal/scheduler"
	"reelforge/internal/services"
	"reelforge/internal/status"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("orchestrator closed")

// ErrUnknownJob is returned for job ids this orchestrator never issued.
var ErrUnknownJob = errors.New("unknown job")

// Options tunes orchestration.
type Options struct {
	// StepTimeouts maps step names to budgets; zero means unbounded.
	StepTimeouts map[string]time.Duration
	StepRetries  int
	RetryBackoff time.Duration
	// TotalRuntime caps a job across all steps; zero disables the ceiling.
	TotalRuntime      time.Duration
	MaxConcurrentJobs int
	MaxWorkers        int
	AssetWorkers      int
	WorkDir           string
	OutputDir         string
	Limits            plan.Limits
}

// OptionsFromConfig maps the [workflow], [render] and [paths] sections.
func OptionsFromConfig(cfg *config.Config) Options {
	w := cfg.Workflow
	secs := func(v int) time.Duration { return time.Duration(v) * time.Second }
	return Options{
		StepTimeouts: map[string]time.Duration{
			StepValidate: secs(w.ValidateTimeout),
			StepQuota:    secs(w.QuotaTimeout),
			StepAssets:   secs(w.AssetTimeout),
			StepRender:   secs(w.RenderTimeout),
			StepAssemble: secs(w.AssembleTimeout),
			StepPublish:  secs(w.PublishTimeout),
		},
		StepRetries:       w.StepRetries,
		RetryBackoff:      time.Duration(w.RetryBackoffMillis) * time.Millisecond,
		TotalRuntime:      secs(w.TotalRuntimeSeconds),
		MaxConcurrentJobs: w.MaxConcurrentJobs,
		MaxWorkers:        cfg.Render.MaxWorkers,
		AssetWorkers:      w.AssetWorkers,
		WorkDir:           cfg.Paths.WorkDir,
		OutputDir:         cfg.Paths.OutputDir,
		Limits:            plan.LimitsFromConfig(cfg),
	}
}

// Dependencies are the collaborators of the orchestrator. Renderer, Assembler
// and Capability are required; the rest have safe defaults.
type Dependencies struct {
	Renderer   scheduler.SceneRenderer
	Assembler  Stitcher
	Capability CapabilityProvider
	Assets     AssetGenerator
	Quota      QuotaService
	Publish    []PublishHook
	Progress   ProgressObserver
	Store      StatusStore
	Logger     *slog.Logger
}

// Orchestrator accepts jobs and drives them to a terminal state.
type Orchestrator struct {
	opts   Options
	deps   Dependencies
	logger *slog.Logger
	slots  chan struct{}

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup
}

// job is the in-memory state of one submission. Only its goroutine writes the
// run fields; the result is published under Orchestrator.mu.
type job struct {
	id      string
	retryOf string
	plan    plan.ScenePlan
	profile profile.Profile
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	logger  *slog.Logger
	workDir string
	started time.Time

	// seeded holds assets carried over from the job this one retries.
	seeded     []*AssetResult
	assets     []*AssetResult
	generated  int
	scenes     []plan.Scene
	segments   []render.SegmentResult
	artifact   assemble.Artifact
	encoders   []string
	cpuEncoder string
	steps      []StepRecord
	stepIdx    int

	result JobResult
}

// New builds an Orchestrator.
func New(opts Options, deps Dependencies) (*Orchestrator, error) {
	if deps.Renderer == nil || deps.Assembler == nil || deps.Capability == nil {
		return nil, services.Wrap(services.ErrConfiguration, "jobs", "new", "renderer, assembler and capability are required", nil)
	}
	if deps.Assets == nil {
		deps.Assets = PassthroughAssets{}
	}
	if deps.Quota == nil {
		deps.Quota = AllowAllQuota{}
	}
	if deps.Store == nil {
		deps.Store = status.NewMemory()
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.AssetWorkers <= 0 {
		opts.AssetWorkers = 1
	}
	if opts.StepRetries < 0 {
		opts.StepRetries = 0
	}
	return &Orchestrator{
		opts:   opts,
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "jobs"),
		slots:  make(chan struct{}, opts.MaxConcurrentJobs),
		jobs:   map[string]*job{},
	}, nil
}

// Submit queues p for rendering with prof and returns the job id immediately.
func (o *Orchestrator) Submit(ctx context.Context, p plan.ScenePlan, prof profile.Profile) (string, error) {
	return o.submit(ctx, p, prof, "", nil)
}

// Retry submits a new job with the plan and profile of a terminal job,
// reusing the assets that job already generated.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (string, error) {
	o.mu.Lock()
	prev, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	select {
	case <-prev.done:
	default:
		return "", fmt.Errorf("job %s is still %s", jobID, o.stateOf(prev))
	}
	seeded := make([]*AssetResult, len(prev.plan.Scenes))
	for i, a := range prev.assets {
		if a != nil && i < len(seeded) {
			c := *a
			seeded[i] = &c
		}
	}
	return o.submit(ctx, prev.plan, prev.profile, prev.id, seeded)
}

func (o *Orchestrator) submit(ctx context.Context, p plan.ScenePlan, prof profile.Profile, retryOf string, seeded []*AssetResult) (string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.mu.Unlock()

	id := uuid.NewString()
	p = p.Clone()
	p.Normalize()

	if err := o.deps.Store.CreateJob(ctx, status.Job{
		ID:         id,
		State:      StateQueued,
		Tier:       string(prof.Tier),
		Title:      p.Title,
		SceneCount: len(p.Scenes),
		RetryOf:    retryOf,
	}); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	jobCtx, cancel := context.WithCancelCause(services.WithJobID(context.WithoutCancel(ctx), id))
	j := &job{
		id:      id,
		retryOf: retryOf,
		plan:    p,
		profile: prof,
		ctx:     jobCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logging.WithContext(jobCtx, o.logger),
		seeded:  seeded,
		result:  JobResult{JobID: id, State: StateQueued, RetryOf: retryOf},
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(nil)
		_ = o.deps.Store.UpdateJob(context.WithoutCancel(ctx), id, status.Update{State: StateCanceled, ErrorCode: string(services.CodeCanceled), ErrorMessage: ErrClosed.Error()})
		return "", ErrClosed
	}
	o.jobs[id] = j
	o.wg.Add(1)
	o.mu.Unlock()

	j.logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.Int("scenes", len(p.Scenes)),
		logging.String("profile", string(prof.Tier)),
		logging.String("retry_of", retryOf),
	)
	go func() {
		defer o.wg.Done()
		defer close(j.done)
		o.run(j)
	}()
	return id, nil
}

// Cancel requests cooperative cancellation. In-flight encodes receive their
// grace period before being killed.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	j.cancel(services.Wrap(services.ErrCanceled, "jobs", "cancel", "canceled by request", nil))
	return nil
}

// Wait blocks until the job is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (JobResult, error) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return JobResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	select {
	case <-j.done:
		res, _ := o.Result(jobID)
		return res, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// Result returns a snapshot of the job. The bool reports whether the job is terminal.
func (o *Orchestrator) Result(jobID string) (JobResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return JobResult{}, false
	}
	return cloneResult(j.result), j.result.State.Terminal()
}

// Close cancels every job and waits for their goroutines.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	active := slices.Collect(maps.Values(o.jobs))
	o.mu.Unlock()
	for _, j := range active {
		j.cancel(services.Wrap(services.ErrCanceled, "jobs", "close", "orchestrator shutting down", nil))
	}
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) stateOf(j *job) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return j.result.State
}

func (o *Orchestrator) publish(j *job, mutate func(*JobResult)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(&j.result)
}

func cloneResult(r JobResult) JobResult {
	out := r
	out.Encoders = slices.Clone(r.Encoders)
	out.Steps = slices.Clone(r.Steps)
	out.Metadata = maps.Clone(r.Metadata)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
