package capability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/procexec"
)

// Options configures a Prober.
type Options struct {
	FFmpegBinary  string
	GPUCandidates []string
	CPUCandidates []string
	DisableGPU    bool
	VerifyGPU     bool
	Timeout       time.Duration
	// VAAPIDevice is the render node used to verify vaapi encoders.
	VAAPIDevice string
}

// OptionsFromConfig maps the [encoder] section onto probe options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegBinary:  cfg.FFmpegBinary(),
		GPUCandidates: slices.Clone(cfg.Encoder.GPUEncoders),
		CPUCandidates: slices.Clone(cfg.Encoder.CPUEncoders),
		DisableGPU:    cfg.Encoder.DisableGPU,
		VerifyGPU:     cfg.Encoder.VerifyGPU,
		Timeout:       time.Duration(cfg.Encoder.ProbeTimeout) * time.Second,
	}
}

// Prober detects available H.264 encoders once and caches the result until
// Invalidate is called. It is safe for concurrent use.
type Prober struct {
	opts   Options
	runner procexec.Runner
	logger *slog.Logger

	mu         sync.RWMutex
	record     *Record
	generation uint64
	group      singleflight.Group
}

// NewProber constructs a prober. A nil runner uses procexec.NewExecRunner.
func NewProber(opts Options, runner procexec.Runner, logger *slog.Logger) *Prober {
	if runner == nil {
		runner = procexec.NewExecRunner()
	}
	if strings.TrimSpace(opts.FFmpegBinary) == "" {
		opts.FFmpegBinary = "ffmpeg"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.VAAPIDevice == "" {
		opts.VAAPIDevice = "/dev/dri/renderD128"
	}
	return &Prober{
		opts:   opts,
		runner: runner,
		logger: logging.NewComponentLogger(logger, "capability"),
	}
}

// Probe returns the cached capability record, probing the toolchain on first
// use. Concurrent first callers share one probe, which runs detached from any
// single caller so one canceled job cannot empty the record for the others.
// Probe never fails: problems are logged and reflected as missing encoders.
func (p *Prober) Probe(ctx context.Context) Record {
	p.mu.RLock()
	if p.record != nil {
		rec := p.record.clone()
		p.mu.RUnlock()
		return rec
	}
	gen := p.generation
	p.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(fmt.Sprintf("probe-%d", gen), func() (any, error) {
		rec := p.detect(detached)
		p.mu.Lock()
		if p.generation == gen {
			stored := rec.clone()
			p.record = &stored
		}
		p.mu.Unlock()
		return rec, nil
	})
	select {
	case res := <-ch:
		return res.Val.(Record).clone()
	case <-ctx.Done():
		return Record{
			ProbedAt: time.Now().UTC(),
			Warnings: []string{fmt.Sprintf("capability probe abandoned: %v", context.Cause(ctx))},
		}
	}
}

// Invalidate discards the cached record so the next Probe re-detects.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	p.record = nil
	p.generation++
	p.mu.Unlock()
	p.logger.Info("capability record invalidated",
		logging.String(logging.FieldEventType, "capability_invalidated"),
	)
}

// Cached returns the current record without probing.
func (p *Prober) Cached() (Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.record == nil {
		return Record{}, false
	}
	return p.record.clone(), true
}

func (p *Prober) detect(ctx context.Context) Record {
	rec := Record{ProbedAt: time.Now().UTC()}
	res, err := p.runner.Run(ctx, procexec.Command{
		Name:    p.opts.FFmpegBinary,
		Args:    []string{"-hide_banner", "-encoders"},
		Timeout: p.opts.Timeout,
	})
	if err != nil {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("ffmpeg encoder listing failed: %v", err))
		logging.WarnWithContext(p.logger, "ffmpeg unavailable; no encoders detected", "capability_probe_failed",
			logging.Error(err),
			logging.String("ffmpeg", p.opts.FFmpegBinary),
			logging.String(logging.FieldErrorHint, "install ffmpeg or set encoder.ffmpeg_binary"),
			logging.String(logging.FieldImpact, "renders will fail with encoder_unavailable"),
		)
		return rec
	}

	rec.Advertised = ParseEncoders(res.Stdout)
	advertised := make(map[string]struct{}, len(rec.Advertised))
	for _, name := range rec.Advertised {
		advertised[name] = struct{}{}
	}

	for _, name := range p.opts.CPUCandidates {
		if _, ok := advertised[name]; ok {
			rec.CPUEncoder = name
			break
		}
	}
	if rec.CPUEncoder == "" {
		rec.Warnings = append(rec.Warnings, "no software H.264 encoder advertised")
		logging.WarnWithContext(p.logger, "no software H.264 encoder found", "capability_no_cpu_encoder",
			logging.Strings("candidates", p.opts.CPUCandidates),
			logging.String(logging.FieldErrorHint, "use an ffmpeg build with libx264"),
			logging.String(logging.FieldImpact, "GPU failures cannot fall back to CPU"),
		)
	}

	if p.opts.DisableGPU {
		p.logger.Info("gpu encoding disabled by configuration")
	} else {
		for _, name := range p.opts.GPUCandidates {
			if _, ok := advertised[name]; !ok {
				continue
			}
			if p.opts.VerifyGPU {
				if err := p.verify(ctx, name); err != nil {
					rec.Warnings = append(rec.Warnings, fmt.Sprintf("%s advertised but unusable: %v", name, err))
					p.logger.Debug("gpu encoder failed verification",
						logging.String("encoder", name),
						logging.Error(err),
					)
					continue
				}
			}
			rec.GPUEncoders = append(rec.GPUEncoders, name)
		}
		if len(rec.GPUEncoders) == 0 {
			logging.WarnWithContext(p.logger, "no GPU encoder available; rendering on CPU", "capability_cpu_only",
				logging.Strings("candidates", p.opts.GPUCandidates),
				logging.String(logging.FieldErrorHint, "check GPU drivers and ffmpeg hardware support"),
				logging.String(logging.FieldImpact, "scene encodes will be slower"),
			)
		}
	}

	p.logger.Info("capability probe complete",
		logging.String(logging.FieldEventType, "capability_probed"),
		logging.Strings("gpu_encoders", rec.GPUEncoders),
		logging.String("cpu_encoder", rec.CPUEncoder),
		logging.Int("advertised", len(rec.Advertised)),
	)
	return rec
}

// verify runs a tiny lavfi encode to confirm the hardware is actually usable.
func (p *Prober) verify(ctx context.Context, encoder string) error {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if Family(encoder) == "vaapi" {
		args = append(args, "-vaapi_device", p.opts.VAAPIDevice)
	}
	args = append(args, "-f", "lavfi", "-i", "color=c=black:s=256x256:r=30:d=0.2")
	if Family(encoder) == "vaapi" {
		args = append(args, "-vf", "format=nv12,hwupload")
	} else {
		args = append(args, "-pix_fmt", "yuv420p")
	}
	args = append(args, "-frames:v", "3", "-c:v", encoder, "-f", "null", "-")
	_, err := p.runner.Run(ctx, procexec.Command{
		Name:    p.opts.FFmpegBinary,
		Args:    args,
		Timeout: p.opts.Timeout,
	})
	return err
}
