// Package assemble stitches rendered segments into the final artifact, mixing
// in ducked background audio and a corner watermark.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/fileutil"
	"reelforge/internal/logging"
	"reelforge/internal/media/ffprobe"
	"reelforge/internal/procexec"
	"reelforge/internal/profile"
	"reelforge/internal/render"
	"reelforge/internal/services"
)

// Options configures an Assembler.
type Options struct {
	FFmpegBinary       string
	DuckingDB          float64
	BackgroundVolumeDB float64
	WatermarkPosition  string
	WatermarkMargin    int
	AudioBitrate       string
	// DurationTolerance bounds the gap between the artifact and the segment sum.
	DurationTolerance float64
	KillGrace         time.Duration
	// VideoEncoder re-encodes video when a request names no encoder. It must
	// be a software H.264 encoder so the output plays everywhere.
	VideoEncoder string
}

// OptionsFromConfig maps the [assembly] section onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	encoder := ""
	if len(cfg.Encoder.CPUEncoders) > 0 {
		encoder = cfg.Encoder.CPUEncoders[0]
	}
	return Options{
		FFmpegBinary:       cfg.FFmpegBinary(),
		DuckingDB:          cfg.Assembly.DuckingDB,
		BackgroundVolumeDB: cfg.Assembly.BackgroundVolumeDB,
		WatermarkPosition:  cfg.Assembly.WatermarkPosition,
		WatermarkMargin:    cfg.Assembly.WatermarkMargin,
		AudioBitrate:       cfg.Assembly.AudioBitrate,
		DurationTolerance:  cfg.Assembly.DurationTolerance,
		KillGrace:          cfg.KillGrace(),
		VideoEncoder:       encoder,
	}
}

// Request describes one assembly.
type Request struct {
	Segments   []render.SegmentResult
	AudioTrack string
	Watermark  string
	Profile    profile.Profile
	OutputPath string
	// Encoder is the software encoder detected on this host; empty falls
	// back to Options.VideoEncoder.
	Encoder string
	// WorkDir holds the concat list; it must be exclusive to the job.
	WorkDir string
}

// Artifact is the assembled output.
type Artifact struct {
	Path             string   `json:"path"`
	DurationSec      float64  `json:"duration_sec"`
	ExpectedSec      float64  `json:"expected_sec"`
	SizeBytes        int64    `json:"size_bytes"`
	Reencoded        bool     `json:"reencoded"`
	AudioMixed       bool     `json:"audio_mixed"`
	WatermarkApplied bool     `json:"watermark_applied"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Assembler runs the stitching ffmpeg pass.
type Assembler struct {
	opts   Options
	runner procexec.Runner
	probe  ffprobe.Inspector
	logger *slog.Logger
}

// New builds an Assembler. A nil probe forces re-encoding, since segment
// compatibility cannot be proven.
func New(opts Options, runner procexec.Runner, probe ffprobe.Inspector, logger *slog.Logger) *Assembler {
	if runner == nil {
		runner = procexec.NewExecRunner()
	}
	if opts.FFmpegBinary == "" {
		opts.FFmpegBinary = "ffmpeg"
	}
	if opts.VideoEncoder == "" {
		opts.VideoEncoder = "libx264"
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = "192k"
	}
	if opts.DurationTolerance <= 0 {
		opts.DurationTolerance = 0.5
	}
	return &Assembler{opts: opts, runner: runner, probe: probe, logger: logging.NewComponentLogger(logger, "assemble")}
}

// Assemble concatenates req.Segments in order and writes req.OutputPath.
// The output appears atomically; a retried call overwrites the same path.
func (a *Assembler) Assemble(ctx context.Context, req Request) (Artifact, error) {
	logger := logging.WithContext(ctx, a.logger)
	if len(req.Segments) == 0 {
		return Artifact{}, services.Wrap(services.ErrValidation, "assemble", "inputs", "no segments to assemble", nil)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return Artifact{}, services.Wrap(services.ErrValidation, "assemble", "inputs", "output path is empty", nil)
	}
	for _, seg := range req.Segments {
		if _, err := os.Stat(seg.Path); err != nil {
			return Artifact{}, services.Wrap(services.ErrValidation, "assemble", "inputs", fmt.Sprintf("segment %d missing", seg.Index), err)
		}
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("assemble: ensure work dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("assemble: ensure output dir: %w", err)
	}

	art := Artifact{Path: req.OutputPath}
	for _, seg := range req.Segments {
		art.ExpectedSec += seg.DurationSec
	}

	uniform := a.uniform(ctx, req.Segments)
	art.Reencoded = !uniform

	audio := req.AudioTrack
	if audio != "" {
		if err := readable(audio); err != nil {
			art.Warnings = append(art.Warnings, "background audio skipped: "+err.Error())
			logging.WarnWithContext(logger, "background audio unreadable; skipping mix", "audio_track_skipped",
				logging.String("path", audio),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the plan's audio_track path"),
				logging.String(logging.FieldImpact, "artifact has narration only"),
			)
			audio = ""
		}
	}
	watermark := req.Watermark
	if watermark != "" {
		if err := readable(watermark); err != nil {
			art.Warnings = append(art.Warnings, "watermark skipped: "+err.Error())
			logging.WarnWithContext(logger, "watermark unreadable; skipping overlay", "watermark_skipped",
				logging.String("path", watermark),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the plan's watermark path"),
				logging.String(logging.FieldImpact, "artifact has no watermark"),
			)
			watermark = ""
		}
	}
	art.AudioMixed = audio != ""
	art.WatermarkApplied = watermark != ""

	partial := filepath.Join(req.WorkDir, strings.TrimSuffix(filepath.Base(req.OutputPath), filepath.Ext(req.OutputPath))+".partial.mp4")
	args, err := a.buildArgs(req, uniform, audio, watermark, partial)
	if err != nil {
		return Artifact{}, err
	}

	logger.Info("assembling artifact",
		logging.String(logging.FieldEventType, "assemble_start"),
		logging.Int("segments", len(req.Segments)),
		logging.Bool("stream_copy", uniform && watermark == ""),
		logging.Bool("audio_mix", art.AudioMixed),
		logging.Bool("watermark", art.WatermarkApplied),
	)
	res, err := a.runner.Run(ctx, procexec.Command{
		Name:        a.opts.FFmpegBinary,
		Args:        args,
		GracePeriod: a.opts.KillGrace,
	})
	if err != nil {
		_ = os.Remove(partial)
		if ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("assemble: %w", context.Cause(ctx))
		}
		return Artifact{}, services.Wrap(services.ErrExternalTool, "assemble", "ffmpeg", "stitch failed", err)
	}
	if err := fileutil.MoveFile(partial, req.OutputPath); err != nil {
		_ = os.Remove(partial)
		return Artifact{}, fmt.Errorf("assemble: publish artifact: %w", err)
	}

	art.DurationSec = art.ExpectedSec
	if a.probe != nil {
		if probed, perr := a.probe.Inspect(ctx, req.OutputPath); perr == nil {
			if d := probed.DurationSeconds(); d > 0 && !math.IsNaN(d) {
				art.DurationSec = d
			}
		} else {
			logger.Debug("artifact probe failed; using segment sum", logging.Error(perr))
		}
	}
	if info, statErr := os.Stat(req.OutputPath); statErr == nil {
		art.SizeBytes = info.Size()
	}
	if drift := math.Abs(art.DurationSec - art.ExpectedSec); drift > a.opts.DurationTolerance {
		return art, services.Wrap(services.ErrExternalTool, "assemble", "verify",
			fmt.Sprintf("artifact lasts %.3fs, expected %.3fs", art.DurationSec, art.ExpectedSec), nil)
	}

	logger.Info("artifact assembled",
		logging.String(logging.FieldEventType, "assemble_complete"),
		logging.String("path", art.Path),
		logging.Float64("duration_sec", art.DurationSec),
		logging.Bool("reencoded", art.Reencoded),
		logging.Duration("elapsed", res.Elapsed),
	)
	return art, nil
}

// uniform reports whether every segment shares one stream signature.
func (a *Assembler) uniform(ctx context.Context, segments []render.SegmentResult) bool {
	if a.probe == nil {
		return false
	}
	var first string
	for i, seg := range segments {
		res, err := a.probe.Inspect(ctx, seg.Path)
		if err != nil {
			a.logger.Debug("segment probe failed; re-encoding", logging.Int("segment", seg.Index), logging.Error(err))
			return false
		}
		sig := res.Signature()
		if i == 0 {
			first = sig
			continue
		}
		if sig != first {
			a.logger.Info("segments differ; re-encoding",
				logging.Int("segment", seg.Index),
				logging.String("expected", first),
				logging.String("actual", sig),
			)
			return false
		}
	}
	return true
}

func (a *Assembler) buildArgs(req Request, uniform bool, audio, watermark, output string) ([]string, error) {
	p := req.Profile
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
	var filters []string
	videoLabel, audioLabel := "0:v", "0:a"
	next := 1

	if uniform {
		list, err := writeConcatList(req.WorkDir, req.Segments)
		if err != nil {
			return nil, err
		}
		args = append(args, "-f", "concat", "-safe", "0", "-i", list)
	} else {
		var joined strings.Builder
		for i, seg := range req.Segments {
			args = append(args, "-i", seg.Path)
			filters = append(filters, normalizeSegment(i, p))
			fmt.Fprintf(&joined, "[v%d][a%d]", i, i)
		}
		filters = append(filters, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[cv][ca]", joined.String(), len(req.Segments)))
		videoLabel, audioLabel = "[cv]", "[ca]"
		next = len(req.Segments)
	}

	if audio != "" {
		args = append(args, "-stream_loop", "-1", "-i", audio)
		spans := NarrationSpans(req.Segments)
		filters = append(filters,
			DuckFilter(fmt.Sprintf("%d:a", next), spans, a.opts.BackgroundVolumeDB, a.opts.DuckingDB, "bg"),
			fmt.Sprintf("%s[bg]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[mix]", bracket(audioLabel)),
		)
		audioLabel = "[mix]"
		next++
	}
	if watermark != "" {
		args = append(args, "-loop", "1", "-i", watermark)
		filters = append(filters, fmt.Sprintf("%s[%d:v]overlay=%s:shortest=1,format=yuv420p[wm]",
			bracket(videoLabel), next, OverlayPosition(a.opts.WatermarkPosition, a.opts.WatermarkMargin)))
		videoLabel = "[wm]"
	}

	if len(filters) > 0 {
		args = append(args, "-filter_complex", strings.Join(filters, ";"))
	}
	args = append(args, "-map", videoLabel, "-map", audioLabel)

	if uniform && watermark == "" {
		args = append(args, "-c:v", "copy")
	} else {
		encoder := strings.TrimSpace(req.Encoder)
		if encoder == "" {
			encoder = a.opts.VideoEncoder
		}
		args = append(args, render.VideoCodecArgs(encoder, p)...)
		args = append(args, "-pix_fmt", "yuv420p", "-r", strconv.Itoa(p.FPS))
	}
	if uniform && audio == "" {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", a.opts.AudioBitrate, "-ar", "48000", "-ac", "2")
	}
	args = append(args, "-movflags", "+faststart", "-f", "mp4", output)
	return args, nil
}

func writeConcatList(dir string, segments []render.SegmentResult) (string, error) {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, seg := range segments {
		abs, err := filepath.Abs(seg.Path)
		if err != nil {
			return "", fmt.Errorf("assemble: resolve %s: %w", seg.Path, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	path := filepath.Join(dir, "concat.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("assemble: write concat list: %w", err)
	}
	return path, nil
}

// bracket turns a stream specifier into a filter pad label.
func bracket(label string) string {
	if strings.HasPrefix(label, "[") {
		return label
	}
	return "[" + label + "]"
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	if info.Size() == 0 {
		return errors.New("file is empty")
	}
	return nil
}
