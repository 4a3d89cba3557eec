package assemble

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"reelforge/internal/config"
	"reelforge/internal/procexec"
	"reelforge/internal/profile"
	"reelforge/internal/render"
	"reelforge/internal/services"
	"reelforge/internal/testsupport"
)

type fixture struct {
	dir       string
	ffmpeg    *testsupport.FakeFFmpeg
	assembler *Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := testsupport.NewFakeFFmpeg("libx264")
	return &fixture{
		dir:    t.TempDir(),
		ffmpeg: fake,
		assembler: New(Options{
			DuckingDB:         -12,
			WatermarkPosition: PositionBottomRight,
			WatermarkMargin:   24,
		}, fake, testsupport.StubProbe{}, nil),
	}
}

func (f *fixture) segment(t *testing.T, idx int, dur float64, narrated bool, extra ...string) render.SegmentResult {
	t.Helper()
	path := filepath.Join(f.dir, "segments", "seg-"+string(rune('a'+idx))+".mp4")
	testsupport.WriteMedia(t, path, dur, extra...)
	return render.SegmentResult{Index: idx, Path: path, DurationSec: dur, HasNarration: narrated}
}

func (f *fixture) request(segments ...render.SegmentResult) Request {
	return Request{
		Segments:   segments,
		Profile:    profile.Defaults(profile.TierPreview),
		OutputPath: filepath.Join(f.dir, "out", "final.mp4"),
		WorkDir:    filepath.Join(f.dir, "work"),
	}
}

func (f *fixture) lastArgs(t *testing.T) string {
	t.Helper()
	calls := f.ffmpeg.Calls()
	if len(calls) == 0 {
		t.Fatal("expected an ffmpeg call")
	}
	return strings.Join(calls[len(calls)-1].Args, " ")
}

func TestAssembleStreamCopiesUniformSegments(t *testing.T) {
	f := newFixture(t)
	req := f.request(f.segment(t, 0, 3, true, "fps=24"), f.segment(t, 1, 4, true, "fps=24"))

	art, err := f.assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if art.Reencoded || math.Abs(art.DurationSec-7) > 0.5 || art.ExpectedSec != 7 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	args := f.lastArgs(t)
	for _, want := range []string{"-f concat", "-c:v copy", "-c:a copy", "+faststart"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %s", want, args)
		}
	}
	if _, err := os.Stat(req.OutputPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(req.WorkDir, strings.TrimSuffix(filepath.Base(req.OutputPath), ".mp4")+".partial.mp4")); !os.IsNotExist(err) {
		t.Fatalf("partial output should not remain: %v", err)
	}
}

func TestAssembleReencodesMixedSegments(t *testing.T) {
	f := newFixture(t)
	req := f.request(f.segment(t, 0, 3, false, "fps=24"), f.segment(t, 1, 4, false, "fps=30"))

	art, err := f.assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !art.Reencoded || math.Abs(art.DurationSec-7) > 0.5 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	args := f.lastArgs(t)
	for _, want := range []string{"concat=n=2:v=1:a=1", "-c:v libx264", "-pix_fmt yuv420p", "-c:a aac", "fps=24"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %s", want, args)
		}
	}
}

func TestAssembleWithoutProbeReencodes(t *testing.T) {
	f := newFixture(t)
	f.assembler = New(Options{}, f.ffmpeg, nil, nil)
	art, err := f.assembler.Assemble(context.Background(), f.request(f.segment(t, 0, 2, false)))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !art.Reencoded || art.DurationSec != 2 {
		t.Fatalf("unexpected artifact %+v", art)
	}
}

func TestAssembleDucksBackgroundDuringNarration(t *testing.T) {
	f := newFixture(t)
	req := f.request(
		f.segment(t, 0, 3, true),
		f.segment(t, 1, 4, false),
		f.segment(t, 2, 2, true),
	)
	req.AudioTrack = testsupport.WriteMedia(t, filepath.Join(f.dir, "music.m4a"), 1.5)

	art, err := f.assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !art.AudioMixed || math.Abs(art.DurationSec-9) > 0.5 {
		t.Fatalf("looped background must not change duration: %+v", art)
	}
	args := f.lastArgs(t)
	for _, want := range []string{"-stream_loop -1", "volume=-12dB:enable='between(t,0,3)+between(t,7,9)'", "amix=inputs=2:duration=first", "-c:v copy", "-c:a aac"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %s", want, args)
		}
	}
}

func TestAssembleSkipsMissingAssets(t *testing.T) {
	f := newFixture(t)
	req := f.request(f.segment(t, 0, 3, true))
	req.Watermark = filepath.Join(f.dir, "absent.png")
	req.AudioTrack = filepath.Join(f.dir, "absent.m4a")

	art, err := f.assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("missing optional assets must not fail assembly: %v", err)
	}
	if art.WatermarkApplied || art.AudioMixed || len(art.Warnings) != 2 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if args := f.lastArgs(t); strings.Contains(args, "overlay") || strings.Contains(args, "amix") {
		t.Fatalf("skipped assets leaked into args: %s", args)
	}
}

func TestAssembleOverlaysWatermark(t *testing.T) {
	f := newFixture(t)
	req := f.request(f.segment(t, 0, 3, false), f.segment(t, 1, 3, false))
	req.Watermark = testsupport.WriteImage(t, f.dir, "logo.png")

	art, err := f.assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !art.WatermarkApplied || math.Abs(art.DurationSec-6) > 0.5 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	args := f.lastArgs(t)
	for _, want := range []string{"-loop 1", "overlay=main_w-overlay_w-24:main_h-overlay_h-24:shortest=1", "-c:v libx264", "-map [wm]"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %s", want, args)
		}
	}
}

func TestAssembleReencodesWithDetectedEncoder(t *testing.T) {
	cfg := config.Default()
	fake := testsupport.NewFakeFFmpeg("libopenh264")
	f := newFixture(t)
	f.ffmpeg = fake
	f.assembler = New(OptionsFromConfig(&cfg), fake, testsupport.StubProbe{}, nil)

	req := f.request(f.segment(t, 0, 3, false), f.segment(t, 1, 3, false))
	req.Watermark = testsupport.WriteImage(t, f.dir, "logo.png")
	req.Encoder = "libopenh264"

	art, err := f.assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble on an openh264-only host: %v", err)
	}
	if !art.WatermarkApplied {
		t.Fatalf("unexpected artifact %+v", art)
	}
	args := f.lastArgs(t)
	if !strings.Contains(args, "-c:v libopenh264") || !strings.Contains(args, "-b:v 6M") {
		t.Fatalf("expected openh264 rate control in %s", args)
	}
	if strings.Contains(args, "-crf") || strings.Contains(args, "-preset") {
		t.Fatalf("x264-only flags passed to openh264: %s", args)
	}
}

func TestAssembleReencodeHonoursBitrateTarget(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		want    string
		without string
	}{
		{name: "target", target: "3M", want: "-b:v 3M", without: "-crf"},
		{name: "quality", target: "", want: "-crf", without: "-b:v"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request(f.segment(t, 0, 3, false))
			req.Watermark = testsupport.WriteImage(t, f.dir, "logo.png")
			req.Profile.BitrateTarget = tc.target

			if _, err := f.assembler.Assemble(context.Background(), req); err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			args := f.lastArgs(t)
			if !strings.Contains(args, tc.want) || strings.Contains(args, tc.without) {
				t.Fatalf("expected %q without %q in %s", tc.want, tc.without, args)
			}
		})
	}
}

func TestAssembleFailures(t *testing.T) {
	f := newFixture(t)
	if _, err := f.assembler.Assemble(context.Background(), f.request()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty input, got %v", err)
	}

	failing := New(Options{}, procexec.RunnerFunc(func(context.Context, procexec.Command) (procexec.Result, error) {
		res := procexec.Result{ExitCode: 1, Stderr: "Invalid data found"}
		return res, &procexec.ExitError{Command: "ffmpeg", Result: res}
	}), testsupport.StubProbe{}, nil)
	req := f.request(f.segment(t, 0, 3, false))
	_, err := failing.Assemble(context.Background(), req)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if _, statErr := os.Stat(req.OutputPath); !os.IsNotExist(statErr) {
		t.Fatal("failed assembly must not leave an artifact")
	}
}

func TestNarrationSpans(t *testing.T) {
	segs := []render.SegmentResult{
		{DurationSec: 2, HasNarration: true},
		{DurationSec: 3, HasNarration: true},
		{DurationSec: 1},
		{DurationSec: 4, HasNarration: true},
	}
	got := NarrationSpans(segs)
	want := []Span{{0, 5}, {6, 10}}
	if !slices.Equal(got, want) {
		t.Fatalf("NarrationSpans = %v want %v", got, want)
	}
	if spans := NarrationSpans(segs[2:3]); len(spans) != 0 {
		t.Fatalf("expected no spans, got %v", spans)
	}
}

func TestDuckFilterWithoutSpans(t *testing.T) {
	got := DuckFilter("1:a", nil, -3, -12, "bg")
	if strings.Contains(got, "enable") || !strings.Contains(got, "volume=-3dB") {
		t.Fatalf("unexpected filter %s", got)
	}
}

func TestOverlayPosition(t *testing.T) {
	cases := map[string]string{
		PositionTopLeft:     "10:10",
		PositionTopRight:    "main_w-overlay_w-10:10",
		PositionBottomLeft:  "10:main_h-overlay_h-10",
		PositionBottomRight: "main_w-overlay_w-10:main_h-overlay_h-10",
	}
	for pos, want := range cases {
		if got := OverlayPosition(pos, 10); got != want {
			t.Fatalf("OverlayPosition(%s) = %s want %s", pos, got, want)
		}
	}
}
