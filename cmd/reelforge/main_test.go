package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reelforge/internal/jobs"
	"reelforge/internal/services"
	"reelforge/internal/testsupport"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	ffmpeg     *testsupport.FakeFFmpeg
}

func setupCLITestEnv(t *testing.T, encoders ...string) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("REELFORGE_NTFY_TOPIC", "")

	configPath := filepath.Join(base, "config.toml")
	body := fmt.Sprintf(`[paths]
work_dir = %q
cache_dir = %q
output_dir = %q
log_dir = %q

[encoder]
verify_gpu = false
kill_grace_seconds = 0

[workflow]
retry_backoff_ms = 1

[logging]
level = "error"
`, filepath.Join(base, "work"), filepath.Join(base, "cache"), filepath.Join(base, "out"), filepath.Join(base, "logs"))
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if len(encoders) == 0 {
		encoders = []string{"libx264", "h264_nvenc"}
	}
	return &cliTestEnv{baseDir: base, configPath: configPath, ffmpeg: testsupport.NewFakeFFmpeg(encoders...)}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	configFlag := ""
	cc := newCommandContext(&configFlag)
	cc.runner = e.ffmpeg
	cc.inspector = testsupport.StubProbe{}
	cmd := buildRootCommand(cc, &configFlag)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (e *cliTestEnv) writePlan(t *testing.T, durations ...float64) string {
	t.Helper()
	dir := filepath.Join(e.baseDir, "plan")
	var scenes []string
	for i, d := range durations {
		name := fmt.Sprintf("scene-%d.png", i)
		testsupport.WriteImage(t, dir, name)
		scenes = append(scenes, fmt.Sprintf(`{"text": "scene %d", "image_ref": %q, "duration_sec": %g}`, i, name, d))
	}
	path := filepath.Join(dir, "plan.json")
	body := fmt.Sprintf(`{"title": "CLI Teaser", "scenes": [%s]}`, strings.Join(scenes, ","))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func TestRenderCommandJSON(t *testing.T) {
	env := setupCLITestEnv(t)
	planPath := env.writePlan(t, 3, 4)

	out, _, err := env.run(t, "render", planPath, "--json")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var res jobs.JobResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if res.State != jobs.StateSuccess || res.Metadata["encoder_used"] != "gpu" {
		t.Fatalf("unexpected result %+v", res)
	}
	if filepath.Dir(res.ArtifactRef) != filepath.Join(env.baseDir, "out") || !strings.HasPrefix(filepath.Base(res.ArtifactRef), "cli-teaser-") {
		t.Fatalf("unexpected artifact path %s", res.ArtifactRef)
	}

	list, _, err := env.run(t, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, list, res.JobID[:8])
	requireContains(t, list, "success")

	show, _, err := env.run(t, "jobs", "show", res.JobID[:8])
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	requireContains(t, show, res.ArtifactRef)
	requireContains(t, show, "render")

	stats, _, err := env.run(t, "cache", "stats", "--json")
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	requireContains(t, stats, `"entries": 2`)
}

func TestRenderCommandNoGPU(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "render", env.writePlan(t, 2), "--no-gpu", "--profile", "final")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	requireContains(t, out, "State:    success")
	requireContains(t, out, "Encoder:  cpu")
	if env.ffmpeg.EncodeCalls("h264_nvenc") != 0 {
		t.Fatal("--no-gpu should keep encodes on the cpu")
	}
}

func TestRenderCommandFailureExitCode(t *testing.T) {
	env := setupCLITestEnv(t, "libx264")
	env.ffmpeg.FailEncoders["libx264"] = true

	out, _, err := env.run(t, "render", env.writePlan(t, 2))
	var failure *jobFailure
	if !errors.As(err, &failure) || failure.code != string(services.CodeEncoderUnavailable) {
		t.Fatalf("expected encoder_unavailable failure, got %v", err)
	}
	requireContains(t, out, "encoder_unavailable")
	if code := exitCode(err); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRenderCommandRejectsBadProfile(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := env.run(t, "render", env.writePlan(t, 2), "--profile", "ultra"); err == nil {
		t.Fatal("expected unknown profile to fail")
	}
}

func TestProbeCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "probe")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	requireContains(t, out, "h264_nvenc")
	requireContains(t, out, "libx264")
	requireContains(t, out, "FFmpeg")
}

func TestProbeCommandWithoutEncoders(t *testing.T) {
	env := setupCLITestEnv(t, "mpeg4")
	out, _, err := env.run(t, "probe")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	requireContains(t, out, "No usable H.264 encoder")
}

func TestConfigInitAndShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "# loaded from "+env.configPath)
	requireContains(t, out, "verify_gpu = false")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = env.run(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := env.run(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
}

func TestJobsListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, "No jobs recorded")
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("plain"), 1},
		{&jobFailure{code: string(services.CodeInvalidPlan)}, 2},
		{&jobFailure{code: string(services.CodeQuotaExceeded)}, 3},
		{fmt.Errorf("wrapped: %w", &jobFailure{code: string(services.CodeTotalRuntimeExceeded)}), 4},
		{&jobFailure{code: string(services.CodeCanceled)}, 130},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
