package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"reelforge/internal/logging"
	"reelforge/internal/services"
)

func TestConsoleFormatIncludesComponentAndJob(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := services.WithJobID(context.Background(), "0123456789abcdef")
	ctx = services.WithSceneIndex(ctx, 2)
	log := logging.WithContext(ctx, logging.NewComponentLogger(logger, "render"))
	log.Info("scene encoded", logging.String("encoder", "libx264"), logging.String("note", "two words"))

	line := buf.String()
	for _, want := range []string{"INFO", "render: scene encoded", "[job 01234567]", "scene_index=2", "encoder=libx264", `note="two words"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "job_id=") {
		t.Fatalf("job id should render in the prefix only: %q", line)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Error("boom", logging.Error(errors.New("ffmpeg exited 1")), logging.Int("attempt", 2))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, buf.String())
	}
	if payload["level"] != "error" || payload["msg"] != "boom" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["error"] != "ffmpeg exited 1" {
		t.Fatalf("expected error string, got %v", payload["error"])
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts key in %v", payload)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "warn", Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml", Writer: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.WarnWithContext(logger, "watermark skipped", "watermark_missing", logging.String(logging.FieldImpact, "output has no watermark"))
	line := buf.String()
	if !strings.Contains(line, "event_type=watermark_missing") || !strings.Contains(line, "error_hint=") {
		t.Fatalf("expected injected fields in %q", line)
	}
	if strings.Count(line, "impact=") != 1 {
		t.Fatalf("impact should not be duplicated: %q", line)
	}
}

func TestErrorWithContextKeepsCallerHint(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.ErrorWithContext(logger, "assembly failed", "assemble_failed", logging.String(logging.FieldErrorHint, "reinstall"))
	line := buf.String()
	if !strings.Contains(line, "event_type=assemble_failed") || strings.Count(line, "error_hint=") != 1 || !strings.Contains(line, "reinstall") {
		t.Fatalf("unexpected fields in %q", line)
	}
}

func TestProgressSampler(t *testing.T) {
	s := logging.NewProgressSampler(25)
	steps := []struct {
		percent float64
		step    string
		want    bool
	}{
		{0, "render", true},
		{10, "render", false},
		{26, "render", true},
		{30, "render", false},
		{30, "assemble", true},
		{100, "assemble", true},
		{100, "assemble", false},
	}
	for i, tc := range steps {
		if got := s.ShouldLog(tc.percent, tc.step); got != tc.want {
			t.Fatalf("event %d: got %v want %v", i, got, tc.want)
		}
	}
}
