package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"reelforge/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "render", "encode", "ffmpeg exited", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"render", "encode", "ffmpeg exited"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapWithoutDetail(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker default, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want services.Code
	}{
		{"nil", nil, ""},
		{"plan", services.Wrap(services.ErrInvalidPlan, "jobs", "validate", "no scenes", nil), services.CodeInvalidPlan},
		{"scene", services.Wrap(services.ErrInvalidSceneInput, "render", "validate", "bad", nil), services.CodeInvalidSceneInput},
		{"encoder", services.Wrap(services.ErrEncoderUnavailable, "render", "encode", "cpu failed", nil), services.CodeEncoderUnavailable},
		{"assets", services.Wrap(services.ErrAssetGenerationFailed, "jobs", "assets", "tts down", nil), services.CodeAssetGenerationFailed},
		{"quota nested", fmt.Errorf("outer: %w", services.Wrap(services.ErrExternalTool, "quota", "check", "", services.ErrQuotaExceeded)), services.CodeQuotaExceeded},
		{"step timeout", services.Wrap(services.ErrStepTimeout, "jobs", "render", "", context.DeadlineExceeded), services.CodeStepTimeout},
		{"ceiling", services.Wrap(services.ErrTotalRuntimeExceeded, "jobs", "", "", nil), services.CodeTotalRuntimeExceeded},
		{"context canceled", fmt.Errorf("wait: %w", context.Canceled), services.CodeCanceled},
		{"plain", errors.New("boom"), services.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.CodeOf(tt.err); got != tt.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if services.Retryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if services.Retryable(services.Wrap(services.ErrQuotaExceeded, "quota", "check", "denied", nil)) {
		t.Fatal("quota denial must not be retryable")
	}
	if services.Retryable(context.Canceled) {
		t.Fatal("cancellation must not be retryable")
	}
	if !services.Retryable(services.Wrap(services.ErrStepTimeout, "jobs", "assets", "", nil)) {
		t.Fatal("step timeout should be retryable")
	}
	if !services.Retryable(errors.New("io")) {
		t.Fatal("unclassified failures should be retryable")
	}
}
