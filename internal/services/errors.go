package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")

	ErrInvalidPlan           = errors.New("invalid plan")
	ErrInvalidSceneInput     = errors.New("invalid scene input")
	ErrEncoderUnavailable    = errors.New("encoder unavailable")
	ErrAssetGenerationFailed = errors.New("asset generation failed")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrStepTimeout           = errors.New("step timeout")
	ErrTotalRuntimeExceeded  = errors.New("total runtime exceeded")
	ErrCanceled              = errors.New("canceled")
)

// Code is the machine-readable classification attached to terminal job errors.
type Code string

const (
	CodeInvalidPlan           Code = "invalid_plan"
	CodeInvalidSceneInput     Code = "invalid_scene_input"
	CodeEncoderUnavailable    Code = "encoder_unavailable"
	CodeAssetGenerationFailed Code = "asset_generation_failed"
	CodeQuotaExceeded         Code = "quota_exceeded"
	CodeStepTimeout           Code = "step_timeout"
	CodeTotalRuntimeExceeded  Code = "total_runtime_exceeded"
	CodeCanceled              Code = "canceled"
	CodeConfiguration         Code = "configuration"
	CodeInternal              Code = "internal"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// CodeOf maps an error to its machine-readable code. Order matters: the most
// specific markers are checked first so that, for example, a quota denial
// wrapped inside an external tool failure still reports quota_exceeded.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrInvalidPlan):
		return CodeInvalidPlan
	case errors.Is(err, ErrInvalidSceneInput):
		return CodeInvalidSceneInput
	case errors.Is(err, ErrTotalRuntimeExceeded):
		return CodeTotalRuntimeExceeded
	case errors.Is(err, ErrStepTimeout):
		return CodeStepTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrEncoderUnavailable):
		return CodeEncoderUnavailable
	case errors.Is(err, ErrAssetGenerationFailed):
		return CodeAssetGenerationFailed
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	default:
		return CodeInternal
	}
}

// Retryable reports whether a failed idempotent step may be attempted again.
// Denials, invalid input and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeQuotaExceeded, CodeInvalidPlan, CodeInvalidSceneInput, CodeCanceled,
		CodeTotalRuntimeExceeded, CodeConfiguration:
		return false
	}
	return true
}

// Message returns the human-readable portion of an error, trimmed.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
