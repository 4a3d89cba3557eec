package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const jobColumns = "id, state, tier, title, scene_count, retry_of, artifact_ref, duration_sec, encoders_json, error_code, error_step, error_message, metadata_json, created_at, updated_at, finished_at"

const stepColumns = "seq, step, status, started_at, finished_at, retry_count, encoder_used, idempotency_key, detail"

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isFrozen(err error) bool {
	return err != nil && strings.Contains(err.Error(), "job document is frozen")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job         Job
		state       string
		title       sql.NullString
		retryOf     sql.NullString
		artifact    sql.NullString
		encoders    sql.NullString
		errorCode   sql.NullString
		errorStep   sql.NullString
		errorMsg    sql.NullString
		metadata    sql.NullString
		createdRaw  string
		updatedRaw  string
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(
		&job.ID, &state, &job.Tier, &title, &job.SceneCount, &retryOf, &artifact,
		&job.DurationSec, &encoders, &errorCode, &errorStep, &errorMsg, &metadata,
		&createdRaw, &updatedRaw, &finishedRaw,
	); err != nil {
		return nil, err
	}
	job.State = State(state)
	job.Title = title.String
	job.RetryOf = retryOf.String
	job.ArtifactRef = artifact.String
	job.ErrorCode = errorCode.String
	job.ErrorStep = errorStep.String
	job.ErrorMessage = errorMsg.String
	if encoders.Valid && encoders.String != "" {
		_ = json.Unmarshal([]byte(encoders.String), &job.Encoders)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &job.Metadata)
	}
	job.CreatedAt, _ = parseTime(createdRaw)
	job.UpdatedAt, _ = parseTime(updatedRaw)
	if finishedRaw.Valid {
		if t, err := parseTime(finishedRaw.String); err == nil {
			job.FinishedAt = &t
		}
	}
	return &job, nil
}

func scanStep(scanner interface{ Scan(dest ...any) error }) (StepRecord, error) {
	var (
		rec         StepRecord
		status      string
		startedRaw  string
		finishedRaw string
		encoder     sql.NullString
		key         sql.NullString
		detail      sql.NullString
	)
	if err := scanner.Scan(&rec.Seq, &rec.Step, &status, &startedRaw, &finishedRaw, &rec.RetryCount, &encoder, &key, &detail); err != nil {
		return StepRecord{}, err
	}
	rec.Status = StepStatus(status)
	rec.StartedAt, _ = parseTime(startedRaw)
	rec.FinishedAt, _ = parseTime(finishedRaw)
	rec.EncoderUsed = encoder.String
	rec.IdempotencyKey = key.String
	rec.Detail = detail.String
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableJSON(value any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
