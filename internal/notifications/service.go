package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/jobs"
	"reelforge/internal/services"
)

const userAgent = "reelforge/0.1.0"

// Service defines the notification surface used by the CLI and publish hook.
type Service interface {
	NotifyReelReady(ctx context.Context, title, artifact string, duration time.Duration) error
	NotifyJobFailed(ctx context.Context, title, code, message string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
	id       string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyReelReady(ctx context.Context, title, artifact string, duration time.Duration) error {
	return n.sendReady(ctx, title, artifact, duration, "")
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, title, code, message string) error {
	var b strings.Builder
	b.WriteString("❌ ")
	b.WriteString(displayTitle(title))
	if code = strings.TrimSpace(code); code != "" {
		b.WriteString(" [")
		b.WriteString(code)
		b.WriteString("]")
	}
	b.WriteString(": ")
	if message = strings.TrimSpace(message); message != "" {
		b.WriteString(message)
	} else {
		b.WriteString("unknown")
	}
	return n.send(ctx, payload{
		title:    "Reelforge - Failed",
		message:  b.String(),
		tags:     []string{"reelforge", "error", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Reelforge - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"reelforge", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}
	if data.id != "" {
		req.Header.Set("X-Sequence-ID", data.id)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func displayTitle(title string) string {
	if title = strings.TrimSpace(title); title == "" {
		return "Untitled reel"
	}
	return title
}

type noopService struct{}

func (noopService) NotifyReelReady(context.Context, string, string, time.Duration) error { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string, string) error       { return nil }
func (noopService) TestNotification(context.Context) error                              { return nil }

// Hook publishes finished reels as ntfy notifications.
type Hook struct {
	svc Service
}

// NewHook wraps svc as a jobs.PublishHook. It returns nil when success
// notifications are disabled so callers can skip registering it.
func NewHook(cfg *config.Config, svc Service) *Hook {
	if !cfg.Notifications.Success || strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return nil
	}
	return &Hook{svc: svc}
}

// Publish implements jobs.PublishHook. The idempotency key doubles as the
// ntfy sequence id so a retried publish replaces the earlier message.
func (h *Hook) Publish(ctx context.Context, req jobs.PublishRequest) error {
	if h == nil || h.svc == nil {
		return nil
	}
	duration := time.Duration(req.DurationSec * float64(time.Second))
	if n, ok := h.svc.(*ntfyService); ok {
		err := n.sendReady(ctx, req.Title, req.ArtifactPath, duration, req.IdempotencyKey)
		return wrapPublish(err)
	}
	return wrapPublish(h.svc.NotifyReelReady(ctx, req.Title, req.ArtifactPath, duration))
}

func (n *ntfyService) sendReady(ctx context.Context, title, artifact string, duration time.Duration, id string) error {
	title = displayTitle(title)
	message := fmt.Sprintf("🎬 Reel ready: %s (%s)", title, duration.Round(100*time.Millisecond))
	if artifact = strings.TrimSpace(artifact); artifact != "" {
		message = fmt.Sprintf("%s\nFile: %s", message, artifact)
	}
	return n.send(ctx, payload{
		title:   "Reelforge - Ready",
		message: message,
		tags:    []string{"reelforge", "render", "completed"},
		id:      sequenceID(id),
	})
}

// sequenceID trims keys to what ntfy accepts as a sequence id.
func sequenceID(key string) string {
	if len(key) > 64 {
		return key[:64]
	}
	return key
}

func wrapPublish(err error) error {
	if err == nil {
		return nil
	}
	return services.Wrap(services.ErrExternalTool, "notifications", "publish", "ntfy delivery failed", err)
}
