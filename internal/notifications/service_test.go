package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/jobs"
	"reelforge/internal/notifications"
	"reelforge/internal/services"
)

type captured struct {
	title    string
	tags     string
	priority string
	sequence string
	body     string
}

func newServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			sequence: r.Header.Get("X-Sequence-ID"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte("topic unavailable"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), reqs...)
	}
}

func configFor(topic string, success bool) *config.Config {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	cfg.Notifications.Success = success
	return &cfg
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := notifications.NewService(configFor("", true))
	if err := svc.NotifyJobFailed(context.Background(), "x", "internal", "boom"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		send           func(notifications.Service) error
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name: "reel ready",
			send: func(s notifications.Service) error {
				return s.NotifyReelReady(context.Background(), "Launch Teaser", "/out/launch.mp4", 7040*time.Millisecond)
			},
			expectTitle:   "Reelforge - Ready",
			expectMessage: "🎬 Reel ready: Launch Teaser (7s)\nFile: /out/launch.mp4",
			expectTags:    "reelforge,render,completed",
		},
		{
			name: "untitled failure",
			send: func(s notifications.Service) error {
				return s.NotifyJobFailed(context.Background(), " ", "quota_exceeded", "monthly minutes used")
			},
			expectTitle:    "Reelforge - Failed",
			expectMessage:  "❌ Untitled reel [quota_exceeded]: monthly minutes used",
			expectTags:     "reelforge,error,alert",
			expectPriority: "high",
		},
		{
			name:           "test",
			send:           func(s notifications.Service) error { return s.TestNotification(context.Background()) },
			expectTitle:    "Reelforge - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "reelforge,test",
			expectPriority: "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, requests := newServer(t, http.StatusOK)
			if err := tt.send(notifications.NewService(configFor(srv.URL, true))); err != nil {
				t.Fatalf("send: %v", err)
			}
			got := requests()
			if len(got) != 1 {
				t.Fatalf("expected 1 request, got %d", len(got))
			}
			req := got[0]
			if req.title != tt.expectTitle || req.body != tt.expectMessage || req.tags != tt.expectTags || req.priority != tt.expectPriority {
				t.Fatalf("unexpected request %+v", req)
			}
		})
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv, _ := newServer(t, http.StatusServiceUnavailable)
	err := notifications.NewService(configFor(srv.URL, true)).TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "topic unavailable") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHookDisabledWithoutSuccessFlag(t *testing.T) {
	cfg := configFor("https://ntfy.example/reels", false)
	if hook := notifications.NewHook(cfg, notifications.NewService(cfg)); hook != nil {
		t.Fatal("hook should be nil when success notifications are off")
	}
}

func TestHookPublishesWithSequenceID(t *testing.T) {
	srv, requests := newServer(t, http.StatusOK)
	cfg := configFor(srv.URL, true)
	hook := notifications.NewHook(cfg, notifications.NewService(cfg))
	req := jobs.PublishRequest{
		JobID:          "job-1",
		IdempotencyKey: strings.Repeat("ab", 32),
		Title:          "Launch Teaser",
		ArtifactPath:   "/out/launch.mp4",
		DurationSec:    7,
	}
	for range 2 {
		if err := hook.Publish(context.Background(), req); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	got := requests()
	if len(got) != 2 || got[0].sequence != req.IdempotencyKey || got[1].sequence != got[0].sequence {
		t.Fatalf("retried publishes should share a sequence id: %+v", got)
	}
}

func TestHookWrapsDeliveryFailure(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadGateway)
	cfg := configFor(srv.URL, true)
	hook := notifications.NewHook(cfg, notifications.NewService(cfg))
	err := hook.Publish(context.Background(), jobs.PublishRequest{Title: "x"})
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}
