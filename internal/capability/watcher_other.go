//go:build !linux

package capability

import (
	"context"
	"log/slog"
)

// Invalidator is implemented by Prober.
type Invalidator interface {
	Invalidate()
}

// Watcher is a no-op outside linux.
type Watcher struct{}

// NewWatcher returns nil; hotplug detection needs udev.
func NewWatcher(Invalidator, *slog.Logger) *Watcher { return nil }

func (w *Watcher) Start(context.Context) error { return nil }

func (w *Watcher) Stop() {}

func (w *Watcher) Running() bool { return false }
