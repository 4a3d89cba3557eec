//go:build linux

package capability

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"reelforge/internal/logging"
)

// Invalidator is implemented by Prober.
type Invalidator interface {
	Invalidate()
}

// Watcher listens for GPU hotplug uevents and invalidates the capability record
// so the next render re-probes.
type Watcher struct {
	target Invalidator
	logger *slog.Logger

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewWatcher returns a watcher that invalidates target on drm add/remove events.
func NewWatcher(target Invalidator, logger *slog.Logger) *Watcher {
	if target == nil {
		return nil
	}
	return &Watcher{target: target, logger: logging.NewComponentLogger(logger, "capability-watcher")}
}

// Start connects to the udev netlink socket. Connection failures are logged and
// leave the watcher stopped.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(w.logger, "failed to connect to netlink socket; GPU hotplug will not trigger re-probe", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the process may open netlink sockets"),
			logging.String(logging.FieldImpact, "restart reelforge after changing GPUs"),
		)
		return nil
	}
	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true
	go w.loop(ctx, conn, w.quit)

	w.logger.Info("capability watcher started", logging.String(logging.FieldEventType, "capability_watcher_started"))
	return nil
}

// Stop closes the netlink connection.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.quit)
	w.quit = nil
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.running = false
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())
	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			w.handleEvent(ev)
		case err := <-errs:
			w.logger.Debug("netlink monitor error", logging.Error(err))
		}
	}
}

// buildMatcher matches render-node add/remove on the drm subsystem.
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "drm",
		},
	})
	return rules
}

func (w *Watcher) handleEvent(ev netlink.UEvent) {
	w.logger.Info("gpu device change detected",
		logging.String(logging.FieldEventType, "gpu_hotplug"),
		logging.String("action", string(ev.Action)),
		logging.String("device", ev.Env["DEVNAME"]),
	)
	w.target.Invalidate()
}
