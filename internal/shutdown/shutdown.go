// Package shutdown coordinates graceful termination. A reconcile against the
// remote control plane can be mid-flight when the pod is told to stop; the
// tracker flips readiness before the manager starts draining so no new work
// is routed to a pod that is about to disappear.
package shutdown

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrShuttingDown is returned by the readiness check once termination begins.
var ErrShuttingDown = errors.New("shutting down")

// Tracker records whether a shutdown signal has been received.
type Tracker struct {
	shuttingDown atomic.Bool
}

// NewTracker creates a new shutdown tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// MarkShuttingDown flips the tracker into shutdown state. Safe to call more
// than once.
func (t *Tracker) MarkShuttingDown() {
	t.shuttingDown.Store(true)
}

// IsShuttingDown reports whether termination has begun.
func (t *Tracker) IsShuttingDown() bool {
	return t.shuttingDown.Load()
}

// HealthChecker is a healthz.Checker that fails readiness during shutdown,
// so Kubernetes stops routing to the pod while in-flight reconciles drain.
type HealthChecker struct {
	tracker *Tracker
}

// NewHealthChecker creates a shutdown-aware readiness checker.
func NewHealthChecker(tracker *Tracker) *HealthChecker {
	return &HealthChecker{tracker: tracker}
}

// Check implements healthz.Checker.
func (h *HealthChecker) Check(_ *http.Request) error {
	if h.tracker.IsShuttingDown() {
		return ErrShuttingDown
	}
	return nil
}

// SetupSignalHandler returns a context cancelled on SIGTERM/SIGINT. The
// tracker is marked before the cancel so readiness fails ahead of the
// manager draining. A second signal forces an immediate exit.
func SetupSignalHandler(tracker *Tracker) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.FromContext(context.Background()).WithName("shutdown")

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-c
		logger.Info("received shutdown signal, draining in-flight reconciles", "signal", sig.String())
		tracker.MarkShuttingDown()
		cancel()

		sig = <-c
		logger.Info("received second signal, forcing exit", "signal", sig.String())
		os.Exit(1)
	}()

	return ctx
}
