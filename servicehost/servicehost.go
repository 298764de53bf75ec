// Package servicehost implements C6: one simulated service's HTTP
// listener lifecycle, bound to a pipeline.Pipeline. It is grounded on the
// teacher's server/server.go (h2c wrapping for cleartext HTTP/2, server
// construction with fixed read/write timeouts) generalized from the
// teacher's single global server to one instance per simulated service.
package servicehost

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"apisim/models"
	"apisim/pipeline"
)

// DefaultGracePeriod is how long Shutdown waits for in-flight requests to
// finish before the remaining ones are abandoned (logged 499 by the
// pipeline's own cancellation path).
const DefaultGracePeriod = 10 * time.Second

// maxResponseDelay matches the ResponseRule.DelayMs cap (§3): a rule may
// legally ask the pipeline to suspend for up to 60s before it writes
// anything. writeTimeout must exceed that cap plus headroom for the
// render and network write themselves, or the server would kill the
// connection out from under a spec-legal delay before the handler ever
// gets to respond.
const maxResponseDelay = 60 * time.Second

const writeTimeout = maxResponseDelay + 10*time.Second

// Host runs one service's HTTP listener.
type Host struct {
	Name     string
	Pipeline *pipeline.Pipeline

	GracePeriod time.Duration // 0 => DefaultGracePeriod

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	port     int
	actual   models.ActualState
	lastErr  string
}

// New constructs a Host that is not yet listening.
func New(name string, p *pipeline.Pipeline) *Host {
	return &Host{Name: name, Pipeline: p, actual: models.ActualStopped}
}

// Start binds ln (already bound by the fleet manager, which owns port
// allocation) and begins serving in the background. It returns once the
// listener is accepting connections; it does not block until shutdown.
func (h *Host) Start(ln net.Listener, def *models.ServiceDefinition) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.actual == models.ActualRunning || h.actual == models.ActualStarting {
		return fmt.Errorf("servicehost: %s is already running", h.Name)
	}
	h.actual = models.ActualStarting

	var handler http.Handler = http.HandlerFunc(h.Pipeline.ServeHTTP)
	if def.Server.HTTP2 {
		h2s := &http2.Server{}
		handler = h2c.NewHandler(handler, h2s)
	}

	h.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}
	h.listener = ln
	h.port = ln.Addr().(*net.TCPAddr).Port
	h.actual = models.ActualRunning

	go func() {
		err := h.server.Serve(ln)
		h.mu.Lock()
		if err != nil && err != http.ErrServerClosed {
			h.actual = models.ActualFailed
			h.lastErr = err.Error()
		} else {
			h.actual = models.ActualStopped
		}
		h.mu.Unlock()
	}()

	return nil
}

// Shutdown drains in-flight requests for up to the grace period, then
// forcibly closes every connection still open. Closing a connection
// cancels its request's context, so a request still running when the
// grace period elapses is abandoned and its own cancellation path
// (pipeline's context-done check) logs it as 499.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.actual = models.ActualStopping
	h.mu.Unlock()

	if server == nil {
		return nil
	}

	grace := h.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := server.Shutdown(drainCtx)
	if err != nil {
		_ = server.Close()
	}

	h.mu.Lock()
	h.actual = models.ActualStopped
	h.mu.Unlock()

	return err
}

// Port returns the bound listener's port, or 0 if not yet started.
func (h *Host) Port() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.port
}

// Status returns the observed lifecycle state for fleet-level reporting.
func (h *Host) Status() (models.ActualState, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.actual, h.lastErr
}
