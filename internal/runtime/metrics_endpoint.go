package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

// metricsEndpoint is a /metrics listener shared by every runtime in the
// process that asks for the same port. The last runtime to release it shuts
// it down.
type metricsEndpoint struct {
	port   int
	refs   int
	server *http.Server
	done   chan struct{}
}

var metricsEndpoints = struct {
	mu     sync.Mutex
	byPort map[int]*metricsEndpoint
}{byPort: make(map[int]*metricsEndpoint)}

// acquireMetricsEndpoint returns the endpoint serving port, binding it on
// first use. Later callers share the listener and the gatherer of the first.
func acquireMetricsEndpoint(port int, gatherer prometheus.Gatherer, log loggingpkg.ServiceLogger) (*metricsEndpoint, error) {
	metricsEndpoints.mu.Lock()
	defer metricsEndpoints.mu.Unlock()

	if ep, ok := metricsEndpoints.byPort[port]; ok {
		ep.refs++
		return ep, nil
	}

	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics listener %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	ep := &metricsEndpoint{
		port:   port,
		refs:   1,
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		done:   make(chan struct{}),
	}
	metricsEndpoints.byPort[port] = ep

	log.Info("Starting metrics server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func() {
		defer close(ep.done)
		if err := ep.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return ep, nil
}

// release drops one reference and stops the listener with the last one.
func (ep *metricsEndpoint) release(ctx context.Context) error {
	metricsEndpoints.mu.Lock()
	defer metricsEndpoints.mu.Unlock()

	ep.refs--
	if ep.refs > 0 {
		return nil
	}
	delete(metricsEndpoints.byPort, ep.port)

	err := ep.server.Shutdown(ctx)
	if err != nil {
		_ = ep.server.Close()
	}
	<-ep.done
	if err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
