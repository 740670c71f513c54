package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/verdant/internal/runtime/config"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

// RuntimeDependencies holds optional collaborators of a Runtime.
type RuntimeDependencies struct {
	// Registerer receives the bridge collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Gatherer backs the /metrics endpoint. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Runtime is the execution context services run their tasks on. It may be
// owned by a single Service or shared by several.
type Runtime struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	closed bool

	metrics     *Metrics
	registerer  prometheus.Registerer
	resources   *resourceTracker
	activeTasks atomic.Int64

	endpoint *metricsEndpoint

	closeOnce sync.Once
	closeErr  error
}

// NewRuntime validates conf and starts the runtime. Runtimes asking for the
// same metrics port share one endpoint; a port held by anything else fails
// construction.
func NewRuntime(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps RuntimeDependencies) (*Runtime, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.Nop()
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := NewMetrics(registerer)
	if err := metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		Conf:       conf,
		Logger:     log.With(loggingpkg.LogFields{"component": "runtime"}),
		ctx:        ctx,
		cancel:     cancel,
		metrics:    metrics,
		registerer: registerer,
		resources:  newResourceTracker(),
	}
	if conf.MaxTasks > 0 {
		r.group.SetLimit(conf.MaxTasks)
	}

	if conf.MetricsEnabled && conf.MetricsPort > 0 {
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		ep, err := acquireMetricsEndpoint(conf.MetricsPort, gatherer, r.Logger)
		if err != nil {
			cancel()
			return nil, err
		}
		r.endpoint = ep
	}

	metrics.runtimeOpened()
	r.Logger.Debug("Runtime started", loggingpkg.LogFields{"max_tasks": conf.MaxTasks})
	return r, nil
}

// Metrics returns the collectors shared by services on this runtime.
func (r *Runtime) Metrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.metrics
}

// Context is cancelled when the runtime closes.
func (r *Runtime) Context() context.Context {
	return r.ctx
}

// Task is a unit of work spawned on a Runtime.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the name the task was spawned with.
func (t *Task) Name() string { return t.name }

// Done is closed when the task returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's error once it has finished, nil before.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn runs fn on the runtime. It never blocks: a closed runtime returns
// ErrRuntimeClosed and a runtime at its task limit returns
// ErrRuntimeSaturated. A panic in fn is reported as the task's error.
func (r *Runtime) Spawn(name string, fn func(ctx context.Context) error) (*Task, error) {
	if r == nil {
		return nil, errspkg.ErrRuntimeRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errspkg.ErrRuntimeClosed
	}

	task := &Task{name: name, done: make(chan struct{})}
	r.metrics.taskStarted()
	r.activeTasks.Add(1)
	started := r.group.TryGo(func() error {
		defer close(task.done)
		defer r.metrics.taskFinished()
		defer r.activeTasks.Add(-1)

		var err error
		if recovered := panics.Try(func() { err = fn(r.ctx) }); recovered != nil {
			err = recovered.AsError()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.Logger.Error("Task failed", err, loggingpkg.LogFields{"task": name})
		}
		task.err = err
		return nil
	})
	if !started {
		r.activeTasks.Add(-1)
		r.metrics.taskFinished()
		return nil, errspkg.ErrRuntimeSaturated
	}
	return task, nil
}

// Stats returns a point-in-time snapshot of the runtime.
func (r *Runtime) Stats() RuntimeStats {
	if r == nil {
		return RuntimeStats{Closed: true}
	}
	return RuntimeStats{
		Closed:      r.Closed(),
		ActiveTasks: r.activeTasks.Load(),
		MaxTasks:    r.Conf.MaxTasks,
		Resources:   r.resources.Snapshot(),
	}
}

// Closed reports whether Close has been called.
func (r *Runtime) Closed() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close cancels every task and waits for them, bounded by ctx. It stops the
// metrics endpoint. Calling Close again returns the first result.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.cancel()

		waited := make(chan struct{})
		go func() {
			_ = r.group.Wait()
			close(waited)
		}()

		var errs []error
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for runtime tasks: %w", ctx.Err()))
		}

		if r.endpoint != nil {
			if err := r.endpoint.release(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		r.metrics.runtimeClosed()
		r.closeErr = errors.Join(errs...)
		r.Logger.Debug("Runtime closed", nil)
	})
	return r.closeErr
}
