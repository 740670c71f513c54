// Package boundary adapts the service API for a caller that manages memory by
// hand, such as the C library in cmd/libverdant.
//
// Every operation completes immediately. Failures to accept a command are
// reported as a Status; everything that happens afterwards arrives as an
// event. Event payloads are copied into memory obtained from an Allocator
// and belong to the caller until handed back to Release.
package boundary

import (
	"context"
	"errors"
	"unsafe"

	"github.com/drblury/verdant/internal/discovery"
	"github.com/drblury/verdant/internal/runtime"
	configpkg "github.com/drblury/verdant/internal/runtime/config"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

// Status is the result of a boundary call. The values are part of the C ABI.
type Status int32

const (
	StatusOK              Status = 0
	StatusInvalidArgument Status = -1
	StatusClosed          Status = -2
	StatusInternal        Status = -3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusClosed:
		return "closed"
	case StatusInternal:
		return "internal"
	}
	return "unknown"
}

// StatusOf maps an error returned by the service API to a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, errspkg.ErrServiceClosed), errors.Is(err, errspkg.ErrRuntimeClosed):
		return StatusClosed
	case errors.Is(err, errspkg.ErrInvalidCommand), errors.Is(err, errspkg.ErrServiceRequired):
		return StatusInvalidArgument
	}
	return StatusInternal
}

// Allocator hands out memory the caller releases through Release.
//
// Alloc returns a copy of data followed by a NUL byte. The copy must not
// alias data. Free receives only pointers returned by Alloc.
type Allocator interface {
	Alloc(data []byte) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// Event is an event ready to cross the boundary. Payload is nil for
// runtime.EventNone and otherwise a NUL-terminated JSON document owned by
// the caller.
type Event struct {
	Tag     uint32
	Payload unsafe.Pointer
}

// Options customise the services and runtimes an Adapter creates.
type Options struct {
	Runtime       runtime.RuntimeDependencies
	ClientFactory runtime.ClientFactory
	Hooks         runtime.CommandHooks
}

// Adapter performs boundary calls on behalf of a foreign caller. It is safe
// for concurrent use.
type Adapter struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	alloc  Allocator
	opts   Options
}

// NewAdapter returns an Adapter creating services from conf.
func NewAdapter(conf *configpkg.Config, log loggingpkg.ServiceLogger, alloc Allocator, opts Options) *Adapter {
	if log == nil {
		log = loggingpkg.Nop()
	}
	if alloc == nil {
		panic("verdant: boundary allocator cannot be nil")
	}
	return &Adapter{
		conf:   conf,
		logger: log.With(loggingpkg.LogFields{"component": "boundary"}),
		alloc:  alloc,
		opts:   opts,
	}
}

// NewRuntime creates a runtime the caller may lend to services.
func (a *Adapter) NewRuntime() (*runtime.Runtime, error) {
	rt, err := runtime.NewRuntime(a.conf, a.logger, a.opts.Runtime)
	if err != nil {
		a.logger.Error("Runtime creation failed", err, nil)
		return nil, err
	}
	return rt, nil
}

// FreeRuntime closes rt. A nil runtime is ignored. Services still running on
// rt stop working; the caller must free them first.
func (a *Adapter) FreeRuntime(rt *runtime.Runtime) {
	if rt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.conf.ShutdownTimeout)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		a.logger.Error("Runtime did not close cleanly", err, nil)
	}
}

// NewService creates a service. With rt nil the service owns a fresh
// runtime; otherwise it borrows rt and never closes it.
func (a *Adapter) NewService(enableDiscovery bool, rt *runtime.Runtime) (*runtime.Service, error) {
	svc, err := runtime.NewService(a.conf, a.logger, enableDiscovery, runtime.ServiceDependencies{
		Runtime:             rt,
		RuntimeDependencies: a.opts.Runtime,
		ClientFactory:       a.opts.ClientFactory,
		Hooks:               a.opts.Hooks,
	})
	if err != nil {
		a.logger.Error("Service creation failed", err, loggingpkg.LogFields{"borrowed_runtime": rt != nil})
		return nil, err
	}
	return svc, nil
}

// FreeService shuts svc down, waiting at most the configured shutdown
// timeout for in-flight work. A nil service is ignored.
func (a *Adapter) FreeService(svc *runtime.Service) {
	if svc == nil {
		return
	}
	if err := svc.Close(context.Background()); err != nil {
		a.logger.Error("Service did not close cleanly", err, nil)
	}
}

// Login queues a login attempt.
func (a *Adapter) Login(svc *runtime.Service, url, username, password string) Status {
	if svc == nil {
		return StatusInvalidArgument
	}
	return StatusOf(svc.Login(url, username, password))
}

// SetDiscovery queues a request to start or stop the beacon listener.
func (a *Adapter) SetDiscovery(svc *runtime.Service, enabled bool) Status {
	if svc == nil {
		return StatusInvalidArgument
	}
	return StatusOf(svc.SetDiscovery(enabled))
}

// AddServer queues a manually entered server. name may be empty.
func (a *Adapter) AddServer(svc *runtime.Service, url, name string) Status {
	if svc == nil {
		return StatusInvalidArgument
	}
	server, err := discovery.ManualServer(url, name)
	if err != nil {
		return StatusInvalidArgument
	}
	return StatusOf(svc.AddServer(server))
}

// TryRecv returns the next event, or the zero Event when nothing is queued.
// A non-nil payload must be passed to Release exactly once.
func (a *Adapter) TryRecv(svc *runtime.Service) Event {
	if svc == nil {
		return Event{}
	}
	ev := svc.TryRecv()
	if ev.IsNone() {
		return Event{}
	}
	return Event{Tag: uint32(ev.Tag), Payload: a.alloc.Alloc(ev.Payload)}
}

// Release frees a payload returned by TryRecv. nil is ignored.
func (a *Adapter) Release(p unsafe.Pointer) {
	if p == nil {
		return
	}
	a.alloc.Free(p)
}
