package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/verdant/internal/discovery"
	configpkg "github.com/drblury/verdant/internal/runtime/config"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

const coreHandlerName = "verdant.core"

// State is the lifecycle position of a Service.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// Runtime is borrowed when set: the Service runs on it but never closes
	// it. When nil the Service creates and owns its runtime.
	Runtime *Runtime
	// RuntimeDependencies configure an owned runtime.
	RuntimeDependencies RuntimeDependencies

	ClientFactory             ClientFactory
	TransportFactory          TransportFactory
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// Hooks observe each command inside the core. They run innermost, after
	// every other middleware.
	Hooks CommandHooks
}

// Service bridges a synchronous caller and the asynchronous core. Submit and
// TryRecv never block; the core runs as a Watermill router on the runtime.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	runtime     *Runtime
	ownsRuntime bool
	discovery   bool

	transport Transport
	router    *message.Router
	core      *core
	metrics   *Metrics

	inbox  *fifo[*message.Message]
	outbox *fifo[Event]

	ctx    context.Context
	cancel context.CancelFunc
	tasks  []*Task

	dropped   atomic.Uint64
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// NewService builds a Service and starts its core. conf may be nil when a
// runtime is supplied, in which case the runtime's configuration is used.
// With enableDiscovery set the beacon listener starts during construction.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, enableDiscovery bool, deps ServiceDependencies) (*Service, error) {
	rt := deps.Runtime
	owned := rt == nil
	if conf == nil {
		if rt == nil {
			return nil, errspkg.ErrConfigRequired
		}
		conf = rt.Conf
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		if rt != nil {
			log = rt.Logger
		} else {
			log = loggingpkg.Nop()
		}
	}

	if owned {
		var err error
		rt, err = NewRuntime(conf, log, deps.RuntimeDependencies)
		if err != nil {
			return nil, err
		}
	} else if rt.Closed() {
		return nil, errspkg.ErrRuntimeClosed
	}

	log.Info("Creating verdant service", loggingpkg.LogFields{
		"discovery":    enableDiscovery,
		"owns_runtime": owned,
		"config":       conf,
	})

	ctx, cancel := context.WithCancel(rt.Context())
	s := &Service{
		Conf:        conf,
		Logger:      log,
		runtime:     rt,
		ownsRuntime: owned,
		discovery:   enableDiscovery,
		metrics:     rt.Metrics(),
		inbox:       newFIFO[*message.Message](0),
		outbox:      newFIFO[Event](conf.EventQueueLimit),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.state.Store(int32(StateInitializing))

	if err := s.start(deps); err != nil {
		s.abort()
		return nil, err
	}

	s.metrics.serviceStarted()
	s.state.Store(int32(StateRunning))
	return s, nil
}

func (s *Service) start(deps ServiceDependencies) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)

	factory := deps.TransportFactory
	if factory == nil {
		factory = ChannelTransport
	}
	transport, err := factory(wmLogger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	s.transport = transport

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: s.Conf.ShutdownTimeout}, wmLogger)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	s.router = router

	clientFactory := deps.ClientFactory
	if clientFactory == nil {
		clientFactory = DefaultClientFactory(s.Conf.HTTPTimeout)
	}
	s.core = newCore(s, clientFactory)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}
	s.router.AddHandler(
		coreHandlerName,
		CommandsTopic,
		s.transport.Subscriber,
		EventsTopic,
		s.transport.Publisher,
		s.core.Handle,
	)

	// The in-memory transport drops messages published before anyone
	// subscribes, so the event subscription must exist before the router runs.
	events, err := s.transport.Subscriber.Subscribe(s.ctx, EventsTopic)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	if err := s.spawn("router", func(context.Context) error { return s.router.Run(s.ctx) }); err != nil {
		return err
	}
	if err := s.spawn("event_pump", func(context.Context) error { return s.runEventPump(events) }); err != nil {
		return err
	}
	if err := s.spawn("command_pump", func(context.Context) error { return s.runCommandPump() }); err != nil {
		return err
	}

	if s.discovery {
		if err := s.core.startDiscovery(); err != nil {
			s.Logger.Error("Discovery failed to start", err, nil)
			s.pushEvent(newErrorEvent(ErrorCodeDiscoveryFailed, "", err))
		}
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)
	if !deps.Hooks.IsZero() {
		registrations = append(registrations, CommandHooksMiddleware(deps.Hooks))
	}

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) spawn(name string, fn func(context.Context) error) error {
	task, err := s.runtime.Spawn(name, fn)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", name, err)
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// runCommandPump moves submitted commands onto the command topic in order.
// Each publish returns once the core has acked the command.
func (s *Service) runCommandPump() error {
	select {
	case <-s.router.Running():
	case <-s.ctx.Done():
		return nil
	}
	for {
		msg, err := s.inbox.Pop(s.ctx)
		if err != nil {
			return nil
		}
		if err := s.transport.Publisher.Publish(CommandsTopic, msg); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.Logger.Error("Failed to publish command", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		}
	}
}

// runEventPump moves events produced by the core into the caller's queue.
func (s *Service) runEventPump(events <-chan *message.Message) error {
	for msg := range events {
		ev, err := eventFromMessage(msg)
		msg.Ack()
		if err != nil {
			s.Logger.Error("Dropping malformed event", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
			continue
		}
		s.pushEvent(ev)
	}
	return nil
}

func (s *Service) pushEvent(ev Event) {
	dropped, err := s.outbox.Push(ev)
	if err != nil {
		return
	}
	if dropped {
		s.dropped.Add(1)
		s.metrics.RecordEventDropped()
		s.Logger.Debug("Event queue full, dropped oldest event", loggingpkg.LogFields{"limit": s.Conf.EventQueueLimit})
	}
	s.metrics.RecordEventEmitted(ev.Tag)
}

// Submit validates cmd and queues it for the core. It never waits for the
// command to be processed. The returned id is echoed in the events the
// command produces.
func (s *Service) Submit(cmd Command) (string, error) {
	if s == nil {
		return "", errspkg.ErrServiceRequired
	}
	if cmd == nil {
		return "", errspkg.ErrInvalidCommand
	}
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	msg, err := newCommandMessage(cmd)
	if err != nil {
		return "", err
	}
	if _, err := s.inbox.Push(msg); err != nil {
		return "", errspkg.ErrServiceClosed
	}
	return msg.UUID, nil
}

// Login queues a login attempt.
func (s *Service) Login(url, username, password string) error {
	_, err := s.Submit(LoginCommand{URL: url, Username: username, Password: password})
	return err
}

// SetDiscovery queues a request to start or stop the beacon listener.
func (s *Service) SetDiscovery(enabled bool) error {
	_, err := s.Submit(SetDiscoveryCommand{Enabled: enabled})
	return err
}

// AddServer queues a manually entered server.
func (s *Service) AddServer(server discovery.Server) error {
	_, err := s.Submit(AddServerCommand{Server: server, Source: SourceManual})
	return err
}

// TryRecv returns the oldest queued event, or the EventNone sentinel when
// nothing is queued. It never blocks.
func (s *Service) TryRecv() Event {
	if s == nil {
		return Event{}
	}
	ev, ok := s.outbox.TryPop()
	if !ok {
		return Event{}
	}
	s.metrics.RecordEventPolled(ev.Tag)
	return ev
}

// State returns the lifecycle state.
func (s *Service) State() State {
	if s == nil {
		return StateTerminated
	}
	return State(s.state.Load())
}

// Stats returns a point-in-time snapshot of the service queues and the
// runtime underneath.
func (s *Service) Stats() ServiceStats {
	if s == nil {
		return ServiceStats{State: StateTerminated.String()}
	}
	stats := ServiceStats{
		State:           s.State().String(),
		PendingCommands: s.inbox.Len(),
		QueuedEvents:    s.outbox.Len(),
		DroppedEvents:   s.dropped.Load(),
		OwnsRuntime:     s.ownsRuntime,
		Runtime:         s.runtime.Stats(),
	}
	if s.core != nil {
		stats.KnownServers = s.core.knownServers()
		stats.DiscoveryEnabled = s.core.discoveryState().Enabled
	}
	return stats
}

// Runtime returns the runtime the service runs on.
func (s *Service) Runtime() *Runtime {
	if s == nil {
		return nil
	}
	return s.runtime
}

// OwnsRuntime reports whether Close also closes the runtime.
func (s *Service) OwnsRuntime() bool {
	return s != nil && s.ownsRuntime
}

// Close stops accepting commands, discards queued ones, cancels in-flight
// work and waits for the core, bounded by Conf.ShutdownTimeout and ctx. An
// owned runtime is closed afterwards within its own ShutdownTimeout. Close is
// idempotent.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateShuttingDown))
		s.closeErr = s.shutdown(ctx)
		s.metrics.serviceStopped()
		s.state.Store(int32(StateTerminated))
	})
	return s.closeErr
}

func (s *Service) shutdown(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, done := context.WithTimeout(parent, s.Conf.ShutdownTimeout)
	defer done()

	if discarded := s.inbox.Close(true); discarded > 0 {
		s.Logger.Debug("Discarded pending commands", loggingpkg.LogFields{"count": discarded})
	}
	s.cancel()
	s.core.stopDiscovery()

	var errs []error
	for _, task := range s.tasks {
		if err := task.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name(), err))
		}
	}

	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	s.outbox.Close(false)

	if err := s.closeOwnedRuntime(parent); err != nil {
		errs = append(errs, err)
	}

	s.Logger.Info("Verdant service closed", nil)
	return errors.Join(errs...)
}

// abort releases whatever start managed to create.
func (s *Service) abort() {
	s.inbox.Close(true)
	s.cancel()
	if s.core != nil {
		s.core.stopDiscovery()
	}

	ctx, done := context.WithTimeout(context.Background(), s.Conf.ShutdownTimeout)
	defer done()
	for _, task := range s.tasks {
		_ = task.Wait(ctx)
	}
	if s.transport.Publisher != nil || s.transport.Subscriber != nil {
		_ = s.transport.Close()
	}
	s.outbox.Close(true)
	_ = s.closeOwnedRuntime(context.Background())
	s.state.Store(int32(StateTerminated))
}

// closeOwnedRuntime closes the runtime the service created. It gets a fresh
// ShutdownTimeout so an exhausted task wait does not cut the runtime short.
func (s *Service) closeOwnedRuntime(parent context.Context) error {
	if !s.ownsRuntime {
		return nil
	}
	ctx, done := context.WithTimeout(context.WithoutCancel(parent), s.Conf.ShutdownTimeout)
	defer done()
	return s.runtime.Close(ctx)
}

// CloseTimeout is a convenience for callers without a context.
func (s *Service) CloseTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Close(ctx)
}
