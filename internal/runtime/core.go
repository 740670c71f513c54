package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/verdant/internal/client"
	"github.com/drblury/verdant/internal/discovery"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
	metadatapkg "github.com/drblury/verdant/internal/runtime/metadata"
)

// Authenticator performs the protocol actions against one server.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (client.LoginResult, error)
	LiveKitToken(ctx context.Context) (client.TokenResponse, error)
}

// ClientFactory connects to a newly added server.
type ClientFactory func(ctx context.Context, server discovery.Server) (Authenticator, error)

// DefaultClientFactory fetches and verifies the server key over HTTP.
func DefaultClientFactory(timeout time.Duration) ClientFactory {
	return func(ctx context.Context, server discovery.Server) (Authenticator, error) {
		return client.FromServer(ctx, server, client.Options{Timeout: timeout})
	}
}

// core executes commands. The router delivers one command at a time, so
// dispatch is sequential; the mutex guards against the discovery task and
// Close reading the same state.
type core struct {
	svc     *Service
	factory ClientFactory
	logger  loggingpkg.ServiceLogger

	mu               sync.Mutex
	servers          map[string]Authenticator
	discoveryTask    *Task
	discoveryCancel  context.CancelFunc
	discoveryAddress string
}

func newCore(svc *Service, factory ClientFactory) *core {
	return &core{
		svc:     svc,
		factory: factory,
		logger:  svc.Logger.With(loggingpkg.LogFields{"component": "core"}),
		servers: make(map[string]Authenticator),
	}
}

// Handle is the router handler for the command topic. Failures are returned
// as errors and turned into EventError by the middleware chain.
func (c *core) Handle(msg *message.Message) ([]*message.Message, error) {
	commandID := msg.Metadata.Get(metadatapkg.KeyCommandID)
	cmd, err := decodeCommand(msg)
	if err != nil {
		c.svc.metrics.RecordCommand(msg.Metadata.Get(metadatapkg.KeyCommandType), "failed")
		return nil, err
	}

	ctx, cancel := c.commandContext(msg.Context())
	defer cancel()

	var out []*message.Message
	switch cmd := cmd.(type) {
	case LoginCommand:
		out, err = c.login(ctx, commandID, cmd)
	case SetDiscoveryCommand:
		out, err = c.setDiscovery(commandID, cmd)
	case AddServerCommand:
		out, err = c.addServer(ctx, commandID, cmd)
	default:
		err = fmt.Errorf("%w: %T", errspkg.ErrUnknownCommand, cmd)
	}

	status := "ok"
	if err != nil {
		status = "failed"
	}
	c.svc.metrics.RecordCommand(cmd.CommandType(), status)
	return out, err
}

// commandContext is cancelled by whichever of the message and the service
// finishes first, so Close aborts in-flight requests.
func (c *core) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(c.svc.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *core) lookup(serverURL string) (Authenticator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	auth, ok := c.servers[normalizeServerURL(serverURL)]
	return auth, ok
}

func (c *core) login(ctx context.Context, commandID string, cmd LoginCommand) ([]*message.Message, error) {
	log := c.logger.With(loggingpkg.LogFields{"command_id": commandID, "server": cmd.URL, "username": cmd.Username})

	auth, ok := c.lookup(cmd.URL)
	if !ok {
		log.Info("Login for unknown server", nil)
		msg, err := newEventMessage(EventLoginResult, commandID, client.LoginResult{
			Status:   client.LoginUnknownServer,
			Server:   cmd.URL,
			Username: cmd.Username,
		})
		if err != nil {
			return nil, err
		}
		return []*message.Message{msg}, nil
	}

	started := time.Now()
	result, err := auth.Login(ctx, cmd.Username, cmd.Password)
	if err != nil {
		log.Error("Login failed", err, nil)
		result = client.LoginResult{Status: client.LoginUnauthorized, Server: cmd.URL, Username: cmd.Username}
	}
	c.svc.metrics.RecordLogin(string(result.Status), time.Since(started))
	log.Debug("Login finished", loggingpkg.LogFields{"status": string(result.Status)})

	resultMsg, err := newEventMessage(EventLoginResult, commandID, result)
	if err != nil {
		return nil, err
	}
	out := []*message.Message{resultMsg}

	if result.Status != client.LoginSuccess {
		return out, nil
	}

	token, err := auth.LiveKitToken(ctx)
	if err != nil {
		log.Error("LiveKit token request failed", err, nil)
		return out, nil
	}
	tokenMsg, err := newEventMessage(EventLiveKitToken, commandID, client.TokenGrant{Server: cmd.URL, TokenResponse: token})
	if err != nil {
		return nil, err
	}
	return append(out, tokenMsg), nil
}

func (c *core) addServer(ctx context.Context, commandID string, cmd AddServerCommand) ([]*message.Message, error) {
	key := normalizeServerURL(cmd.Server.URL)
	log := c.logger.With(loggingpkg.LogFields{"command_id": commandID, "server": key, "source": cmd.Source})

	if _, known := c.lookup(key); known {
		log.Debug("Server already registered", nil)
		return nil, nil
	}

	auth, err := c.factory(ctx, cmd.Server)
	if err != nil {
		log.Error("Server unreachable", err, nil)
		msg, mErr := newEventMessage(EventError, commandID, ErrorPayload{
			Code:      ErrorCodeServerUnreachable,
			Message:   err.Error(),
			CommandID: commandID,
		})
		if mErr != nil {
			return nil, mErr
		}
		return []*message.Message{msg}, nil
	}

	c.mu.Lock()
	c.servers[key] = auth
	c.mu.Unlock()
	log.Info("Server registered", nil)

	msg, err := newEventMessage(EventServerDiscovered, commandID, cmd.Server)
	if err != nil {
		return nil, err
	}
	return []*message.Message{msg}, nil
}

func (c *core) setDiscovery(commandID string, cmd SetDiscoveryCommand) ([]*message.Message, error) {
	if cmd.Enabled {
		if err := c.startDiscovery(); err != nil {
			c.logger.Error("Discovery failed to start", err, loggingpkg.LogFields{"command_id": commandID})
			msg, mErr := newEventMessage(EventError, commandID, ErrorPayload{
				Code:      ErrorCodeDiscoveryFailed,
				Message:   err.Error(),
				CommandID: commandID,
			})
			if mErr != nil {
				return nil, mErr
			}
			return []*message.Message{msg}, nil
		}
	} else {
		c.stopDiscovery()
	}

	msg, err := newEventMessage(EventDiscoveryState, commandID, c.discoveryState())
	if err != nil {
		return nil, err
	}
	return []*message.Message{msg}, nil
}

func (c *core) discoveryState() DiscoveryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoveryTask == nil {
		return DiscoveryState{Enabled: false}
	}
	return DiscoveryState{Enabled: true, Address: c.discoveryAddress}
}

// startDiscovery binds the beacon socket and serves it on a runtime task.
// Starting an already running listener is a no-op.
func (c *core) startDiscovery() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.discoveryTask != nil {
		select {
		case <-c.discoveryTask.Done():
			c.discoveryTask = nil
		default:
			return nil
		}
	}

	conf := c.svc.Conf
	listener := discovery.NewListener(conf.DiscoveryAddress, conf.DiscoveryInterface, c.logger)
	conn, err := listener.Bind()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.svc.ctx)
	task, err := c.svc.runtime.Spawn("discovery", func(context.Context) error {
		return listener.Serve(ctx, conn, c.serverFound)
	})
	if err != nil {
		cancel()
		_ = conn.Close()
		return err
	}

	c.discoveryTask = task
	c.discoveryCancel = cancel
	c.discoveryAddress = conn.LocalAddr().String()
	return nil
}

// stopDiscovery cancels the listener and waits for it to exit.
func (c *core) stopDiscovery() {
	c.mu.Lock()
	task, cancel := c.discoveryTask, c.discoveryCancel
	c.discoveryTask, c.discoveryCancel, c.discoveryAddress = nil, nil, ""
	c.mu.Unlock()

	if task == nil {
		return
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), c.svc.Conf.ShutdownTimeout)
	defer done()
	if err := task.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("Discovery listener did not stop cleanly", err, nil)
	}
}

func (c *core) serverFound(server discovery.Server) {
	_, err := c.svc.Submit(AddServerCommand{Server: server, Source: SourceDiscovery})
	if err != nil && !errors.Is(err, errspkg.ErrServiceClosed) {
		c.logger.Error("Could not queue discovered server", err, loggingpkg.LogFields{"server": server.URL})
	}
}

func (c *core) knownServers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.servers)
}
