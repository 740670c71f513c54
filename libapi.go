package verdant

import (
	"github.com/drblury/verdant/internal/client"
	"github.com/drblury/verdant/internal/discovery"
	runtimepkg "github.com/drblury/verdant/internal/runtime"
	configpkg "github.com/drblury/verdant/internal/runtime/config"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	idspkg "github.com/drblury/verdant/internal/runtime/ids"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError
	FieldError            = errspkg.FieldError

	Runtime             = runtimepkg.Runtime
	RuntimeDependencies = runtimepkg.RuntimeDependencies
	RuntimeStats        = runtimepkg.RuntimeStats
	ResourceUsage       = runtimepkg.ResourceUsage
	Task                = runtimepkg.Task

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceStats        = runtimepkg.ServiceStats
	State               = runtimepkg.State

	Command             = runtimepkg.Command
	LoginCommand        = runtimepkg.LoginCommand
	SetDiscoveryCommand = runtimepkg.SetDiscoveryCommand
	AddServerCommand    = runtimepkg.AddServerCommand

	Event          = runtimepkg.Event
	EventTag       = runtimepkg.EventTag
	DiscoveryState = runtimepkg.DiscoveryState
	ErrorPayload   = runtimepkg.ErrorPayload

	LoginResult   = client.LoginResult
	LoginStatus   = client.LoginStatus
	TokenResponse = client.TokenResponse
	TokenGrant    = client.TokenGrant

	Server     = discovery.Server
	Beacon     = discovery.Beacon
	Listener   = discovery.Listener
	Advertiser = discovery.Advertiser

	Authenticator    = runtimepkg.Authenticator
	ClientFactory    = runtimepkg.ClientFactory
	Transport        = runtimepkg.Transport
	TransportFactory = runtimepkg.TransportFactory

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	CommandContext = runtimepkg.CommandContext
	CommandHooks   = runtimepkg.CommandHooks

	Metrics = runtimepkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

const (
	StateInitializing = runtimepkg.StateInitializing
	StateRunning      = runtimepkg.StateRunning
	StateShuttingDown = runtimepkg.StateShuttingDown
	StateTerminated   = runtimepkg.StateTerminated

	EventNone             = runtimepkg.EventNone
	EventLoginResult      = runtimepkg.EventLoginResult
	EventServerDiscovered = runtimepkg.EventServerDiscovered
	EventLiveKitToken     = runtimepkg.EventLiveKitToken
	EventDiscoveryState   = runtimepkg.EventDiscoveryState
	EventError            = runtimepkg.EventError

	LoginSuccess       = client.LoginSuccess
	LoginPasswordReset = client.LoginPasswordReset
	LoginUnauthorized  = client.LoginUnauthorized
	LoginUnknownServer = client.LoginUnknownServer

	ErrorCodeServerUnreachable = runtimepkg.ErrorCodeServerUnreachable
	ErrorCodeDiscoveryFailed   = runtimepkg.ErrorCodeDiscoveryFailed
	ErrorCodeInvalidCommand    = runtimepkg.ErrorCodeInvalidCommand
	ErrorCodeInternal          = runtimepkg.ErrorCodeInternal

	SourceDiscovery = runtimepkg.SourceDiscovery
	SourceManual    = runtimepkg.SourceManual
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewRuntime = runtimepkg.NewRuntime
	NewService = runtimepkg.NewService

	DefaultClientFactory = runtimepkg.DefaultClientFactory
	ChannelTransport     = runtimepkg.ChannelTransport

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	ErrorEventsMiddleware   = runtimepkg.ErrorEventsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	CommandHooksMiddleware  = runtimepkg.CommandHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks

	NewListener  = discovery.NewListener
	ParseBeacon  = discovery.ParseBeacon
	ManualServer = discovery.ManualServer

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewID        = idspkg.New
	NewCommandID = idspkg.NewCommandID
	NewEventID   = idspkg.NewEventID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired  = errspkg.ErrServiceRequired
	ErrRuntimeRequired  = errspkg.ErrRuntimeRequired
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrRuntimeClosed    = errspkg.ErrRuntimeClosed
	ErrRuntimeSaturated = errspkg.ErrRuntimeSaturated
	ErrServiceClosed    = errspkg.ErrServiceClosed
	ErrInvalidCommand   = errspkg.ErrInvalidCommand
	ErrUnknownCommand   = errspkg.ErrUnknownCommand
	ErrUnauthorized     = errspkg.ErrUnauthorized
	ErrKeyHashMismatch  = errspkg.ErrKeyHashMismatch
	ErrUnknownKeyType   = errspkg.ErrUnknownKeyType
	ErrInvalidBeacon    = errspkg.ErrInvalidBeacon
)

// DecodePayload decodes the JSON payload of ev into T.
func DecodePayload[T any](ev Event) (T, error) {
	var v T
	err := jsoncodec.Unmarshal(ev.Payload, &v)
	return v, err
}
