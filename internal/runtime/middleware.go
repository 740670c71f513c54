package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	idspkg "github.com/drblury/verdant/internal/runtime/ids"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
	metadatapkg "github.com/drblury/verdant/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		ErrorEventsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds the Watermill Prometheus router metrics when metrics
// are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.runtime.registerer,
				metricsNamespace,
				"router",
			)

			// Registers the handler middleware and decorates the
			// publisher and subscriber.
			metricsBuilder.AddPrometheusRouterMetrics(s.router)
			return nil, nil
		},
	}
}

// CorrelationIDMiddleware ensures each command carries a correlation
// identifier and copies it onto the events it produces.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.correlationIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs the metadata of handled commands. Payloads are
// never logged since login commands carry passwords.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// ErrorEventsMiddleware turns handler errors into EventError messages, so a
// failed command is reported to the caller and never redelivered.
func ErrorEventsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "error_events",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.errorEventsMiddleware(), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func (s *Service) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
			if correlationID == "" {
				correlationID = idspkg.New()
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)
			}
			out, err := h(msg)
			for _, produced := range out {
				produced.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)
			}
			return out, err
		}
	}
}

func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing command", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"command":      msg.Metadata.Get(metadatapkg.KeyCommandType),
				"metadata":     msg.Metadata,
			})
			out, err := h(msg)
			logger.Trace("Command processed", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"events":       len(out),
			})
			return out, err
		}
	}
}

func (s *Service) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("verdant.core")
			ctx, span := tracer.Start(msg.Context(), "verdant.core.dispatch")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("verdant.command", msg.Metadata.Get(metadatapkg.KeyCommandType)),
				attribute.String("verdant.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			)
			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.Int("verdant.events", len(out)))
			return out, err
		}
	}
}

func (s *Service) errorEventsMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err == nil {
				return out, nil
			}

			commandID := msg.Metadata.Get(metadatapkg.KeyCommandID)
			code := ErrorCodeInternal
			if errors.Is(err, errspkg.ErrInvalidCommand) || errors.Is(err, errspkg.ErrUnknownCommand) {
				code = ErrorCodeInvalidCommand
			}
			s.Logger.Error("Command failed", err, loggingpkg.LogFields{
				"command_id": commandID,
				"command":    msg.Metadata.Get(metadatapkg.KeyCommandType),
				"code":       code,
			})

			errMsg, mErr := newEventMessage(EventError, commandID, ErrorPayload{
				Code:      code,
				Message:   err.Error(),
				CommandID: commandID,
			})
			if mErr != nil {
				s.Logger.Error("Could not encode error event", mErr, nil)
				return out, nil
			}
			return append(out, errMsg), nil
		}
	}
}
