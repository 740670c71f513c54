package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
	metadatapkg "github.com/drblury/verdant/internal/runtime/metadata"
)

// CommandContext provides information about a command execution to hooks.
type CommandContext struct {
	// CommandID is the id returned by Submit.
	CommandID string
	// CommandType is the command type name, for example "login".
	CommandType string
	// CorrelationID ties the command to the events it produced.
	CorrelationID string
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the core started processing the command.
	StartedAt time.Time
	// Duration is how long the command took (only set in OnCommandDone and OnCommandError).
	Duration time.Duration
	// Events is the number of events the command produced (only set in OnCommandDone).
	Events int
}

// CommandHooks defines callbacks for the command lifecycle inside the core.
// All hooks are optional - nil hooks are simply not called.
type CommandHooks struct {
	// OnCommandStart is called before the core dispatches a command.
	OnCommandStart func(ctx CommandContext)

	// OnCommandDone is called when dispatch completes without error.
	OnCommandDone func(ctx CommandContext)

	// OnCommandError is called when dispatch returns an error, before the
	// error is turned into an event.
	OnCommandError func(ctx CommandContext, err error)
}

// IsZero reports whether no hook is set.
func (h CommandHooks) IsZero() bool {
	return h.OnCommandStart == nil && h.OnCommandDone == nil && h.OnCommandError == nil
}

// Merge combines two CommandHooks, creating a new CommandHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h CommandHooks) Merge(other CommandHooks) CommandHooks {
	return CommandHooks{
		OnCommandStart: chainHooks(h.OnCommandStart, other.OnCommandStart),
		OnCommandDone:  chainHooks(h.OnCommandDone, other.OnCommandDone),
		OnCommandError: chainErrorHooks(h.OnCommandError, other.OnCommandError),
	}
}

func chainHooks(a, b func(CommandContext)) func(CommandContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CommandContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CommandContext, error)) func(CommandContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CommandContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// CommandHooksMiddleware creates a middleware that invokes the provided hooks
// around each dispatched command. It belongs inside error_events so that
// OnCommandError sees the original error.
func CommandHooksMiddleware(hooks CommandHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "command_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if hooks.IsZero() {
				return nil, nil
			}
			return commandHooksMiddleware(hooks), nil
		},
	}
}

func commandHooksMiddleware(hooks CommandHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			cmdCtx := CommandContext{
				CommandID:     msg.Metadata.Get(metadatapkg.KeyCommandID),
				CommandType:   msg.Metadata.Get(metadatapkg.KeyCommandType),
				CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}

			if hooks.OnCommandStart != nil {
				hooks.OnCommandStart(cmdCtx)
			}

			msgs, err := h(msg)
			cmdCtx.Duration = time.Since(cmdCtx.StartedAt)

			if err != nil {
				if hooks.OnCommandError != nil {
					hooks.OnCommandError(cmdCtx, err)
				}
			} else if hooks.OnCommandDone != nil {
				cmdCtx.Events = len(msgs)
				hooks.OnCommandDone(cmdCtx)
			}

			return msgs, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log the command lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) CommandHooks {
	return CommandHooks{
		OnCommandStart: func(ctx CommandContext) {
			logger.Debug("Command started", loggingpkg.LogFields{
				"command_id": ctx.CommandID,
				"command":    ctx.CommandType,
			})
		},
		OnCommandDone: func(ctx CommandContext) {
			logger.Info("Command completed", loggingpkg.LogFields{
				"command_id":  ctx.CommandID,
				"command":     ctx.CommandType,
				"events":      ctx.Events,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnCommandError: func(ctx CommandContext, err error) {
			logger.Error("Command failed", err, loggingpkg.LogFields{
				"command_id":  ctx.CommandID,
				"command":     ctx.CommandType,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}
