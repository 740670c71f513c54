package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/verdant/internal/runtime/metadata"
)

func newHookedMessage() *message.Message {
	msg := message.NewMessage("cmd_1", []byte(`{}`))
	msg.Metadata.Set(metadatapkg.KeyCommandID, "cmd_1")
	msg.Metadata.Set(metadatapkg.KeyCommandType, CommandLogin)
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	msg.SetContext(context.Background())
	return msg
}

func TestCommandHooks_OnCommandStart(t *testing.T) {
	var captured CommandContext
	hooks := CommandHooks{OnCommandStart: func(ctx CommandContext) { captured = ctx }}

	handler := commandHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, nil
	})
	_, err := handler(newHookedMessage())
	require.NoError(t, err)

	assert.Equal(t, "cmd_1", captured.CommandID)
	assert.Equal(t, CommandLogin, captured.CommandType)
	assert.Equal(t, "corr-1", captured.CorrelationID)
	assert.False(t, captured.StartedAt.IsZero())
}

func TestCommandHooks_OnCommandDone(t *testing.T) {
	var captured CommandContext
	hooks := CommandHooks{OnCommandDone: func(ctx CommandContext) { captured = ctx }}

	handler := commandHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		time.Sleep(10 * time.Millisecond)
		return []*message.Message{message.NewMessage("e1", nil), message.NewMessage("e2", nil)}, nil
	})
	_, err := handler(newHookedMessage())
	require.NoError(t, err)

	assert.Equal(t, 2, captured.Events)
	assert.GreaterOrEqual(t, captured.Duration, 10*time.Millisecond)
}

func TestCommandHooks_OnCommandError(t *testing.T) {
	sentinel := errors.New("dispatch failed")
	var (
		captured error
		done     bool
	)
	hooks := CommandHooks{
		OnCommandDone:  func(CommandContext) { done = true },
		OnCommandError: func(_ CommandContext, err error) { captured = err },
	}

	handler := commandHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, sentinel
	})
	_, err := handler(newHookedMessage())
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, captured, sentinel)
	assert.False(t, done)
}

func TestCommandHooks_Merge(t *testing.T) {
	var order []string
	first := CommandHooks{OnCommandStart: func(CommandContext) { order = append(order, "first") }}
	second := CommandHooks{
		OnCommandStart: func(CommandContext) { order = append(order, "second") },
		OnCommandError: func(CommandContext, error) { order = append(order, "error") },
	}

	merged := first.Merge(second)
	merged.OnCommandStart(CommandContext{})
	merged.OnCommandError(CommandContext{}, errors.New("x"))
	assert.Equal(t, []string{"first", "second", "error"}, order)
	assert.Nil(t, merged.OnCommandDone)

	assert.True(t, CommandHooks{}.IsZero())
	assert.False(t, merged.IsZero())
}

func TestCommandHooksMiddlewareSkipsEmptyHooks(t *testing.T) {
	mw, err := CommandHooksMiddleware(CommandHooks{}).Builder(nil)
	require.NoError(t, err)
	assert.Nil(t, mw)
}

func TestLoggingHooks(t *testing.T) {
	hooks := LoggingHooks(newTestLogger())
	require.False(t, hooks.IsZero())

	handler := commandHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, errors.New("nope")
	})
	_, err := handler(newHookedMessage())
	assert.Error(t, err)
}
