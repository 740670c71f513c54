package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired  = sterrors.New("verdant: service is required")
	ErrRuntimeRequired  = sterrors.New("verdant: runtime is required")
	ErrConfigRequired   = sterrors.New("verdant: configuration is required")
	ErrLoggerRequired   = sterrors.New("verdant: logger is required")
	ErrRuntimeClosed    = sterrors.New("verdant: runtime is closed")
	ErrRuntimeSaturated = sterrors.New("verdant: runtime task limit reached")
	ErrServiceClosed    = sterrors.New("verdant: service is shutting down")
	ErrInvalidCommand   = sterrors.New("verdant: invalid command")
	ErrUnknownCommand   = sterrors.New("verdant: unknown command type")
	ErrUnknownServer    = sterrors.New("verdant: unknown server")
	ErrUnauthorized     = sterrors.New("verdant: not authorized")
	ErrKeyHashMismatch  = sterrors.New("verdant: server key hash mismatch")
	ErrUnknownKeyType   = sterrors.New("verdant: unknown key type")
	ErrUnexpectedStatus = sterrors.New("verdant: unexpected server response")
	ErrInvalidBeacon    = sterrors.New("verdant: invalid discovery beacon")
)

// ConfigValidationError reports an invalid configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "verdant: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// FieldError names the command field that failed validation at the send boundary.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %q %s", ErrInvalidCommand.Error(), e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidCommand
}
