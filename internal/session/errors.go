package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPhase is returned when an operation is not allowed in the
	// current phase.
	ErrInvalidPhase = errors.New("operation not allowed in current phase")
	// ErrUnknownQuestion is returned for answers to questions outside the session.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrOutOfRange is returned when navigation moves past either end.
	ErrOutOfRange = errors.New("question index out of range")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session controller closed")
)

// ConfigError describes a rejected session configuration. The session stays
// in the Configuring phase.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid session config: %s %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
