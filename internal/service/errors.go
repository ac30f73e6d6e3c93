package service

import (
	"errors"
	"fmt"

	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/session"
	"skyhack.ai/internal/protocol"
)

// ErrMissingCommand is returned for an absent or empty command.
var ErrMissingCommand = errors.New("missing command parameter")

// Error is what Handle returns on failure. Code is one of the protocol
// error codes; Err is the underlying cause and stays matchable with errors.Is.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify wraps err with its protocol code.
func classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrMissingCommand), errors.Is(err, action.ErrEmptyCommand):
		return &Error{Code: protocol.ErrMissingCommand, Message: "Missing command parameter", Err: err}
	case errors.Is(err, action.ErrUnrecognizedCommand):
		return &Error{Code: protocol.ErrUnrecognizedCommand, Message: "Unrecognized command", Err: err}
	case errors.Is(err, session.ErrStepTimeout):
		return &Error{Code: protocol.ErrStepTimeout, Message: "Game engine timed out", Err: err}
	case errors.Is(err, session.ErrOracleFailure):
		return &Error{Code: protocol.ErrOracleFailure, Message: "Game engine failed", Err: err}
	default:
		return &Error{Code: protocol.ErrInternal, Message: "Internal error", Err: err}
	}
}
