// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
)

// Code identifies an error class on the wire. Codes are stable strings so the
// client can rebuild the same sentinel the server rejected with.
type Code string

const (
	CodeConnection        Code = "connection_error"
	CodeNotInHub          Code = "not_in_hub"
	CodeNotInLobby        Code = "not_in_lobby"
	CodeLobbyFull         Code = "lobby_full"
	CodeLobbyNotFound     Code = "lobby_not_found"
	CodeLobbyInProgress   Code = "lobby_in_progress"
	CodeTransitionTimeout Code = "transition_timeout"
	CodeTransitionFailed  Code = "transition_failed"
	CodeInvalidLobby      Code = "invalid_lobby_config"
	CodeMalformed         Code = "malformed_message"
	CodeUnknownMessage    Code = "unknown_message"
	CodeAlreadyInRoom     Code = "already_in_room"
	CodeAlreadyInLobby    Code = "already_in_lobby"
	CodeHostReadyLocked   Code = "host_ready_locked"
	CodeSeatNotReserved   Code = "seat_not_reserved"
	CodeRoomNotFound      Code = "room_not_found"
	CodeInternal          Code = "internal"
)

// Error is the single error type shared by server and client. Two errors are
// considered equal by errors.Is when their codes match, so a sentinel like
// ErrLobbyFull matches any rejection carrying the lobby_full code regardless
// of the message text.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Payload converts the error into its wire form.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message}
}

var (
	ErrConnection         = &Error{Code: CodeConnection, Message: "connection unavailable"}
	ErrNotInHub           = &Error{Code: CodeNotInHub, Message: "join the hub first"}
	ErrNotInLobby         = &Error{Code: CodeNotInLobby, Message: "not a member of this lobby"}
	ErrLobbyFull          = &Error{Code: CodeLobbyFull, Message: "lobby is full"}
	ErrLobbyNotFound      = &Error{Code: CodeLobbyNotFound, Message: "lobby not found"}
	ErrLobbyInProgress    = &Error{Code: CodeLobbyInProgress, Message: "lobby has already started"}
	ErrTransitionTimeout  = &Error{Code: CodeTransitionTimeout, Message: "could not join the battle room in time"}
	ErrTransitionFailed   = &Error{Code: CodeTransitionFailed, Message: "could not start the game session"}
	ErrInvalidLobbyConfig = &Error{Code: CodeInvalidLobby, Message: "invalid lobby configuration"}
	ErrMalformedMessage   = &Error{Code: CodeMalformed, Message: "malformed message"}
	ErrUnknownMessage     = &Error{Code: CodeUnknownMessage, Message: "unknown message type"}
	ErrAlreadyInRoom      = &Error{Code: CodeAlreadyInRoom, Message: "already in a room of this kind"}
	ErrAlreadyInLobby     = &Error{Code: CodeAlreadyInLobby, Message: "already a member of this lobby"}
	ErrHostReadyLocked    = &Error{Code: CodeHostReadyLocked, Message: "host readiness cannot be toggled"}
	ErrSeatNotReserved    = &Error{Code: CodeSeatNotReserved, Message: "no seat reserved for this session"}
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound, Message: "room not found"}
	ErrInternal           = &Error{Code: CodeInternal, Message: "internal error"}
)

// Errorf builds a coded error with a custom message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a sentinel without mutating the sentinel itself.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Cause: cause}
}

// AsError maps any error onto a wire error. Errors that are not already coded
// become internal errors so nothing unexpected leaks to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return Wrap(ErrInternal, err)
}

// FromPayload rebuilds an error received from the server.
func FromPayload(p ErrorPayload) *Error {
	msg := p.Message
	if msg == "" {
		msg = string(p.Code)
	}
	return &Error{Code: p.Code, Message: msg}
}
