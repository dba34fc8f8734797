// internal/room/errors.go
package room

import (
	"errors"
	"fmt"
)

// Code is the stable, client facing identifier of a domain error.
type Code string

const (
	CodeRoomNotFound       Code = "ROOM_NOT_FOUND"
	CodeRoomIsFull         Code = "ROOM_IS_FULL"
	CodeRoomAlreadyPlaying Code = "ROOM_ALREADY_PLAYING"
	CodeRoomNotPlaying     Code = "ROOM_NOT_PLAYING"
	CodeNotEnoughPlayers   Code = "NOT_ENOUGH_PLAYERS"
	CodePlayersNotReady    Code = "PLAYERS_NOT_READY"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeUserAlreadyInRoom  Code = "USER_ALREADY_IN_ROOM"
	CodeUserNotInRoom      Code = "USER_NOT_IN_ROOM"
	CodeNotHost            Code = "NOT_HOST"
	CodeHostCannotReady    Code = "HOST_CANNOT_READY"
	CodeSlotTaken          Code = "SLOT_TAKEN"
	CodeInvalidSlot        Code = "INVALID_SLOT"
	CodeGameServerError    Code = "GAME_SERVER_ERROR"
)

// Error is a recoverable business-rule violation. Two errors match under
// errors.Is when their codes are equal, so the sentinels below can be used
// as targets regardless of message and details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

var (
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound, Message: "room not found"}
	ErrRoomIsFull         = &Error{Code: CodeRoomIsFull, Message: "room is full"}
	ErrRoomAlreadyPlaying = &Error{Code: CodeRoomAlreadyPlaying, Message: "room is already playing"}
	ErrRoomNotPlaying     = &Error{Code: CodeRoomNotPlaying, Message: "room is not playing"}
	ErrNotEnoughPlayers   = &Error{Code: CodeNotEnoughPlayers, Message: "not enough players"}
	ErrPlayersNotReady    = &Error{Code: CodePlayersNotReady, Message: "players not ready"}
	ErrUserNotFound       = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrUserAlreadyInRoom  = &Error{Code: CodeUserAlreadyInRoom, Message: "user is already in a room"}
	ErrUserNotInRoom      = &Error{Code: CodeUserNotInRoom, Message: "user is not in the room"}
	ErrNotHost            = &Error{Code: CodeNotHost, Message: "only the host can do this"}
	ErrHostCannotReady    = &Error{Code: CodeHostCannotReady, Message: "host cannot toggle ready status"}
	ErrSlotTaken          = &Error{Code: CodeSlotTaken, Message: "slot is already taken"}
	ErrInvalidSlot        = &Error{Code: CodeInvalidSlot, Message: "slot index out of range"}
	ErrGameServer         = &Error{Code: CodeGameServerError, Message: "game server request failed"}
)

func newError(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// AsError extracts the domain error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
