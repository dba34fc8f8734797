// internal/protocol/protocol.go
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/jason-s-yu/mcrlobby/internal/room"
)

// Inbound actions.
const (
	ActionPing   = "ping"
	ActionReady  = "ready"
	ActionLeave  = "leave"
	ActionAddBot = "add_bot"
)

// Outbound events.
const (
	ActionPong             = "pong"
	ActionUserJoined       = "user_joined"
	ActionUserLeft         = "user_left"
	ActionUserReadyChanged = "user_ready_changed"
	ActionUserList         = "user_list"
	ActionGameStarted      = "game_started"
	ActionError            = "error"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is one inbound room channel message.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is one outbound room channel message.
type Response struct {
	Status    string  `json:"status"`
	Action    string  `json:"action"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
}

var ErrMissingAction = errors.New("message has no action")

// Decode parses an inbound frame. It fails on malformed JSON and on a missing
// action; unknown actions are left to the dispatcher.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid message format: %w", err)
	}
	if env.Action == "" {
		return Envelope{}, ErrMissingAction
	}
	return env, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Success builds a success envelope for action carrying data.
func Success(action string, data any) Response {
	return Response{Status: StatusSuccess, Action: action, Data: data, Timestamp: now()}
}

// Failure builds the generic error envelope.
func Failure(message string) Response {
	return Response{Status: StatusError, Action: ActionError, Error: &message, Timestamp: now()}
}

// FailureFrom renders err, using the domain message when err carries one.
func FailureFrom(err error) Response {
	if de, ok := room.AsError(err); ok {
		return Failure(de.Message)
	}
	return Failure(err.Error())
}

type Pong struct {
	Message string `json:"message"`
}

type UserJoined struct {
	UserUID          string           `json:"user_uid"`
	Nickname         string           `json:"nickname"`
	SlotIndex        int              `json:"slot_index"`
	IsReady          bool             `json:"is_ready"`
	IsBot            bool             `json:"is_bot"`
	CurrentCharacter models.Character `json:"current_character"`
}

type UserReadyChanged struct {
	UserUID string `json:"user_uid"`
	IsReady bool   `json:"is_ready"`
}

type UserLeft struct {
	UserUID string `json:"user_uid"`
}

type UserList struct {
	Users []room.RosterEntry `json:"users"`
}

type GameStarted struct {
	GameURL string `json:"game_url"`
}

// JoinedFrom builds the user_joined payload for a roster entry.
func JoinedFrom(e room.RosterEntry) UserJoined {
	return UserJoined{
		UserUID:          e.UID,
		Nickname:         e.Nickname,
		SlotIndex:        e.SlotIndex,
		IsReady:          e.IsReady,
		IsBot:            e.IsBot,
		CurrentCharacter: e.Character,
	}
}

// SlotIndex reads data.slot_index, accepting a JSON number or a numeric
// string. Missing, fractional and negative values are rejected.
func SlotIndex(data json.RawMessage) (int, error) {
	var body struct {
		SlotIndex json.RawMessage `json:"slot_index"`
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, errors.New("missing slot_index")
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, fmt.Errorf("invalid add_bot payload: %w", err)
	}
	raw := bytes.TrimSpace(body.SlotIndex)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing slot_index")
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("invalid slot index %s", raw)
		}
	} else {
		text = string(raw)
	}
	slot, err := strconv.Atoi(text)
	if err != nil || slot < 0 {
		return 0, fmt.Errorf("invalid slot index %s", raw)
	}
	return slot, nil
}
