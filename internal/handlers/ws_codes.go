// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the room channel, beyond the standard
// policy-violation, normal-closure and internal-error codes.
const (
	// ReplacedConnectionClose closes a socket whose user reconnected on a new one.
	ReplacedConnectionClose websocket.StatusCode = 4000
)

// Close reasons sent with the standard codes.
const (
	reasonMissingToken = "missing auth token"
	reasonInvalidToken = "invalid auth token"
	reasonBadRoom      = "invalid room number"
	reasonLeft         = "left the room"
	reasonReplaced     = "replaced by a newer connection"
	reasonInternal     = "internal error"
)
