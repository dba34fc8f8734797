// internal/models/room.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxSeats is the fixed table size of an MCR game.
const MaxSeats = 4

// Room represents a row in the rooms table.
type Room struct {
	ID         uuid.UUID `json:"id"`
	RoomNumber int       `json:"room_number"`
	Name       string    `json:"name"`
	MaxSeats   int       `json:"max_seats"`
	IsPlaying  bool      `json:"is_playing"`
	HostUserID uuid.UUID `json:"host_user_id"`

	// GameSessionID is empty unless the room is playing.
	GameSessionID string    `json:"game_session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Seat represents a row in room_users: one user (or bot) holding one slot of a room.
type Seat struct {
	ID        uuid.UUID `json:"id"`
	RoomID    uuid.UUID `json:"room_id"`
	UserID    uuid.UUID `json:"user_id"`
	SlotIndex int       `json:"slot_index"`
	IsReady   bool      `json:"is_ready"`
	IsBot     bool      `json:"is_bot"`
	JoinedAt  time.Time `json:"joined_at"`
}
