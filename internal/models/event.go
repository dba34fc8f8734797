package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomEvent is one journaled room mutation as stored in room_events. Rooms
// are deleted independently, so RoomID is not a foreign key.
type RoomEvent struct {
	ID         int64          `json:"id"`
	RoomID     uuid.UUID      `json:"room_id"`
	RoomNumber int            `json:"room_number"`
	Type       string         `json:"type"`
	UserID     uuid.UUID      `json:"user_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
