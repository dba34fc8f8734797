package models

import "github.com/google/uuid"

// DefaultCharacterCode is the appearance every account starts with.
const DefaultCharacterCode = "c0"

type User struct {
	ID            uuid.UUID `json:"id"`
	UID           string    `json:"uid"`
	Nickname      string    `json:"nickname"`
	CharacterCode string    `json:"character_code"`

	// IsBot marks the synthetic accounts created for bot seats.
	IsBot bool `json:"is_bot"`
}

// Character is an entry of the appearance catalog.
type Character struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
