// internal/database/store.go
package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/models"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint
	// (room number, slot index, one room per human user).
	ErrConflict = errors.New("unique constraint violated")
)

// NotFoundError reports a required lookup that matched no row.
type NotFoundError struct {
	Kind       string
	Conditions map[string]any
}

func (e *NotFoundError) Error() string {
	if len(e.Conditions) == 0 {
		return e.Kind + " not found"
	}
	keys := make([]string, 0, len(e.Conditions))
	for k := range e.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Conditions[k]))
	}
	return fmt.Sprintf("%s not found (%s)", e.Kind, strings.Join(parts, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsNotFound reports whether err is a missing-row signal.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func notFound(kind string, conditions map[string]any) error {
	return &NotFoundError{Kind: kind, Conditions: conditions}
}

// RoomFilter selects rooms. Zero fields do not constrain the query.
type RoomFilter struct {
	RoomNumber    int
	GameSessionID string
	Playing       *bool
}

// SeatFilter selects seats. Zero fields do not constrain the query.
type SeatFilter struct {
	RoomID    uuid.UUID
	UserID    uuid.UUID
	SlotIndex *int
	Bot       *bool
}

// Bool and Int build the optional filter fields.
func Bool(v bool) *bool { return &v }
func Int(v int) *int { return &v }

type column struct {
	name  string
	value any
}

func (f RoomFilter) columns() []column {
	var cols []column
	if f.RoomNumber != 0 {
		cols = append(cols, column{"room_number", f.RoomNumber})
	}
	if f.GameSessionID != "" {
		cols = append(cols, column{"game_session_id", f.GameSessionID})
	}
	if f.Playing != nil {
		cols = append(cols, column{"is_playing", *f.Playing})
	}
	return cols
}

func (f SeatFilter) columns() []column {
	var cols []column
	if f.RoomID != uuid.Nil {
		cols = append(cols, column{"room_id", f.RoomID})
	}
	if f.UserID != uuid.Nil {
		cols = append(cols, column{"user_id", f.UserID})
	}
	if f.SlotIndex != nil {
		cols = append(cols, column{"slot_index", *f.SlotIndex})
	}
	if f.Bot != nil {
		cols = append(cols, column{"is_bot", *f.Bot})
	}
	return cols
}

func conditions(cols []column) map[string]any {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c.name] = c.value
	}
	return out
}

// Column lists shared by the SQL backends.
const (
	userColumns = `id, uid, nickname, character_code, is_bot`
	roomColumns = `id, room_number, name, max_seats, is_playing, host_user_id, game_session_id, created_at`
	seatColumns = `id, room_id, user_id, slot_index, is_ready, is_bot, joined_at`
)

// whereClause renders filter columns with a backend specific placeholder style.
func whereClause(cols []column, placeholder func(n int) string) (string, []any) {
	if len(cols) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		parts = append(parts, fmt.Sprintf("%s = %s", c.name, placeholder(i+1)))
		args = append(args, c.value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// Queries is the CRUD surface over users, rooms and seats. The same interface
// is served outside and inside a transaction.
//
// Get/Find methods return a *NotFoundError when nothing matches; List methods
// return an empty slice instead. ListSeats orders by room then slot_index,
// ListRooms by room_number.
type Queries interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	GetCharacter(ctx context.Context, code string) (*models.Character, error)

	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	FindRoom(ctx context.Context, f RoomFilter) (*models.Room, error)
	ListRooms(ctx context.Context, f RoomFilter) ([]models.Room, error)
	MaxRoomNumber(ctx context.Context) (int, error)
	CreateRoom(ctx context.Context, r *models.Room) error
	UpdateRoom(ctx context.Context, r *models.Room) error
	DeleteRoom(ctx context.Context, id uuid.UUID) error

	FindSeat(ctx context.Context, f SeatFilter) (*models.Seat, error)
	ListSeats(ctx context.Context, f SeatFilter) ([]models.Seat, error)
	CreateSeat(ctx context.Context, s *models.Seat) error
	UpdateSeat(ctx context.Context, s *models.Seat) error
	DeleteSeat(ctx context.Context, id uuid.UUID) error
}

// Store is a Queries backend with all-or-nothing transactions.
//
// Inside fn only the provided Queries may be used; calling the Store itself
// from fn can block on backends that serialize transactions.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close()
}
