// internal/database/memory.go
package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/models"
)

// DefaultCharacters is the appearance catalog seeded into every backend.
var DefaultCharacters = []models.Character{
	{Code: "c0", Name: "Default"},
	{Code: "c1", Name: "Dragon"},
	{Code: "c2", Name: "Phoenix"},
	{Code: "c3", Name: "Tiger"},
	{Code: "c4", Name: "Tortoise"},
	{Code: "c5", Name: "Qilin"},
}

// Memory is an in-process Store. Transactions are serialized behind one lock
// and run against a copy of the state that is swapped in only on success.
type Memory struct {
	memQueries

	mu     sync.Mutex
	state  *memState
	events memEvents
}

// NewMemory returns an empty store with the character catalog seeded.
func NewMemory() *Memory {
	st := &memState{
		users:      make(map[uuid.UUID]models.User),
		characters: make(map[string]models.Character),
		rooms:      make(map[uuid.UUID]models.Room),
		seats:      make(map[uuid.UUID]models.Seat),
	}
	for _, c := range DefaultCharacters {
		st.characters[c.Code] = c
	}
	m := &Memory{state: st}
	m.memQueries = memQueries{m: m}
	return m
}

func (m *Memory) WithTx(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(memQueries{st: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *Memory) Close() {}

type memState struct {
	users      map[uuid.UUID]models.User
	characters map[string]models.Character
	rooms      map[uuid.UUID]models.Room
	seats      map[uuid.UUID]models.Seat
}

func (s *memState) clone() *memState {
	out := &memState{
		users:      make(map[uuid.UUID]models.User, len(s.users)),
		characters: s.characters,
		rooms:      make(map[uuid.UUID]models.Room, len(s.rooms)),
		seats:      make(map[uuid.UUID]models.Seat, len(s.seats)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.rooms {
		out.rooms[k] = v
	}
	for k, v := range s.seats {
		out.seats[k] = v
	}
	return out
}

// memQueries either locks the owning Memory per call (non-tx view) or works
// on a private working copy (tx view).
type memQueries struct {
	m  *Memory
	st *memState
}

func (q memQueries) enter() (*memState, func()) {
	if q.m == nil {
		return q.st, func() {}
	}
	q.m.mu.Lock()
	return q.m.state, q.m.mu.Unlock
}

func now() time.Time { return time.Now().UTC() }

func (q memQueries) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	st, done := q.enter()
	defer done()
	u, ok := st.users[id]
	if !ok {
		return nil, notFound("user", map[string]any{"id": id})
	}
	return &u, nil
}

func (q memQueries) CreateUser(ctx context.Context, u *models.User) error {
	st, done := q.enter()
	defer done()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CharacterCode == "" {
		u.CharacterCode = models.DefaultCharacterCode
	}
	for _, other := range st.users {
		if other.ID == u.ID || other.UID == u.UID {
			return fmt.Errorf("create user %s: %w", u.UID, ErrConflict)
		}
	}
	st.users[u.ID] = *u
	return nil
}

func (q memQueries) DeleteUser(ctx context.Context, id uuid.UUID) error {
	st, done := q.enter()
	defer done()
	if _, ok := st.users[id]; !ok {
		return notFound("user", map[string]any{"id": id})
	}
	for sid, seat := range st.seats {
		if seat.UserID == id {
			delete(st.seats, sid)
		}
	}
	delete(st.users, id)
	return nil
}

func (q memQueries) GetCharacter(ctx context.Context, code string) (*models.Character, error) {
	st, done := q.enter()
	defer done()
	c, ok := st.characters[code]
	if !ok {
		return nil, notFound("character", map[string]any{"code": code})
	}
	return &c, nil
}

func (q memQueries) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	st, done := q.enter()
	defer done()
	r, ok := st.rooms[id]
	if !ok {
		return nil, notFound("room", map[string]any{"id": id})
	}
	return &r, nil
}

func (q memQueries) FindRoom(ctx context.Context, f RoomFilter) (*models.Room, error) {
	st, done := q.enter()
	defer done()
	rooms := st.listRooms(f)
	if len(rooms) == 0 {
		return nil, notFound("room", conditions(f.columns()))
	}
	return &rooms[0], nil
}

func (q memQueries) ListRooms(ctx context.Context, f RoomFilter) ([]models.Room, error) {
	st, done := q.enter()
	defer done()
	return st.listRooms(f), nil
}

func (s *memState) listRooms(f RoomFilter) []models.Room {
	out := []models.Room{}
	for _, r := range s.rooms {
		if f.RoomNumber != 0 && r.RoomNumber != f.RoomNumber {
			continue
		}
		if f.GameSessionID != "" && r.GameSessionID != f.GameSessionID {
			continue
		}
		if f.Playing != nil && r.IsPlaying != *f.Playing {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomNumber < out[j].RoomNumber })
	return out
}

func (q memQueries) MaxRoomNumber(ctx context.Context) (int, error) {
	st, done := q.enter()
	defer done()
	highest := 0
	for _, r := range st.rooms {
		if r.RoomNumber > highest {
			highest = r.RoomNumber
		}
	}
	return highest, nil
}

func (s *memState) checkRoom(r *models.Room) error {
	for _, other := range s.rooms {
		if other.ID == r.ID {
			continue
		}
		if other.RoomNumber == r.RoomNumber {
			return fmt.Errorf("room number %d: %w", r.RoomNumber, ErrConflict)
		}
		if r.GameSessionID != "" && other.GameSessionID == r.GameSessionID {
			return fmt.Errorf("game session %s: %w", r.GameSessionID, ErrConflict)
		}
	}
	return nil
}

func (q memQueries) CreateRoom(ctx context.Context, r *models.Room) error {
	st, done := q.enter()
	defer done()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	if _, ok := st.rooms[r.ID]; ok {
		return fmt.Errorf("room %s: %w", r.ID, ErrConflict)
	}
	if err := st.checkRoom(r); err != nil {
		return err
	}
	st.rooms[r.ID] = *r
	return nil
}

func (q memQueries) UpdateRoom(ctx context.Context, r *models.Room) error {
	st, done := q.enter()
	defer done()
	if _, ok := st.rooms[r.ID]; !ok {
		return notFound("room", map[string]any{"id": r.ID})
	}
	if err := st.checkRoom(r); err != nil {
		return err
	}
	st.rooms[r.ID] = *r
	return nil
}

func (q memQueries) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	st, done := q.enter()
	defer done()
	if _, ok := st.rooms[id]; !ok {
		return notFound("room", map[string]any{"id": id})
	}
	for sid, seat := range st.seats {
		if seat.RoomID == id {
			delete(st.seats, sid)
		}
	}
	delete(st.rooms, id)
	return nil
}

func (q memQueries) FindSeat(ctx context.Context, f SeatFilter) (*models.Seat, error) {
	st, done := q.enter()
	defer done()
	seats := st.listSeats(f)
	if len(seats) == 0 {
		return nil, notFound("seat", conditions(f.columns()))
	}
	return &seats[0], nil
}

func (q memQueries) ListSeats(ctx context.Context, f SeatFilter) ([]models.Seat, error) {
	st, done := q.enter()
	defer done()
	return st.listSeats(f), nil
}

func (s *memState) listSeats(f SeatFilter) []models.Seat {
	out := []models.Seat{}
	for _, seat := range s.seats {
		if f.RoomID != uuid.Nil && seat.RoomID != f.RoomID {
			continue
		}
		if f.UserID != uuid.Nil && seat.UserID != f.UserID {
			continue
		}
		if f.SlotIndex != nil && seat.SlotIndex != *f.SlotIndex {
			continue
		}
		if f.Bot != nil && seat.IsBot != *f.Bot {
			continue
		}
		out = append(out, seat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID.String() < out[j].RoomID.String()
		}
		return out[i].SlotIndex < out[j].SlotIndex
	})
	return out
}

func (s *memState) checkSeat(seat *models.Seat) error {
	for _, other := range s.seats {
		if other.ID == seat.ID {
			continue
		}
		if other.RoomID == seat.RoomID && other.SlotIndex == seat.SlotIndex {
			return fmt.Errorf("slot %d of room %s: %w", seat.SlotIndex, seat.RoomID, ErrConflict)
		}
		if other.RoomID == seat.RoomID && other.UserID == seat.UserID {
			return fmt.Errorf("user %s in room %s: %w", seat.UserID, seat.RoomID, ErrConflict)
		}
		if !seat.IsBot && !other.IsBot && other.UserID == seat.UserID {
			return fmt.Errorf("user %s already seated: %w", seat.UserID, ErrConflict)
		}
	}
	return nil
}

func (q memQueries) CreateSeat(ctx context.Context, seat *models.Seat) error {
	st, done := q.enter()
	defer done()
	if seat.ID == uuid.Nil {
		seat.ID = uuid.New()
	}
	if seat.JoinedAt.IsZero() {
		seat.JoinedAt = now()
	}
	if _, ok := st.rooms[seat.RoomID]; !ok {
		return notFound("room", map[string]any{"id": seat.RoomID})
	}
	if _, ok := st.users[seat.UserID]; !ok {
		return notFound("user", map[string]any{"id": seat.UserID})
	}
	if err := st.checkSeat(seat); err != nil {
		return err
	}
	st.seats[seat.ID] = *seat
	return nil
}

func (q memQueries) UpdateSeat(ctx context.Context, seat *models.Seat) error {
	st, done := q.enter()
	defer done()
	if _, ok := st.seats[seat.ID]; !ok {
		return notFound("seat", map[string]any{"id": seat.ID})
	}
	if err := st.checkSeat(seat); err != nil {
		return err
	}
	st.seats[seat.ID] = *seat
	return nil
}

func (q memQueries) DeleteSeat(ctx context.Context, id uuid.UUID) error {
	st, done := q.enter()
	defer done()
	if _, ok := st.seats[id]; !ok {
		return notFound("seat", map[string]any{"id": id})
	}
	delete(st.seats, id)
	return nil
}
