// internal/room/service.go
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/cache"
	"github.com/jason-s-yu/mcrlobby/internal/database"
	"github.com/jason-s-yu/mcrlobby/internal/gameserver"
	"github.com/jason-s-yu/mcrlobby/internal/metrics"
	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/sirupsen/logrus"
)

// GameServer allocates and releases game sessions.
type GameServer interface {
	StartGame(ctx context.Context, req gameserver.StartRequest) (string, error)
	EndGame(ctx context.Context, gameID string) error
}

// Notifier is told about a room that just became playing. Delivery is best
// effort; it must not block on slow clients.
type Notifier interface {
	GameStarted(ctx context.Context, roomID uuid.UUID, url string)
}

// Journal receives committed room events.
type Journal interface {
	Record(ctx context.Context, rec cache.RoomEventRecord) error
}

// RosterEntry is one seat of a room joined with its user and appearance.
type RosterEntry struct {
	UserID    uuid.UUID        `json:"user_id"`
	UID       string           `json:"user_uid"`
	Nickname  string           `json:"nickname"`
	SlotIndex int              `json:"slot_index"`
	IsReady   bool             `json:"is_ready"`
	IsBot     bool             `json:"is_bot"`
	IsHost    bool             `json:"is_host"`
	Character models.Character `json:"current_character"`
}

// LeaveResult describes what a leave actually changed.
type LeaveResult struct {
	// Roster of the room after the leave, ordered by slot. Empty when the
	// room was closed or nothing was removed.
	Roster []RosterEntry
	// LeaverUID is the public uid of the user who left.
	LeaverUID   string
	SeatRemoved bool
	RoomClosed  bool
	// NewHostID is set when the leaver was host and the role moved.
	NewHostID uuid.UUID
}

// Binding is the resolved (user, room, seat) triple a room channel binds to.
type Binding struct {
	User      models.User
	Room      models.Room
	Seat      models.Seat
	Character models.Character
}

// RoomSummary is a joinable room as listed in the lobby.
type RoomSummary struct {
	Name         string        `json:"name"`
	RoomNumber   int           `json:"room_number"`
	MaxUsers     int           `json:"max_users"`
	CurrentUsers int           `json:"current_users"`
	HostNickname string        `json:"host_nickname"`
	Users        []RosterEntry `json:"users"`
}

// RoomDetail is the caller's own room.
type RoomDetail struct {
	RoomNumber int           `json:"room_number"`
	Name       string        `json:"name"`
	IsPlaying  bool          `json:"is_playing"`
	GameID     string        `json:"game_id"`
	Users      []RosterEntry `json:"users"`
}

// Service is the room state machine. Every mutating operation commits in a
// single store transaction.
type Service struct {
	store    database.Store
	games    GameServer
	notifier Notifier
	journal  Journal
	log      *logrus.Logger

	// events feeds the single journal writer, so records leave in the
	// order they were committed.
	journalMu     sync.Mutex
	events        chan cache.RoomEventRecord
	journalDone   chan struct{}
	journalClosed bool

	newName func() string
}

func NewService(store database.Store, games GameServer, log *logrus.Logger) *Service {
	return &Service{
		store:   store,
		games:   games,
		log:     log,
		newName: randomRoomName,
	}
}

// UseNotifier wires the game_started fan-out. Call before serving.
func (s *Service) UseNotifier(n Notifier) { s.notifier = n }

const (
	journalBuffer  = 256
	journalTimeout = 2 * time.Second
)

// UseJournal wires the event journal and starts its writer. Call once,
// before serving.
func (s *Service) UseJournal(j Journal) {
	s.journal = j
	s.events = make(chan cache.RoomEventRecord, journalBuffer)
	s.journalDone = make(chan struct{})
	go s.writeJournal()
}

// Close stops the journal writer once everything queued has been written.
func (s *Service) Close() {
	s.journalMu.Lock()
	if s.events == nil || s.journalClosed {
		s.journalMu.Unlock()
		return
	}
	s.journalClosed = true
	close(s.events)
	s.journalMu.Unlock()
	<-s.journalDone
}

func (s *Service) writeJournal() {
	defer close(s.journalDone)
	for rec := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		err := s.journal.Record(ctx, rec)
		cancel()
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"room_id": rec.RoomID, "type": rec.Type}).Warn("failed to journal room event")
		}
	}
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if de, ok := AsError(err); ok {
			result = string(de.Code)
		}
	}
	metrics.RoomOps.WithLabelValues(op, result).Inc()
}

func (s *Service) record(_ context.Context, r *models.Room, typ string, userID uuid.UUID, payload map[string]any) {
	if s.journal == nil {
		return
	}
	rec := cache.RoomEventRecord{
		RoomID:     r.ID,
		RoomNumber: r.RoomNumber,
		Type:       typ,
		UserID:     userID,
		Payload:    payload,
		Timestamp:  time.Now().UnixMilli(),
	}

	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.journalClosed {
		return
	}
	select {
	case s.events <- rec:
	default:
		s.log.WithFields(logrus.Fields{"room_id": rec.RoomID, "type": rec.Type}).Warn("journal queue full, dropping room event")
	}
}

// conflictAs turns a lost uniqueness race into the domain error callers expect.
func conflictAs(err error, target *Error, details map[string]any) error {
	if errors.Is(err, database.ErrConflict) {
		return &Error{Code: target.Code, Message: target.Message, Details: details, cause: err}
	}
	return err
}

func loadUser(ctx context.Context, q database.Queries, id uuid.UUID) (*models.User, error) {
	u, err := q.GetUser(ctx, id)
	if database.IsNotFound(err) {
		return nil, newError(CodeUserNotFound, fmt.Sprintf("user %s not found", id), map[string]any{"user_id": id.String()})
	}
	return u, err
}

func loadRoom(ctx context.Context, q database.Queries, id uuid.UUID) (*models.Room, error) {
	r, err := q.GetRoom(ctx, id)
	if database.IsNotFound(err) {
		return nil, newError(CodeRoomNotFound, fmt.Sprintf("room %s not found", id), map[string]any{"room_id": id.String()})
	}
	return r, err
}

func seatOf(ctx context.Context, q database.Queries, roomID, userID uuid.UUID) (*models.Seat, error) {
	seat, err := q.FindSeat(ctx, database.SeatFilter{RoomID: roomID, UserID: userID})
	if database.IsNotFound(err) {
		return nil, newError(CodeUserNotInRoom, fmt.Sprintf("user %s is not in room %s", userID, roomID),
			map[string]any{"user_id": userID.String(), "room_id": roomID.String()})
	}
	return seat, err
}

func alreadySeated(ctx context.Context, q database.Queries, userID uuid.UUID) error {
	existing, err := q.FindSeat(ctx, database.SeatFilter{UserID: userID, Bot: database.Bool(false)})
	if database.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return newError(CodeUserAlreadyInRoom, fmt.Sprintf("user %s is already in a room", userID),
		map[string]any{"user_id": userID.String(), "current_room_id": existing.RoomID.String()})
}

func alreadyPlaying(r *models.Room) error {
	return newError(CodeRoomAlreadyPlaying, fmt.Sprintf("room %d is already playing", r.RoomNumber),
		map[string]any{"room_id": r.ID.String()})
}

// freeSlot returns the smallest slot index in [0, limit) not held by seats.
func freeSlot(seats []models.Seat, limit int) (int, bool) {
	used := make(map[int]bool, len(seats))
	for _, seat := range seats {
		used[seat.SlotIndex] = true
	}
	for i := 0; i < limit; i++ {
		if !used[i] {
			return i, true
		}
	}
	return 0, false
}

func humansOf(seats []models.Seat) []models.Seat {
	var out []models.Seat
	for _, seat := range seats {
		if !seat.IsBot {
			out = append(out, seat)
		}
	}
	return out
}

func buildRoster(ctx context.Context, q database.Queries, r *models.Room, seats []models.Seat) ([]RosterEntry, error) {
	roster := make([]RosterEntry, 0, len(seats))
	characters := map[string]models.Character{}
	for _, seat := range seats {
		u, err := q.GetUser(ctx, seat.UserID)
		if err != nil {
			return nil, fmt.Errorf("roster user %s: %w", seat.UserID, err)
		}
		c, ok := characters[u.CharacterCode]
		if !ok {
			c = characterOf(ctx, q, u)
			characters[u.CharacterCode] = c
		}
		roster = append(roster, RosterEntry{
			UserID:    u.ID,
			UID:       u.UID,
			Nickname:  u.Nickname,
			SlotIndex: seat.SlotIndex,
			IsReady:   seat.IsReady,
			IsBot:     seat.IsBot,
			IsHost:    seat.UserID == r.HostUserID,
			Character: c,
		})
	}
	return roster, nil
}

// characterOf falls back to the bare code when the catalog lacks it.
func characterOf(ctx context.Context, q database.Queries, u *models.User) models.Character {
	c, err := q.GetCharacter(ctx, u.CharacterCode)
	if err != nil {
		return models.Character{Code: u.CharacterCode}
	}
	return *c
}

// CreateRoom opens a new room numbered max+1 and seats the creator at slot 0
// as the (always ready) host.
func (s *Service) CreateRoom(ctx context.Context, userID uuid.UUID) (room *models.Room, seat *models.Seat, err error) {
	defer func() { observe("create_room", err) }()

	err = s.store.WithTx(ctx, func(q database.Queries) error {
		if _, err := loadUser(ctx, q, userID); err != nil {
			return err
		}
		if err := alreadySeated(ctx, q, userID); err != nil {
			return err
		}
		highest, err := q.MaxRoomNumber(ctx)
		if err != nil {
			return err
		}
		room = &models.Room{
			RoomNumber: highest + 1,
			Name:       s.newName(),
			MaxSeats:   models.MaxSeats,
			HostUserID: userID,
		}
		if err := q.CreateRoom(ctx, room); err != nil {
			return err
		}
		seat = &models.Seat{RoomID: room.ID, UserID: userID, SlotIndex: 0, IsReady: true}
		return q.CreateSeat(ctx, seat)
	})
	if err != nil {
		return nil, nil, conflictAs(err, ErrUserAlreadyInRoom, map[string]any{"user_id": userID.String()})
	}

	s.log.WithFields(logrus.Fields{"room_id": room.ID, "room_number": room.RoomNumber, "host": userID}).Info("room created")
	s.record(ctx, room, "room_created", userID, map[string]any{"name": room.Name})
	return room, seat, nil
}

// JoinRoom seats userID at the smallest free slot, not ready.
func (s *Service) JoinRoom(ctx context.Context, userID, roomID uuid.UUID) (seat *models.Seat, err error) {
	defer func() { observe("join_room", err) }()

	var r *models.Room
	err = s.store.WithTx(ctx, func(q database.Queries) error {
		if _, err := loadUser(ctx, q, userID); err != nil {
			return err
		}
		var err error
		if r, err = loadRoom(ctx, q, roomID); err != nil {
			return err
		}
		if r.IsPlaying {
			return alreadyPlaying(r)
		}
		seats, err := q.ListSeats(ctx, database.SeatFilter{RoomID: roomID})
		if err != nil {
			return err
		}
		slot, ok := freeSlot(seats, r.MaxSeats)
		if len(seats) >= r.MaxSeats || !ok {
			return newError(CodeRoomIsFull, fmt.Sprintf("room %d is full", r.RoomNumber),
				map[string]any{"room_id": roomID.String(), "max_users": r.MaxSeats})
		}
		if err := alreadySeated(ctx, q, userID); err != nil {
			return err
		}
		seat = &models.Seat{RoomID: roomID, UserID: userID, SlotIndex: slot, IsReady: r.HostUserID == userID}
		return q.CreateSeat(ctx, seat)
	})
	if err != nil {
		return nil, conflictAs(err, ErrUserAlreadyInRoom, map[string]any{"user_id": userID.String(), "room_id": roomID.String()})
	}

	s.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "slot_index": seat.SlotIndex}).Info("user joined room")
	s.record(ctx, r, "user_joined", userID, map[string]any{"slot_index": seat.SlotIndex})
	return seat, nil
}

// AddBot seats a synthetic, always ready bot at slotIndex. Only the host may
// add bots.
func (s *Service) AddBot(ctx context.Context, hostID, roomID uuid.UUID, slotIndex int) (seat *models.Seat, bot *models.User, err error) {
	defer func() { observe("add_bot", err) }()

	var r *models.Room
	err = s.store.WithTx(ctx, func(q database.Queries) error {
		var err error
		if r, err = loadRoom(ctx, q, roomID); err != nil {
			return err
		}
		if r.HostUserID != hostID {
			return newError(CodeNotHost, "only the host can add bots",
				map[string]any{"user_id": hostID.String(), "host_id": r.HostUserID.String(), "room_id": roomID.String()})
		}
		if r.IsPlaying {
			return alreadyPlaying(r)
		}
		if slotIndex < 0 || slotIndex >= r.MaxSeats {
			return newError(CodeInvalidSlot, fmt.Sprintf("slot %d is outside [0, %d)", slotIndex, r.MaxSeats),
				map[string]any{"slot_index": slotIndex, "max_users": r.MaxSeats})
		}
		_, err = q.FindSeat(ctx, database.SeatFilter{RoomID: roomID, SlotIndex: database.Int(slotIndex)})
		if err == nil {
			return newError(CodeSlotTaken, fmt.Sprintf("slot %d is already taken", slotIndex),
				map[string]any{"room_id": roomID.String(), "slot_index": slotIndex})
		}
		if !database.IsNotFound(err) {
			return err
		}

		id := uuid.New()
		bot = &models.User{
			ID:            id,
			UID:           "bot-" + id.String(),
			Nickname:      fmt.Sprintf("Bot %d", slotIndex+1),
			CharacterCode: models.DefaultCharacterCode,
			IsBot:         true,
		}
		if err := q.CreateUser(ctx, bot); err != nil {
			return err
		}
		seat = &models.Seat{RoomID: roomID, UserID: bot.ID, SlotIndex: slotIndex, IsReady: true, IsBot: true}
		return q.CreateSeat(ctx, seat)
	})
	if err != nil {
		return nil, nil, conflictAs(err, ErrSlotTaken, map[string]any{"room_id": roomID.String(), "slot_index": slotIndex})
	}

	s.log.WithFields(logrus.Fields{"room_id": roomID, "slot_index": slotIndex}).Info("bot added")
	s.record(ctx, r, "bot_added", bot.ID, map[string]any{"slot_index": slotIndex})
	return seat, bot, nil
}

// ToggleReady flips the caller's readiness. The host is always ready and
// cannot toggle.
func (s *Service) ToggleReady(ctx context.Context, userID, roomID uuid.UUID) (seat *models.Seat, err error) {
	defer func() { observe("toggle_ready", err) }()

	var r *models.Room
	err = s.store.WithTx(ctx, func(q database.Queries) error {
		if _, err := loadUser(ctx, q, userID); err != nil {
			return err
		}
		var err error
		if r, err = loadRoom(ctx, q, roomID); err != nil {
			return err
		}
		if seat, err = seatOf(ctx, q, roomID, userID); err != nil {
			return err
		}
		if r.HostUserID == userID {
			return newError(CodeHostCannotReady, "host cannot toggle ready status",
				map[string]any{"user_id": userID.String(), "room_id": roomID.String()})
		}
		if r.IsPlaying {
			return alreadyPlaying(r)
		}
		seat.IsReady = !seat.IsReady
		return q.UpdateSeat(ctx, seat)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, r, "ready_toggled", userID, map[string]any{"is_ready": seat.IsReady})
	return seat, nil
}

// LeaveRoom removes the caller's seat. When no human remains the room is
// torn down together with its bots; when the host leaves, the human seat with
// the lowest slot index becomes host and is forced ready.
//
// disconnectOnly marks an involuntary socket loss: on a playing room it is a
// no-op returning an empty result so the player can reconnect, where an
// explicit leave fails with ROOM_ALREADY_PLAYING.
func (s *Service) LeaveRoom(ctx context.Context, userID, roomID uuid.UUID, disconnectOnly bool) (res LeaveResult, err error) {
	op := "leave_room"
	if disconnectOnly {
		op = "disconnect_room"
	}
	defer func() { observe(op, err) }()

	var r *models.Room
	err = s.store.WithTx(ctx, func(q database.Queries) error {
		res = LeaveResult{}
		var err error
		if r, err = loadRoom(ctx, q, roomID); err != nil {
			return err
		}
		seat, err := seatOf(ctx, q, roomID, userID)
		if err != nil {
			return err
		}
		leaver, err := loadUser(ctx, q, userID)
		if err != nil {
			return err
		}
		res.LeaverUID = leaver.UID
		if r.IsPlaying {
			if disconnectOnly {
				return nil
			}
			return newError(CodeRoomAlreadyPlaying, fmt.Sprintf("cannot leave room %d while playing", r.RoomNumber),
				map[string]any{"room_id": roomID.String()})
		}

		if err := q.DeleteSeat(ctx, seat.ID); err != nil {
			return err
		}
		res.SeatRemoved = true

		remaining, err := q.ListSeats(ctx, database.SeatFilter{RoomID: roomID})
		if err != nil {
			return err
		}
		humans := humansOf(remaining)
		if len(humans) == 0 {
			if err := q.DeleteRoom(ctx, roomID); err != nil {
				return err
			}
			for _, b := range remaining {
				if err := q.DeleteUser(ctx, b.UserID); err != nil && !database.IsNotFound(err) {
					return err
				}
			}
			res.RoomClosed = true
			return nil
		}

		if r.HostUserID == userID {
			next := humans[0]
			r.HostUserID = next.UserID
			if err := q.UpdateRoom(ctx, r); err != nil {
				return err
			}
			next.IsReady = true
			if err := q.UpdateSeat(ctx, &next); err != nil {
				return err
			}
			res.NewHostID = next.UserID
			if remaining, err = q.ListSeats(ctx, database.SeatFilter{RoomID: roomID}); err != nil {
				return err
			}
		}

		res.Roster, err = buildRoster(ctx, q, r, remaining)
		return err
	})
	if err != nil {
		return LeaveResult{}, err
	}
	if !res.SeatRemoved {
		return res, nil
	}

	fields := logrus.Fields{"room_id": roomID, "user_id": userID, "disconnect": disconnectOnly}
	switch {
	case res.RoomClosed:
		s.log.WithFields(fields).Info("last user left, room closed")
		s.record(ctx, r, "room_closed", userID, nil)
	case res.NewHostID != uuid.Nil:
		s.log.WithFields(fields).WithField("new_host", res.NewHostID).Info("host left, host migrated")
		s.record(ctx, r, "user_left", userID, map[string]any{"new_host_id": res.NewHostID.String()})
	default:
		s.log.WithFields(fields).Info("user left room")
		s.record(ctx, r, "user_left", userID, nil)
	}
	return res, nil
}

func (s *Service) validateStart(ctx context.Context, q database.Queries, roomID, hostID uuid.UUID) (*models.Room, []gameserver.Player, error) {
	r, err := loadRoom(ctx, q, roomID)
	if err != nil {
		return nil, nil, err
	}
	if hostID != uuid.Nil && r.HostUserID != hostID {
		return nil, nil, newError(CodeNotHost, "only the host can start the game",
			map[string]any{"user_id": hostID.String(), "host_id": r.HostUserID.String(), "room_id": roomID.String()})
	}
	if r.IsPlaying {
		return nil, nil, alreadyPlaying(r)
	}
	seats, err := q.ListSeats(ctx, database.SeatFilter{RoomID: roomID})
	if err != nil {
		return nil, nil, err
	}
	if len(seats) < r.MaxSeats {
		return nil, nil, newError(CodeNotEnoughPlayers, fmt.Sprintf("room %d has %d of %d players", r.RoomNumber, len(seats), r.MaxSeats),
			map[string]any{"room_id": roomID.String(), "current_users": len(seats), "max_users": r.MaxSeats})
	}
	var notReady []string
	for _, seat := range seats {
		if !seat.IsReady && seat.UserID != r.HostUserID {
			notReady = append(notReady, seat.UserID.String())
		}
	}
	if len(notReady) > 0 {
		return nil, nil, newError(CodePlayersNotReady, "not all players are ready",
			map[string]any{"room_id": roomID.String(), "not_ready_user_ids": notReady})
	}

	players := make([]gameserver.Player, 0, len(seats))
	for _, seat := range seats {
		u, err := q.GetUser(ctx, seat.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("player %s: %w", seat.UserID, err)
		}
		players = append(players, gameserver.Player{
			UserID:    u.ID.String(),
			UID:       u.UID,
			Nickname:  u.Nickname,
			SlotIndex: seat.SlotIndex,
			IsBot:     seat.IsBot,
		})
	}
	return r, players, nil
}

// StartGame moves a full, ready room into play. See startGame.
func (s *Service) StartGame(ctx context.Context, roomID uuid.UUID) (string, error) {
	return s.startGame(ctx, roomID, uuid.Nil)
}

// StartGameAsHost is StartGame restricted to the room's host.
func (s *Service) StartGameAsHost(ctx context.Context, hostID, roomID uuid.UUID) (string, error) {
	return s.startGame(ctx, roomID, hostID)
}

// startGame validates, allocates a session on the game server outside any
// transaction, then re-validates and flips the room to playing. A failed
// allocation leaves the room untouched; a failed flip releases the session.
func (s *Service) startGame(ctx context.Context, roomID, hostID uuid.UUID) (url string, err error) {
	defer func() { observe("start_game", err) }()

	var (
		r       *models.Room
		players []gameserver.Player
	)
	err = s.store.WithTx(ctx, func(q database.Queries) error {
		var err error
		r, players, err = s.validateStart(ctx, q, roomID, hostID)
		return err
	})
	if err != nil {
		return "", err
	}

	gameID := uuid.NewString()
	url, err = s.games.StartGame(ctx, gameserver.StartRequest{GameID: gameID, RoomNumber: r.RoomNumber, Players: players})
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Warn("game server rejected start")
		return "", &Error{
			Code:    CodeGameServerError,
			Message: "failed to allocate a game session",
			Details: map[string]any{"room_id": roomID.String()},
			cause:   err,
		}
	}

	err = s.store.WithTx(ctx, func(q database.Queries) error {
		var err error
		if r, _, err = s.validateStart(ctx, q, roomID, hostID); err != nil {
			return err
		}
		r.IsPlaying = true
		r.GameSessionID = gameID
		return q.UpdateRoom(ctx, r)
	})
	if err != nil {
		if endErr := s.games.EndGame(context.WithoutCancel(ctx), gameID); endErr != nil {
			s.log.WithError(endErr).WithField("game_id", gameID).Warn("failed to release orphaned game session")
		}
		return "", err
	}

	s.log.WithFields(logrus.Fields{"room_id": roomID, "game_id": gameID}).Info("game started")
	s.record(ctx, r, "game_started", hostID, map[string]any{"game_id": gameID})
	if s.notifier != nil {
		s.notifier.GameStarted(ctx, roomID, url)
	}
	return url, nil
}

// EndGame returns a playing room to the lobby. Non-host human seats become
// not ready; the host and bots stay ready.
func (s *Service) EndGame(ctx context.Context, roomID uuid.UUID) (err error) {
	defer func() { observe("end_game", err) }()

	var r *models.Room
	err = s.store.WithTx(ctx, func(q database.Queries) error {
		var err error
		if r, err = loadRoom(ctx, q, roomID); err != nil {
			return err
		}
		if !r.IsPlaying {
			return newError(CodeRoomNotPlaying, fmt.Sprintf("room %d is not playing", r.RoomNumber),
				map[string]any{"room_id": roomID.String()})
		}
		r.IsPlaying = false
		r.GameSessionID = ""
		if err := q.UpdateRoom(ctx, r); err != nil {
			return err
		}
		seats, err := q.ListSeats(ctx, database.SeatFilter{RoomID: roomID})
		if err != nil {
			return err
		}
		for _, seat := range seats {
			want := seat.UserID == r.HostUserID || seat.IsBot
			if seat.IsReady == want {
				continue
			}
			seat.IsReady = want
			if err := q.UpdateSeat(ctx, &seat); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("room_id", roomID).Info("game ended")
	s.record(ctx, r, "game_ended", uuid.Nil, nil)
	return nil
}

// JoinLookup resolves the seat a user holds in the room numbered roomNumber.
func (s *Service) JoinLookup(ctx context.Context, userID uuid.UUID, roomNumber int) (*Binding, error) {
	r, err := s.RoomByNumber(ctx, roomNumber)
	if err != nil {
		return nil, err
	}
	u, err := loadUser(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	seat, err := seatOf(ctx, s.store, r.ID, userID)
	if err != nil {
		return nil, err
	}
	return &Binding{User: *u, Room: *r, Seat: *seat, Character: characterOf(ctx, s.store, u)}, nil
}

// IsPlaying reads the room's current state. A missing room is not playing.
func (s *Service) IsPlaying(ctx context.Context, roomID uuid.UUID) (bool, error) {
	r, err := s.store.GetRoom(ctx, roomID)
	if database.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.IsPlaying, nil
}

// Roster lists the room's seats ordered by slot.
func (s *Service) Roster(ctx context.Context, roomID uuid.UUID) ([]RosterEntry, error) {
	r, err := loadRoom(ctx, s.store, roomID)
	if err != nil {
		return nil, err
	}
	seats, err := s.store.ListSeats(ctx, database.SeatFilter{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return buildRoster(ctx, s.store, r, seats)
}

func (s *Service) RoomByNumber(ctx context.Context, roomNumber int) (*models.Room, error) {
	r, err := s.store.FindRoom(ctx, database.RoomFilter{RoomNumber: roomNumber})
	if database.IsNotFound(err) {
		return nil, newError(CodeRoomNotFound, fmt.Sprintf("room %d not found", roomNumber), map[string]any{"room_number": roomNumber})
	}
	return r, err
}

func (s *Service) RoomByGameID(ctx context.Context, gameID string) (*models.Room, error) {
	r, err := s.store.FindRoom(ctx, database.RoomFilter{GameSessionID: gameID})
	if database.IsNotFound(err) {
		return nil, newError(CodeRoomNotFound, fmt.Sprintf("no room plays game %s", gameID), map[string]any{"game_id": gameID})
	}
	return r, err
}

// CurrentSeat returns the seat userID holds anywhere, or nil.
func (s *Service) CurrentSeat(ctx context.Context, userID uuid.UUID) (*models.Seat, error) {
	seat, err := s.store.FindSeat(ctx, database.SeatFilter{UserID: userID, Bot: database.Bool(false)})
	if database.IsNotFound(err) {
		return nil, nil
	}
	return seat, err
}

// CleanupRooms deletes rooms left without any human seat and reports how
// many were removed.
func (s *Service) CleanupRooms(ctx context.Context) (int, error) {
	rooms, err := s.store.ListRooms(ctx, database.RoomFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, candidate := range rooms {
		deleted := false
		err := s.store.WithTx(ctx, func(q database.Queries) error {
			deleted = false
			seats, err := q.ListSeats(ctx, database.SeatFilter{RoomID: candidate.ID})
			if err != nil {
				return err
			}
			if len(humansOf(seats)) > 0 {
				return nil
			}
			if err := q.DeleteRoom(ctx, candidate.ID); err != nil {
				if database.IsNotFound(err) {
					return nil
				}
				return err
			}
			for _, b := range seats {
				if err := q.DeleteUser(ctx, b.UserID); err != nil && !database.IsNotFound(err) {
					return err
				}
			}
			deleted = true
			return nil
		})
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
			s.log.WithField("room_id", candidate.ID).Info("removed abandoned room")
		}
	}
	return removed, nil
}

// AvailableRooms lists rooms that are not playing, after cleaning up
// abandoned ones.
func (s *Service) AvailableRooms(ctx context.Context) ([]RoomSummary, error) {
	if _, err := s.CleanupRooms(ctx); err != nil {
		return nil, err
	}
	rooms, err := s.store.ListRooms(ctx, database.RoomFilter{Playing: database.Bool(false)})
	if err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for i := range rooms {
		r := &rooms[i]
		seats, err := s.store.ListSeats(ctx, database.SeatFilter{RoomID: r.ID})
		if err != nil {
			return nil, err
		}
		roster, err := buildRoster(ctx, s.store, r, seats)
		if err != nil {
			return nil, err
		}
		summary := RoomSummary{
			Name:         r.Name,
			RoomNumber:   r.RoomNumber,
			MaxUsers:     r.MaxSeats,
			CurrentUsers: len(roster),
			Users:        roster,
		}
		for _, e := range roster {
			if e.IsHost {
				summary.HostNickname = e.Nickname
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// MyRoom describes the room the user is seated in.
func (s *Service) MyRoom(ctx context.Context, userID uuid.UUID) (*RoomDetail, error) {
	seat, err := s.CurrentSeat(ctx, userID)
	if err != nil {
		return nil, err
	}
	if seat == nil {
		return nil, newError(CodeUserNotInRoom, "user is not in any room", map[string]any{"user_id": userID.String()})
	}
	r, err := loadRoom(ctx, s.store, seat.RoomID)
	if err != nil {
		return nil, err
	}
	roster, err := s.Roster(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return &RoomDetail{
		RoomNumber: r.RoomNumber,
		Name:       r.Name,
		IsPlaying:  r.IsPlaying,
		GameID:     r.GameSessionID,
		Users:      roster,
	}, nil
}
