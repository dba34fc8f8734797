// internal/room/service_test.go
package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/cache"
	"github.com/jason-s-yu/mcrlobby/internal/database"
	"github.com/jason-s-yu/mcrlobby/internal/gameserver"
	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeGameServer records calls instead of talking HTTP.
type fakeGameServer struct {
	mu      sync.Mutex
	starts  []gameserver.StartRequest
	ended   []string
	startFn func(req gameserver.StartRequest) (string, error)
}

func (f *fakeGameServer) StartGame(ctx context.Context, req gameserver.StartRequest) (string, error) {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	fn := f.startFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return "ws://game/" + req.GameID, nil
}

func (f *fakeGameServer) EndGame(ctx context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, gameID)
	return nil
}

func (f *fakeGameServer) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeNotifier struct {
	mu   sync.Mutex
	urls map[uuid.UUID]string
}

func (n *fakeNotifier) GameStarted(ctx context.Context, roomID uuid.UUID, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.urls == nil {
		n.urls = map[uuid.UUID]string{}
	}
	n.urls[roomID] = url
}

type fakeJournal struct {
	mu      sync.Mutex
	records []cache.RoomEventRecord
}

func (j *fakeJournal) Record(ctx context.Context, rec cache.RoomEventRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *fakeJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Type)
	}
	return out
}

type fixture struct {
	svc   *Service
	store *database.Memory
	games *fakeGameServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := database.NewMemory()
	games := &fakeGameServer{}
	return &fixture{svc: NewService(store, games, log), store: store, games: games}
}

func (f *fixture) user(t *testing.T, uid string) uuid.UUID {
	t.Helper()
	u := &models.User{UID: uid, Nickname: "nick-" + uid}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u.ID
}

func (f *fixture) seats(t *testing.T, roomID uuid.UUID) []models.Seat {
	t.Helper()
	seats, err := f.store.ListSeats(context.Background(), database.SeatFilter{RoomID: roomID})
	require.NoError(t, err)
	return seats
}

// fullReadyRoom builds a room with a host and three ready guests.
func (f *fixture) fullReadyRoom(t *testing.T) (*models.Room, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	ids := []uuid.UUID{host}
	for i := 1; i < models.MaxSeats; i++ {
		id := f.user(t, fmt.Sprintf("guest%d", i))
		_, err := f.svc.JoinRoom(ctx, id, r.ID)
		require.NoError(t, err)
		_, err = f.svc.ToggleReady(ctx, id, r.ID)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return r, ids
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")

	r1, seat, err := f.svc.CreateRoom(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.RoomNumber)
	assert.Equal(t, alice, r1.HostUserID)
	assert.False(t, r1.IsPlaying)
	assert.Equal(t, models.MaxSeats, r1.MaxSeats)
	assert.NotEmpty(t, r1.Name)
	assert.Equal(t, 0, seat.SlotIndex)
	assert.True(t, seat.IsReady, "host is always ready")

	r2, _, err := f.svc.CreateRoom(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.RoomNumber)

	_, _, err = f.svc.CreateRoom(ctx, alice)
	assert.ErrorIs(t, err, ErrUserAlreadyInRoom)

	_, _, err = f.svc.CreateRoom(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestJoinRoomAssignsLowestFreeSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)

	var guests []uuid.UUID
	for i := 1; i <= 3; i++ {
		id := f.user(t, fmt.Sprintf("g%d", i))
		seat, err := f.svc.JoinRoom(ctx, id, r.ID)
		require.NoError(t, err)
		assert.Equal(t, i, seat.SlotIndex)
		assert.False(t, seat.IsReady)
		guests = append(guests, id)
	}

	late := f.user(t, "late")
	_, err = f.svc.JoinRoom(ctx, late, r.ID)
	assert.ErrorIs(t, err, ErrRoomIsFull)

	_, err = f.svc.LeaveRoom(ctx, guests[0], r.ID, false)
	require.NoError(t, err)

	seat, err := f.svc.JoinRoom(ctx, late, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, seat.SlotIndex, "freed slot is reused first")

	_, err = f.svc.JoinRoom(ctx, late, uuid.New())
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestConcurrentJoinsNeverOverfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)

	users := make([]uuid.UUID, 12)
	for i := range users {
		users[i] = f.user(t, fmt.Sprintf("u%d", i))
	}

	var (
		mu     sync.Mutex
		joined int
		full   int
	)
	var g errgroup.Group
	for _, id := range users {
		g.Go(func() error {
			_, err := f.svc.JoinRoom(ctx, id, r.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, ErrRoomIsFull):
				full++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, models.MaxSeats-1, joined)
	assert.Equal(t, len(users)-joined, full)

	seats := f.seats(t, r.ID)
	require.Len(t, seats, models.MaxSeats)
	slots := map[int]bool{}
	for _, s := range seats {
		assert.False(t, slots[s.SlotIndex], "duplicate slot %d", s.SlotIndex)
		slots[s.SlotIndex] = true
	}
}

func TestSingleRoomMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "a")
	b := f.user(t, "b")
	r1, _, err := f.svc.CreateRoom(ctx, a)
	require.NoError(t, err)
	r2, _, err := f.svc.CreateRoom(ctx, b)
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, a, r2.ID)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, CodeUserAlreadyInRoom, de.Code)
	assert.Equal(t, r1.ID.String(), de.Details["current_room_id"])
}

func TestHostMigrationPicksLowestSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	a, b, c := f.user(t, "a"), f.user(t, "b"), f.user(t, "c")
	for _, id := range []uuid.UUID{a, b, c} {
		_, err := f.svc.JoinRoom(ctx, id, r.ID)
		require.NoError(t, err)
	}
	// seats now {0: host, 2: b, 3: c}
	_, err = f.svc.LeaveRoom(ctx, a, r.ID, false)
	require.NoError(t, err)

	res, err := f.svc.LeaveRoom(ctx, host, r.ID, false)
	require.NoError(t, err)
	assert.True(t, res.SeatRemoved)
	assert.False(t, res.RoomClosed)
	assert.Equal(t, b, res.NewHostID)

	require.Len(t, res.Roster, 2)
	assert.Equal(t, 2, res.Roster[0].SlotIndex)
	assert.True(t, res.Roster[0].IsHost)
	assert.True(t, res.Roster[0].IsReady, "new host is forced ready")
	assert.Equal(t, 3, res.Roster[1].SlotIndex)
	assert.False(t, res.Roster[1].IsHost)

	got, err := f.store.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got.HostUserID)
}

func TestLastLeaveTearsDownRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)

	res, err := f.svc.LeaveRoom(ctx, host, r.ID, false)
	require.NoError(t, err)
	assert.True(t, res.RoomClosed)
	assert.Empty(t, res.Roster)

	_, err = f.store.GetRoom(ctx, r.ID)
	assert.True(t, database.IsNotFound(err))
	_, err = f.svc.RoomByNumber(ctx, r.RoomNumber)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = f.svc.LeaveRoom(ctx, host, r.ID, false)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestBotsOnlyRoomIsTornDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	_, bot, err := f.svc.AddBot(ctx, host, r.ID, 2)
	require.NoError(t, err)

	res, err := f.svc.LeaveRoom(ctx, host, r.ID, false)
	require.NoError(t, err)
	assert.True(t, res.RoomClosed)

	_, err = f.store.GetUser(ctx, bot.ID)
	assert.True(t, database.IsNotFound(err), "bot user is removed with its room")
}

func TestToggleReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	guest := f.user(t, "guest")
	outsider := f.user(t, "outsider")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, guest, r.ID)
	require.NoError(t, err)

	seat, err := f.svc.ToggleReady(ctx, guest, r.ID)
	require.NoError(t, err)
	assert.True(t, seat.IsReady)
	seat, err = f.svc.ToggleReady(ctx, guest, r.ID)
	require.NoError(t, err)
	assert.False(t, seat.IsReady, "two toggles restore the original value")

	_, err = f.svc.ToggleReady(ctx, host, r.ID)
	assert.ErrorIs(t, err, ErrHostCannotReady)

	_, err = f.svc.ToggleReady(ctx, outsider, r.ID)
	assert.ErrorIs(t, err, ErrUserNotInRoom)
}

func TestAddBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	guest := f.user(t, "guest")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, guest, r.ID)
	require.NoError(t, err)

	_, _, err = f.svc.AddBot(ctx, guest, r.ID, 2)
	assert.ErrorIs(t, err, ErrNotHost)

	_, _, err = f.svc.AddBot(ctx, host, r.ID, 1)
	assert.ErrorIs(t, err, ErrSlotTaken)

	_, _, err = f.svc.AddBot(ctx, host, r.ID, models.MaxSeats)
	assert.ErrorIs(t, err, ErrInvalidSlot)

	seat, bot, err := f.svc.AddBot(ctx, host, r.ID, 3)
	require.NoError(t, err)
	assert.True(t, seat.IsBot)
	assert.True(t, seat.IsReady)
	assert.Equal(t, 3, seat.SlotIndex)
	assert.True(t, bot.IsBot)
	assert.Equal(t, "Bot 4", bot.Nickname)
	assert.Contains(t, bot.UID, "bot-")

	roster, err := f.svc.Roster(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, "c0", roster[2].Character.Code)
	assert.Equal(t, "Default", roster[2].Character.Name)
}

func TestStartGameGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifier := &fakeNotifier{}
	f.svc.UseNotifier(notifier)

	host := f.user(t, "host")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)

	_, err = f.svc.StartGame(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotEnoughPlayers)

	guests := make([]uuid.UUID, 3)
	for i := range guests {
		guests[i] = f.user(t, fmt.Sprintf("g%d", i))
		_, err := f.svc.JoinRoom(ctx, guests[i], r.ID)
		require.NoError(t, err)
	}
	_, err = f.svc.ToggleReady(ctx, guests[0], r.ID)
	require.NoError(t, err)
	_, err = f.svc.ToggleReady(ctx, guests[1], r.ID)
	require.NoError(t, err)

	_, err = f.svc.StartGame(ctx, r.ID)
	assert.ErrorIs(t, err, ErrPlayersNotReady)
	assert.Equal(t, 0, f.games.startCalls(), "game server is only called for a full ready room")

	_, err = f.svc.ToggleReady(ctx, guests[2], r.ID)
	require.NoError(t, err)

	url, err := f.svc.StartGame(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.games.startCalls())
	assert.Equal(t, url, notifier.urls[r.ID])
	assert.Len(t, f.games.starts[0].Players, models.MaxSeats)

	got, err := f.store.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPlaying)
	assert.Equal(t, f.games.starts[0].GameID, got.GameSessionID)

	_, err = f.svc.StartGame(ctx, r.ID)
	assert.ErrorIs(t, err, ErrRoomAlreadyPlaying)
	assert.Equal(t, 1, f.games.startCalls())
}

func TestStartGameServerFailureLeavesRoomIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.games.startFn = func(gameserver.StartRequest) (string, error) {
		return "", gameserver.ErrUnavailable
	}
	r, _ := f.fullReadyRoom(t)

	_, err := f.svc.StartGame(ctx, r.ID)
	assert.ErrorIs(t, err, ErrGameServer)
	assert.ErrorIs(t, err, gameserver.ErrUnavailable)

	got, err := f.store.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPlaying)
	assert.Empty(t, got.GameSessionID)
}

func TestStartGameReleasesSessionWhenRoomChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, ids := f.fullReadyRoom(t)
	f.games.startFn = func(req gameserver.StartRequest) (string, error) {
		// a guest drops out while the game server is allocating
		_, err := f.svc.LeaveRoom(ctx, ids[3], r.ID, false)
		require.NoError(t, err)
		return "ws://game/" + req.GameID, nil
	}

	_, err := f.svc.StartGame(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotEnoughPlayers)
	require.Len(t, f.games.ended, 1)
	assert.Equal(t, f.games.starts[0].GameID, f.games.ended[0])

	got, err := f.store.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPlaying)
}

func TestStartGameAsHost(t *testing.T) {
	f := newFixture(t)
	r, ids := f.fullReadyRoom(t)

	_, err := f.svc.StartGameAsHost(context.Background(), ids[1], r.ID)
	assert.ErrorIs(t, err, ErrNotHost)
	assert.Equal(t, 0, f.games.startCalls())

	_, err = f.svc.StartGameAsHost(context.Background(), ids[0], r.ID)
	require.NoError(t, err)
}

func TestDisconnectVersusLeaveWhilePlaying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, ids := f.fullReadyRoom(t)
	_, err := f.svc.StartGame(ctx, r.ID)
	require.NoError(t, err)

	res, err := f.svc.LeaveRoom(ctx, ids[2], r.ID, true)
	require.NoError(t, err)
	assert.False(t, res.SeatRemoved)
	assert.Empty(t, res.Roster)
	assert.Len(t, f.seats(t, r.ID), models.MaxSeats, "mid-game disconnect keeps the seat")

	_, err = f.svc.LeaveRoom(ctx, ids[2], r.ID, false)
	assert.ErrorIs(t, err, ErrRoomAlreadyPlaying)
	assert.Len(t, f.seats(t, r.ID), models.MaxSeats)

	playing, err := f.svc.IsPlaying(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, playing)
}

func TestEndGame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, ids := f.fullReadyRoom(t)

	err := f.svc.EndGame(ctx, r.ID)
	assert.ErrorIs(t, err, ErrRoomNotPlaying)

	// swap a guest for a bot so both kinds of seat are covered
	_, err = f.svc.LeaveRoom(ctx, ids[3], r.ID, false)
	require.NoError(t, err)
	_, _, err = f.svc.AddBot(ctx, ids[0], r.ID, 3)
	require.NoError(t, err)

	_, err = f.svc.StartGame(ctx, r.ID)
	require.NoError(t, err)
	playing, err := f.store.GetRoom(ctx, r.ID)
	require.NoError(t, err)

	found, err := f.svc.RoomByGameID(ctx, playing.GameSessionID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, found.ID)

	require.NoError(t, f.svc.EndGame(ctx, r.ID))

	got, err := f.store.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPlaying)
	assert.Empty(t, got.GameSessionID)

	for _, s := range f.seats(t, r.ID) {
		switch {
		case s.UserID == ids[0]:
			assert.True(t, s.IsReady, "host stays ready")
		case s.IsBot:
			assert.True(t, s.IsReady, "bots stay ready")
		default:
			assert.False(t, s.IsReady, "guest %s reset", s.UserID)
		}
	}

	_, err = f.svc.RoomByGameID(ctx, playing.GameSessionID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")
	stranger := f.user(t, "stranger")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)

	b, err := f.svc.JoinLookup(ctx, host, r.RoomNumber)
	require.NoError(t, err)
	assert.Equal(t, host, b.User.ID)
	assert.Equal(t, r.ID, b.Room.ID)
	assert.Equal(t, 0, b.Seat.SlotIndex)
	assert.Equal(t, "c0", b.Character.Code)

	_, err = f.svc.JoinLookup(ctx, stranger, r.RoomNumber)
	assert.ErrorIs(t, err, ErrUserNotInRoom)

	_, err = f.svc.JoinLookup(ctx, host, r.RoomNumber+10)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAvailableRoomsAndCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	idle := f.user(t, "idle")
	idleRoom, _, err := f.svc.CreateRoom(ctx, idle)
	require.NoError(t, err)

	playingRoom, _ := f.fullReadyRoom(t)
	_, err = f.svc.StartGame(ctx, playingRoom.ID)
	require.NoError(t, err)

	// a room whose only human vanished out of band
	ghost := f.user(t, "ghost")
	ghostRoom, _, err := f.svc.CreateRoom(ctx, ghost)
	require.NoError(t, err)
	_, _, err = f.svc.AddBot(ctx, ghost, ghostRoom.ID, 1)
	require.NoError(t, err)
	seat, err := f.svc.CurrentSeat(ctx, ghost)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteSeat(ctx, seat.ID))

	rooms, err := f.svc.AvailableRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, idleRoom.RoomNumber, rooms[0].RoomNumber)
	assert.Equal(t, 1, rooms[0].CurrentUsers)
	assert.Equal(t, "nick-idle", rooms[0].HostNickname)

	_, err = f.store.GetRoom(ctx, ghostRoom.ID)
	assert.True(t, database.IsNotFound(err))
}

func TestMyRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.user(t, "host")

	_, err := f.svc.MyRoom(ctx, host)
	assert.ErrorIs(t, err, ErrUserNotInRoom)

	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	detail, err := f.svc.MyRoom(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, r.RoomNumber, detail.RoomNumber)
	assert.Equal(t, r.Name, detail.Name)
	assert.Empty(t, detail.GameID)
	require.Len(t, detail.Users, 1)
	assert.True(t, detail.Users[0].IsHost)
}

func TestMutationsAreJournaled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := &fakeJournal{}
	f.svc.UseJournal(j)

	host := f.user(t, "host")
	guest := f.user(t, "guest")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, guest, r.ID)
	require.NoError(t, err)
	_, err = f.svc.LeaveRoom(ctx, guest, r.ID, false)
	require.NoError(t, err)

	f.svc.Close()
	assert.Equal(t, []string{"room_created", "user_joined", "user_left"}, j.types())
}

func TestJournalKeepsCommitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := &fakeJournal{}
	f.svc.UseJournal(j)

	host := f.user(t, "host")
	guest := f.user(t, "guest")
	r, _, err := f.svc.CreateRoom(ctx, host)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, guest, r.ID)
	require.NoError(t, err)
	const toggles = 200
	for range toggles {
		_, err = f.svc.ToggleReady(ctx, guest, r.ID)
		require.NoError(t, err)
	}
	f.svc.Close()

	j.mu.Lock()
	records := append([]cache.RoomEventRecord(nil), j.records...)
	j.mu.Unlock()
	require.Len(t, records, 2+toggles)
	assert.Equal(t, "room_created", records[0].Type)
	assert.Equal(t, "user_joined", records[1].Type)
	for i, rec := range records[2:] {
		require.Equal(t, "ready_toggled", rec.Type)
		assert.Equal(t, i%2 == 0, rec.Payload["is_ready"], "toggle %d", i)
	}

	// records after Close are dropped, not sent on a closed queue
	_, err = f.svc.ToggleReady(ctx, guest, r.ID)
	require.NoError(t, err)
	assert.Len(t, j.types(), 2+toggles)
}
