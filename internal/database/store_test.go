// internal/database/store_test.go
package database

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timestamps lose precision on some backends.
var ignoreTimes = []cmp.Option{
	cmpopts.IgnoreFields(models.Room{}, "CreatedAt"),
	cmpopts.IgnoreFields(models.Seat{}, "JoinedAt"),
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func mustUser(t *testing.T, q Queries, uid string, bot bool) *models.User {
	t.Helper()
	u := &models.User{UID: uid, Nickname: "nick-" + uid, IsBot: bot}
	require.NoError(t, q.CreateUser(context.Background(), u))
	return u
}

func mustRoom(t *testing.T, q Queries, number int, host *models.User) *models.Room {
	t.Helper()
	r := &models.Room{RoomNumber: number, Name: "room", MaxSeats: models.MaxSeats, HostUserID: host.ID}
	require.NoError(t, q.CreateRoom(context.Background(), r))
	return r
}

func mustSeat(t *testing.T, q Queries, room *models.Room, user *models.User, slot int) *models.Seat {
	t.Helper()
	s := &models.Seat{RoomID: room.ID, UserID: user.ID, SlotIndex: slot, IsBot: user.IsBot}
	require.NoError(t, q.CreateSeat(context.Background(), s))
	return s
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		s := open(t)
		u := mustUser(t, s, "alice", false)
		assert.NotEqual(t, uuid.Nil, u.ID)
		assert.Equal(t, models.DefaultCharacterCode, u.CharacterCode)

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(u, got); diff != "" {
			t.Fatalf("user mismatch (-want +got):\n%s", diff)
		}

		err = s.CreateUser(ctx, &models.User{UID: "alice", Nickname: "again"})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.GetUser(ctx, uuid.New())
		assert.True(t, IsNotFound(err))
		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "user", nf.Kind)

		require.NoError(t, s.DeleteUser(ctx, u.ID))
		assert.True(t, IsNotFound(s.DeleteUser(ctx, u.ID)))
	})

	t.Run("characters", func(t *testing.T) {
		s := open(t)
		c, err := s.GetCharacter(ctx, "c0")
		require.NoError(t, err)
		assert.Equal(t, "Default", c.Name)

		_, err = s.GetCharacter(ctx, "nope")
		assert.True(t, IsNotFound(err))
	})

	t.Run("rooms", func(t *testing.T) {
		s := open(t)
		host := mustUser(t, s, "host", false)

		n, err := s.MaxRoomNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		second := mustRoom(t, s, 2, host)
		first := mustRoom(t, s, 1, host)

		n, err = s.MaxRoomNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		err = s.CreateRoom(ctx, &models.Room{RoomNumber: 2, Name: "dup", MaxSeats: 4, HostUserID: host.ID})
		assert.ErrorIs(t, err, ErrConflict)

		rooms, err := s.ListRooms(ctx, RoomFilter{})
		require.NoError(t, err)
		if diff := cmp.Diff([]models.Room{*first, *second}, rooms, ignoreTimes...); diff != "" {
			t.Fatalf("rooms mismatch (-want +got):\n%s", diff)
		}

		found, err := s.FindRoom(ctx, RoomFilter{RoomNumber: 2})
		require.NoError(t, err)
		assert.Equal(t, second.ID, found.ID)

		second.IsPlaying = true
		second.GameSessionID = "game-1"
		require.NoError(t, s.UpdateRoom(ctx, second))

		found, err = s.FindRoom(ctx, RoomFilter{GameSessionID: "game-1"})
		require.NoError(t, err)
		assert.Equal(t, second.ID, found.ID)
		assert.True(t, found.IsPlaying)

		idle, err := s.ListRooms(ctx, RoomFilter{Playing: Bool(false)})
		require.NoError(t, err)
		require.Len(t, idle, 1)
		assert.Equal(t, first.ID, idle[0].ID)

		second.GameSessionID = ""
		second.IsPlaying = false
		require.NoError(t, s.UpdateRoom(ctx, second))
		got, err := s.GetRoom(ctx, second.ID)
		require.NoError(t, err)
		assert.Empty(t, got.GameSessionID)

		_, err = s.FindRoom(ctx, RoomFilter{RoomNumber: 99})
		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, map[string]any{"room_number": 99}, nf.Conditions)
	})

	t.Run("seats", func(t *testing.T) {
		s := open(t)
		host := mustUser(t, s, "host", false)
		guest := mustUser(t, s, "guest", false)
		bot := mustUser(t, s, "bot-1", true)
		r1 := mustRoom(t, s, 1, host)
		r2 := mustRoom(t, s, 2, guest)

		hostSeat := mustSeat(t, s, r1, host, 0)
		botSeat := mustSeat(t, s, r1, bot, 3)

		err := s.CreateSeat(ctx, &models.Seat{RoomID: r1.ID, UserID: guest.ID, SlotIndex: 0})
		assert.ErrorIs(t, err, ErrConflict, "slot already used")

		err = s.CreateSeat(ctx, &models.Seat{RoomID: r2.ID, UserID: host.ID, SlotIndex: 1})
		assert.ErrorIs(t, err, ErrConflict, "human seated twice")

		seats, err := s.ListSeats(ctx, SeatFilter{RoomID: r1.ID})
		require.NoError(t, err)
		if diff := cmp.Diff([]models.Seat{*hostSeat, *botSeat}, seats, ignoreTimes...); diff != "" {
			t.Fatalf("seats mismatch (-want +got):\n%s", diff)
		}

		bots, err := s.ListSeats(ctx, SeatFilter{RoomID: r1.ID, Bot: Bool(true)})
		require.NoError(t, err)
		require.Len(t, bots, 1)

		found, err := s.FindSeat(ctx, SeatFilter{RoomID: r1.ID, SlotIndex: Int(3)})
		require.NoError(t, err)
		assert.Equal(t, bot.ID, found.UserID)

		hostSeat.IsReady = true
		require.NoError(t, s.UpdateSeat(ctx, hostSeat))
		found, err = s.FindSeat(ctx, SeatFilter{UserID: host.ID})
		require.NoError(t, err)
		assert.True(t, found.IsReady)

		_, err = s.FindSeat(ctx, SeatFilter{RoomID: r2.ID, UserID: host.ID})
		assert.True(t, IsNotFound(err))

		require.NoError(t, s.DeleteRoom(ctx, r1.ID))
		seats, err = s.ListSeats(ctx, SeatFilter{RoomID: r1.ID})
		require.NoError(t, err)
		assert.Empty(t, seats)
		_, err = s.GetRoom(ctx, r1.ID)
		assert.True(t, IsNotFound(err))
	})

	t.Run("transactions", func(t *testing.T) {
		s := open(t)
		host := mustUser(t, s, "host", false)

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(q Queries) error {
			mustRoom(t, q, 1, host)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		rooms, err := s.ListRooms(ctx, RoomFilter{})
		require.NoError(t, err)
		assert.Empty(t, rooms, "rolled back transaction must leave no rows")

		err = s.WithTx(ctx, func(q Queries) error {
			r := mustRoom(t, q, 1, host)
			mustSeat(t, q, r, host, 0)
			return nil
		})
		require.NoError(t, err)
		seats, err := s.ListSeats(ctx, SeatFilter{UserID: host.ID})
		require.NoError(t, err)
		assert.Len(t, seats, 1)
	})
}
