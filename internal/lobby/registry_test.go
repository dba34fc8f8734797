package lobby

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type stubPlay struct {
	mu      sync.Mutex
	playing map[uuid.UUID]bool
	err     error
	calls   int
}

func (s *stubPlay) IsPlaying(ctx context.Context, roomID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.playing[roomID], s.err
}

func newTestRegistry() *Registry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRegistry(log)
}

func drain(c *Connection) []protocol.Response {
	var out []protocol.Response
	for {
		select {
		case msg, ok := <-c.OutChan:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestConnectReplacesStaleEntry(t *testing.T) {
	r := newTestRegistry()
	roomID, userID := uuid.New(), uuid.New()

	first := NewConnection(roomID, userID, 4, nil)
	assert.Nil(t, r.Connect(first))
	assert.True(t, r.IsCurrent(first))

	second := NewConnection(roomID, userID, 4, nil)
	assert.Same(t, first, r.Connect(second))
	assert.False(t, r.IsCurrent(first))
	assert.True(t, r.IsCurrent(second))
	assert.False(t, first.Closed(), "caller decides whether to close the replaced socket")

	assert.False(t, r.Drop(first), "a stale connection cannot evict its replacement")
	assert.True(t, r.IsConnected(roomID, userID))
	assert.True(t, r.Drop(second))
	assert.False(t, r.IsConnected(roomID, userID))
}

func TestBroadcastExclusion(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()
	other := uuid.New()

	a := NewConnection(roomID, uuid.New(), 4, nil)
	b := NewConnection(roomID, uuid.New(), 4, nil)
	c := NewConnection(roomID, uuid.New(), 4, nil)
	elsewhere := NewConnection(other, uuid.New(), 4, nil)
	for _, conn := range []*Connection{a, b, c, elsewhere} {
		r.Connect(conn)
	}

	n := r.Broadcast(roomID, protocol.Success(protocol.ActionPong, nil), a.UserID)
	assert.Equal(t, 2, n)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
	assert.Len(t, drain(c), 1)
	assert.Empty(t, drain(elsewhere))
}

func TestBroadcastExcludingOnlyMember(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()
	solo := NewConnection(roomID, uuid.New(), 4, nil)
	r.Connect(solo)

	assert.Equal(t, 0, r.Broadcast(roomID, protocol.Success(protocol.ActionPong, nil), solo.UserID))
	assert.Empty(t, drain(solo))
}

func TestBroadcastSurvivesFailingConnection(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()

	full := NewConnection(roomID, uuid.New(), 1, nil)
	require.True(t, full.Send(protocol.Success(protocol.ActionPong, nil)))
	closed := NewConnection(roomID, uuid.New(), 4, nil)
	closed.CloseWith(websocket.StatusNormalClosure, "")
	healthy := NewConnection(roomID, uuid.New(), 4, nil)
	for _, conn := range []*Connection{full, closed, healthy} {
		r.Connect(conn)
	}

	n := r.Broadcast(roomID, protocol.Success(protocol.ActionUserList, nil), uuid.Nil)
	assert.Equal(t, 1, n)
	assert.Len(t, drain(healthy), 1)
	assert.True(t, full.Closed(), "a full queue gets its connection evicted")
	assert.False(t, r.IsConnected(roomID, full.UserID))
	assert.True(t, r.IsConnected(roomID, closed.UserID), "closed queues are skipped, not evicted")
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()
	slow := NewConnection(roomID, uuid.New(), DefaultBuffer, nil)
	r.Connect(slow)

	delivered := 0
	for range DefaultBuffer + 4 {
		delivered += r.Broadcast(roomID, protocol.Success(protocol.ActionUserReadyChanged, nil), uuid.Nil)
	}

	assert.Equal(t, DefaultBuffer, delivered)
	assert.False(t, r.IsConnected(roomID, slow.UserID))
	assert.True(t, slow.Closed())
	assert.True(t, slow.Overflowed())
	code, reason := slow.CloseStatus()
	assert.Equal(t, websocket.StatusTryAgainLater, code)
	assert.Equal(t, ReasonSlowConsumer, reason)
	// what was queued before the overflow is still flushed by the write pump
	assert.Len(t, drain(slow), DefaultBuffer)
}

func TestDeliverOnlyToCurrent(t *testing.T) {
	r := newTestRegistry()
	roomID, userID := uuid.New(), uuid.New()
	first := NewConnection(roomID, userID, 4, nil)
	r.Connect(first)
	assert.True(t, r.Deliver(first, protocol.Success(protocol.ActionPong, nil)))
	assert.False(t, r.Superseded(first))

	second := NewConnection(roomID, userID, 4, nil)
	r.Connect(second)
	assert.True(t, r.Superseded(first))
	assert.False(t, r.Deliver(first, protocol.Success(protocol.ActionPong, nil)))
	assert.Len(t, drain(first), 1)

	r.Drop(second)
	assert.False(t, r.Superseded(second), "an evicted connection with no successor is not superseded")
}

func TestSendToAbsentMember(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Send(uuid.New(), uuid.New(), protocol.Success(protocol.ActionPong, nil)))

	roomID := uuid.New()
	conn := NewConnection(roomID, uuid.New(), 4, nil)
	r.Connect(conn)
	assert.True(t, r.Send(roomID, conn.UserID, protocol.Success(protocol.ActionPong, nil)))
	r.Disconnect(context.Background(), roomID, conn.UserID)
	assert.False(t, r.Send(roomID, conn.UserID, protocol.Success(protocol.ActionPong, nil)))
}

func TestDisconnectReportsMidGame(t *testing.T) {
	r := newTestRegistry()
	playingRoom, idleRoom := uuid.New(), uuid.New()
	play := &stubPlay{playing: map[uuid.UUID]bool{playingRoom: true}}
	r.UsePlayChecker(play)

	p := NewConnection(playingRoom, uuid.New(), 4, nil)
	i := NewConnection(idleRoom, uuid.New(), 4, nil)
	r.Connect(p)
	r.Connect(i)

	assert.True(t, r.Disconnect(context.Background(), playingRoom, p.UserID))
	assert.False(t, r.IsConnected(playingRoom, p.UserID))
	assert.False(t, r.Disconnect(context.Background(), idleRoom, i.UserID))
	assert.Equal(t, 2, play.calls, "room state is read on every disconnect")

	play.err = errors.New("db down")
	assert.False(t, r.Disconnect(context.Background(), playingRoom, uuid.New()))
}

func TestKickClosesConnection(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()
	conn := NewConnection(roomID, uuid.New(), 4, nil)
	r.Connect(conn)

	assert.True(t, r.Kick(roomID, conn.UserID, websocket.StatusNormalClosure, "left the room"))
	assert.True(t, conn.Closed())
	assert.False(t, r.IsConnected(roomID, conn.UserID))
	code, reason := conn.CloseStatus()
	assert.Equal(t, websocket.StatusNormalClosure, code)
	assert.Equal(t, "left the room", reason)
	assert.False(t, r.Kick(roomID, conn.UserID, websocket.StatusNormalClosure, ""))
}

func TestConnectionCloseKeepsFirstCode(t *testing.T) {
	conn := NewConnection(uuid.New(), uuid.New(), 2, nil)
	require.True(t, conn.Send(protocol.Success(protocol.ActionPong, nil)))
	conn.CloseWith(websocket.StatusInternalError, "boom")
	conn.CloseWith(websocket.StatusNormalClosure, "bye")

	code, reason := conn.CloseStatus()
	assert.Equal(t, websocket.StatusInternalError, code)
	assert.Equal(t, "boom", reason)
	assert.False(t, conn.Send(protocol.Success(protocol.ActionPong, nil)))

	// queued messages survive the close and the channel then reports done
	_, ok := <-conn.OutChan
	assert.True(t, ok)
	_, ok = <-conn.OutChan
	assert.False(t, ok)
}

func TestRoomMemberIDs(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()

	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			r.Connect(NewConnection(roomID, uuid.New(), 1, nil))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ids := r.RoomMemberIDs(roomID)
	require.Len(t, ids, 20)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1].String(), ids[i].String())
	}
	assert.Empty(t, r.RoomMemberIDs(uuid.New()))
}

func TestInRoomSerializesPerRoom(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	var g errgroup.Group
	for range 50 {
		g.Go(func() error {
			r.InRoom(roomID, func() {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, maxSeen)

	r.lanesMu.Lock()
	assert.Empty(t, r.lanes, "idle lanes are released")
	r.lanesMu.Unlock()
}

func TestInRoomIndependentRooms(t *testing.T) {
	r := newTestRegistry()
	a, b := uuid.New(), uuid.New()
	done := make(chan struct{})

	r.InRoom(a, func() {
		// a second room's lane is free while a's is held
		go r.InRoom(b, func() { close(done) })
		<-done
	})
}

func TestGameStartedBroadcastsURL(t *testing.T) {
	r := newTestRegistry()
	roomID := uuid.New()
	conn := NewConnection(roomID, uuid.New(), 4, nil)
	r.Connect(conn)

	r.GameStarted(context.Background(), roomID, "ws://game/1")
	msgs := drain(conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.ActionGameStarted, msgs[0].Action)
	assert.Equal(t, protocol.GameStarted{GameURL: "ws://game/1"}, msgs[0].Data)
}
