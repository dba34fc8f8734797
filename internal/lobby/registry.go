// internal/lobby/registry.go
package lobby

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/metrics"
	"github.com/jason-s-yu/mcrlobby/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ReasonSlowConsumer is sent with StatusTryAgainLater to a socket whose
// outbound queue overflowed. The client reconnects and gets a fresh roster.
const ReasonSlowConsumer = "connection too slow, reconnect"

// PlayChecker reports whether a room is mid-game. The registry asks it on
// every disconnect instead of caching the answer.
type PlayChecker interface {
	IsPlaying(ctx context.Context, roomID uuid.UUID) (bool, error)
}

type lane struct {
	mu   sync.Mutex
	refs int
}

// Registry maps room id -> user id -> live connection. It holds no seat
// state; a missing entry only means the user has no open socket.
type Registry struct {
	log  *logrus.Logger
	play PlayChecker

	mu    sync.Mutex
	rooms map[uuid.UUID]map[uuid.UUID]*Connection

	lanesMu sync.Mutex
	lanes   map[uuid.UUID]*lane
}

func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		log:   log,
		rooms: make(map[uuid.UUID]map[uuid.UUID]*Connection),
		lanes: make(map[uuid.UUID]*lane),
	}
}

// UsePlayChecker wires the room state view used by Disconnect. Call before serving.
func (r *Registry) UsePlayChecker(p PlayChecker) { r.play = p }

// Connect stores conn as the live socket for its (room, user) pair and
// returns the connection it replaced, if any. The replaced connection is
// left open; closing it is the caller's decision.
func (r *Registry) Connect(conn *Connection) *Connection {
	r.mu.Lock()
	members, ok := r.rooms[conn.RoomID]
	if !ok {
		members = make(map[uuid.UUID]*Connection)
		r.rooms[conn.RoomID] = members
	}
	old := members[conn.UserID]
	members[conn.UserID] = conn
	r.mu.Unlock()

	if old == conn {
		return nil
	}
	if old == nil {
		metrics.WSConnections.Inc()
	}
	r.log.WithFields(logrus.Fields{"room_id": conn.RoomID, "user_id": conn.UserID, "replaced": old != nil}).Debug("connection registered")
	return old
}

// remove deletes the entry for (roomID, userID); when only is non-nil the
// entry is deleted only if it is that connection.
func (r *Registry) remove(roomID, userID uuid.UUID, only *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	conn, ok := members[userID]
	if !ok || (only != nil && conn != only) {
		return nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	metrics.WSConnections.Dec()
	return conn
}

// Disconnect evicts the (roomID, userID) entry and reports whether the room
// is mid-game, in which case the seat must be kept for a reconnect. Seats are
// never touched here.
func (r *Registry) Disconnect(ctx context.Context, roomID, userID uuid.UUID) bool {
	removed := r.remove(roomID, userID, nil) != nil
	midGame := r.playing(ctx, roomID)
	r.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "removed": removed, "mid_game": midGame}).Debug("connection evicted")
	return midGame
}

// Drop evicts conn only while it is still the live entry for its pair. It
// reports false for a stale connection that a reconnect already replaced.
func (r *Registry) Drop(conn *Connection) bool {
	return r.remove(conn.RoomID, conn.UserID, conn) != nil
}

// Kick evicts the user's connection and closes its queue with code. The
// socket's write pump sends the close frame once queued messages are out.
func (r *Registry) Kick(roomID, userID uuid.UUID, code websocket.StatusCode, reason string) bool {
	conn := r.remove(roomID, userID, nil)
	if conn == nil {
		return false
	}
	conn.CloseWith(code, reason)
	return true
}

func (r *Registry) playing(ctx context.Context, roomID uuid.UUID) bool {
	if r.play == nil {
		return false
	}
	playing, err := r.play.IsPlaying(ctx, roomID)
	if err != nil {
		r.log.WithError(err).WithField("room_id", roomID).Warn("could not read room state on disconnect")
		return false
	}
	return playing
}

// IsCurrent reports whether conn is still the live entry for its pair.
func (r *Registry) IsCurrent(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[conn.RoomID][conn.UserID] == conn
}

// Superseded reports whether another connection has taken conn's place.
// An evicted connection with no successor is not superseded.
func (r *Registry) Superseded(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.rooms[conn.RoomID][conn.UserID]
	return cur != nil && cur != conn
}

// Deliver sends msg to conn while it is still the live entry for its pair.
func (r *Registry) Deliver(conn *Connection, msg protocol.Response) bool {
	if !r.IsCurrent(conn) {
		return false
	}
	return r.deliver(conn, msg)
}

// Send delivers msg to one member. Absent members are a silent no-op.
func (r *Registry) Send(roomID, userID uuid.UUID, msg protocol.Response) bool {
	r.mu.Lock()
	conn := r.rooms[roomID][userID]
	r.mu.Unlock()
	if conn == nil {
		return false
	}
	return r.deliver(conn, msg)
}

// deliver queues msg on conn. A full queue means the client has fallen
// behind: it is evicted and closed so it reconnects instead of holding a
// roster with gaps. Closed queues are dropped silently.
func (r *Registry) deliver(conn *Connection, msg protocol.Response) bool {
	switch conn.offer(msg) {
	case queued:
		return true
	case queueFull:
		metrics.SendFailures.Inc()
		r.log.WithFields(logrus.Fields{"room_id": conn.RoomID, "user_id": conn.UserID, "action": msg.Action}).Warn("outbound queue full, evicting slow connection")
		r.Drop(conn)
		conn.CloseWith(websocket.StatusTryAgainLater, ReasonSlowConsumer)
	default:
		r.log.WithFields(logrus.Fields{"room_id": conn.RoomID, "user_id": conn.UserID, "action": msg.Action}).Debug("dropped message for closed connection")
	}
	return false
}

// Broadcast sends msg to every member of roomID except exclude (uuid.Nil
// excludes nobody) and returns the number of queued deliveries. Recipients are
// snapshotted under the lock and sent to outside it; one failing connection
// does not stop delivery to the rest.
func (r *Registry) Broadcast(roomID uuid.UUID, msg protocol.Response, exclude uuid.UUID) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.rooms[roomID]))
	for userID, conn := range r.rooms[roomID] {
		if userID != exclude {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	metrics.Broadcasts.Inc()
	delivered := 0
	for _, conn := range targets {
		if r.deliver(conn, msg) {
			delivered++
		}
	}
	return delivered
}

// RoomMemberIDs lists the users with a live socket in roomID.
func (r *Registry) RoomMemberIDs(roomID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return ids
}

func (r *Registry) IsConnected(roomID, userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID][userID]
	return ok
}

// InRoom runs fn while holding roomID's lane. Mutate-then-broadcast
// sequences for one room go through here so their broadcasts leave in commit
// order. Lanes are independent of the map lock and of each other.
func (r *Registry) InRoom(roomID uuid.UUID, fn func()) {
	r.lanesMu.Lock()
	l, ok := r.lanes[roomID]
	if !ok {
		l = &lane{}
		r.lanes[roomID] = l
	}
	l.refs++
	r.lanesMu.Unlock()

	defer func() {
		r.lanesMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.lanes, roomID)
		}
		r.lanesMu.Unlock()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// GameStarted tells every connected member where to find the game. It does
// not take the room lane; callers already inside InRoom use it too.
func (r *Registry) GameStarted(ctx context.Context, roomID uuid.UUID, url string) {
	n := r.Broadcast(roomID, protocol.Success(protocol.ActionGameStarted, protocol.GameStarted{GameURL: url}), uuid.Nil)
	r.log.WithFields(logrus.Fields{"room_id": roomID, "recipients": n}).Info("game_started broadcast")
}
