// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/lobby"
	"github.com/jason-s-yu/mcrlobby/internal/middleware"
	"github.com/jason-s-yu/mcrlobby/internal/protocol"
	"github.com/jason-s-yu/mcrlobby/internal/room"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
	pingTimeout  = 15 * time.Second
)

// handleRoomSocket upgrades a seated user onto the room channel. Auth and
// membership failures close the socket with a policy violation.
func (s *Server) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.origins}
	if len(s.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.WithError(err).Warn("websocket accept error")
		return
	}
	defer c.CloseNow()
	middleware.LogWebSocketConnect(s.log, r.RemoteAddr, r.URL.Path)

	roomNumber, ok := roomNumberOf(r)
	if !ok {
		c.Close(websocket.StatusPolicyViolation, reasonBadRoom)
		return
	}
	token := tokenFromRequest(r)
	if token == "" {
		c.Close(websocket.StatusPolicyViolation, reasonMissingToken)
		return
	}
	userID, err := s.tokens.ResolveUserID(token)
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, reasonInvalidToken)
		return
	}
	binding, err := s.rooms.JoinLookup(r.Context(), userID, roomNumber)
	if err != nil {
		reason := reasonInternal
		if de, ok := room.AsError(err); ok {
			reason = de.Message
		}
		c.Close(websocket.StatusPolicyViolation, reason)
		return
	}

	sess := &roomSession{
		srv:     s,
		ws:      c,
		binding: *binding,
		log: s.log.WithFields(logrus.Fields{
			"room_id": binding.Room.ID,
			"user_id": binding.User.ID,
			"remote":  r.RemoteAddr,
		}),
	}
	err = sess.run(r.Context())
	middleware.LogWebSocketDisconnect(s.log, r.RemoteAddr, r.URL.Path, err)
}

// roomSession is one bound socket: CONNECTING ends in the handler above,
// run is BOUND, and returning from run is CLOSED.
type roomSession struct {
	srv     *Server
	ws      *websocket.Conn
	conn    *lobby.Connection
	binding room.Binding
	log     *logrus.Entry
}

func (s *roomSession) roomID() uuid.UUID { return s.binding.Room.ID }
func (s *roomSession) userID() uuid.UUID { return s.binding.User.ID }

func (s *roomSession) run(parent context.Context) (err error) {
	readCtx, cancel := context.WithCancel(parent)
	defer cancel()
	// Persistence outlives the socket: once started, a mutation completes
	// even if the peer goes away mid-call.
	opCtx := context.WithoutCancel(parent)

	s.conn = lobby.NewConnection(s.roomID(), s.userID(), lobby.DefaultBuffer, cancel)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(opCtx)
	}()
	defer func() { <-writerDone }()

	defer func() {
		if rec := recover(); rec != nil {
			s.log.WithField("panic", rec).Error("room session panicked")
			s.cleanup(opCtx)
			s.conn.CloseWith(websocket.StatusInternalError, reasonInternal)
			err = fmt.Errorf("room session panic: %v", rec)
		}
	}()

	if err := s.bind(opCtx); err != nil {
		if de, ok := room.AsError(err); ok {
			s.log.WithError(err).Info("seat gone before bind")
			s.conn.CloseWith(websocket.StatusPolicyViolation, de.Message)
			return nil
		}
		s.conn.CloseWith(websocket.StatusInternalError, reasonInternal)
		return err
	}

	for {
		typ, frame, readErr := s.ws.Read(readCtx)
		if readErr != nil {
			s.cleanup(opCtx)
			s.conn.CloseWith(websocket.StatusNormalClosure, "")
			if st := websocket.CloseStatus(readErr); st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway || errors.Is(readErr, context.Canceled) {
				return nil
			}
			return readErr
		}
		if typ != websocket.MessageText {
			s.reply(protocol.Failure("only text frames are accepted"))
			continue
		}
		env, decodeErr := protocol.Decode(frame)
		if decodeErr != nil {
			s.reply(protocol.Failure(decodeErr.Error()))
			continue
		}
		if s.dispatch(opCtx, env) {
			return nil
		}
	}
}

// bind registers the connection, replays the roster to the new socket and
// announces it to the rest of the room. The seat is checked again inside the
// lane: a leave or an older socket's cleanup may have removed it while this
// socket was upgrading.
func (s *roomSession) bind(ctx context.Context) (err error) {
	s.srv.registry.InRoom(s.roomID(), func() {
		var b *room.Binding
		if b, err = s.srv.rooms.JoinLookup(ctx, s.userID(), s.binding.Room.RoomNumber); err != nil {
			return
		}
		if b.Room.ID != s.roomID() {
			err = room.ErrUserNotInRoom
			return
		}
		s.binding = *b

		if old := s.srv.registry.Connect(s.conn); old != nil {
			old.CloseWith(ReplacedConnectionClose, reasonReplaced)
			s.log.Info("replaced an older connection")
		}

		var roster []room.RosterEntry
		if roster, err = s.srv.rooms.Roster(ctx, s.roomID()); err != nil {
			s.srv.registry.Drop(s.conn)
			return
		}
		s.conn.Send(protocol.Success(protocol.ActionUserList, protocol.UserList{Users: roster}))
		for _, e := range roster {
			if e.UserID == s.userID() {
				s.srv.registry.Broadcast(s.roomID(), protocol.Success(protocol.ActionUserJoined, protocol.JoinedFrom(e)), s.userID())
				break
			}
		}
	})
	if err == nil {
		s.log.Info("room channel bound")
	}
	return err
}

// reply sends msg to this socket unless a reconnect has superseded it.
func (s *roomSession) reply(msg protocol.Response) {
	s.srv.registry.Deliver(s.conn, msg)
}

// dispatch handles one inbound message and reports whether the session is
// done. Domain errors are echoed and keep the loop going.
func (s *roomSession) dispatch(ctx context.Context, env protocol.Envelope) (closeRequested bool) {
	switch env.Action {
	case protocol.ActionPing:
		s.reply(protocol.Success(protocol.ActionPong, protocol.Pong{Message: "pong"}))

	case protocol.ActionReady:
		s.srv.registry.InRoom(s.roomID(), func() {
			seat, err := s.srv.rooms.ToggleReady(ctx, s.userID(), s.roomID())
			if err != nil {
				s.reply(protocol.FailureFrom(err))
				return
			}
			s.srv.registry.Broadcast(s.roomID(), protocol.Success(protocol.ActionUserReadyChanged,
				protocol.UserReadyChanged{UserUID: s.binding.User.UID, IsReady: seat.IsReady}), uuid.Nil)
		})

	case protocol.ActionAddBot:
		slot, err := protocol.SlotIndex(env.Data)
		if err != nil {
			s.reply(protocol.Failure(err.Error()))
			return false
		}
		s.srv.registry.InRoom(s.roomID(), func() {
			seat, _, err := s.srv.rooms.AddBot(ctx, s.userID(), s.roomID(), slot)
			if err != nil {
				s.reply(protocol.FailureFrom(err))
				return
			}
			roster, err := s.srv.rooms.Roster(ctx, s.roomID())
			if err != nil {
				s.log.WithError(err).Warn("could not load roster after add_bot")
				return
			}
			for _, e := range roster {
				if e.UserID == seat.UserID {
					s.srv.registry.Broadcast(s.roomID(), protocol.Success(protocol.ActionUserJoined, protocol.JoinedFrom(e)), uuid.Nil)
				}
			}
		})

	case protocol.ActionLeave:
		left := false
		s.srv.registry.InRoom(s.roomID(), func() {
			res, err := s.srv.rooms.LeaveRoom(ctx, s.userID(), s.roomID(), false)
			if err != nil {
				s.reply(protocol.FailureFrom(err))
				return
			}
			left = true
			s.srv.registry.Disconnect(ctx, s.roomID(), s.userID())
			s.srv.announceLeave(s.roomID(), res)
		})
		if left {
			s.conn.CloseWith(websocket.StatusNormalClosure, reasonLeft)
			s.log.Info("left room over the room channel")
		}
		return left

	default:
		s.reply(protocol.Failure("Unknown action: " + env.Action))
	}
	return false
}

// cleanup runs the implicit leave for a socket that went away. A stale
// socket, replaced by a reconnect or kicked by an explicit leave, leaves seat
// and roster alone. One evicted for overflowing its queue still leaves.
func (s *roomSession) cleanup(ctx context.Context) {
	s.srv.registry.InRoom(s.roomID(), func() {
		reg := s.srv.registry
		if reg.Superseded(s.conn) || (!reg.IsCurrent(s.conn) && !s.conn.Overflowed()) {
			return
		}
		res, err := s.srv.rooms.LeaveRoom(ctx, s.userID(), s.roomID(), true)
		midGame := s.srv.registry.Disconnect(ctx, s.roomID(), s.userID())
		if err != nil {
			if !errors.Is(err, room.ErrRoomNotFound) && !errors.Is(err, room.ErrUserNotInRoom) {
				s.log.WithError(err).Warn("implicit leave failed")
			}
			return
		}
		s.log.WithFields(logrus.Fields{"mid_game": midGame, "seat_removed": res.SeatRemoved}).Info("room channel disconnected")
		s.srv.announceLeave(s.roomID(), res)
	})
}

// writePump drains the outbound queue onto the socket and pings it. When
// the queue is closed it sends the close frame chosen by CloseWith.
func (s *roomSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Cancel()

	for {
		select {
		case msg, ok := <-s.conn.OutChan:
			if !ok {
				code, reason := s.conn.CloseStatus()
				_ = s.ws.Close(code, reason)
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.WithError(err).Warn("failed to marshal outgoing message")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.WithError(err).Warn("failed to write to websocket")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := s.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.WithError(err).Warn("ping failed, assuming disconnect")
				return
			}
		}
	}
}
