// internal/handlers/server.go
package handlers

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/gameserver"
	"github.com/jason-s-yu/mcrlobby/internal/lobby"
	"github.com/jason-s-yu/mcrlobby/internal/metrics"
	"github.com/jason-s-yu/mcrlobby/internal/middleware"
	"github.com/jason-s-yu/mcrlobby/internal/protocol"
	"github.com/jason-s-yu/mcrlobby/internal/room"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// TokenResolver turns a bearer token into a user id.
type TokenResolver interface {
	ResolveUserID(token string) (uuid.UUID, error)
}

// GameWatcher lists the games open for spectating.
type GameWatcher interface {
	WatchGames(ctx context.Context) ([]gameserver.WatchGame, error)
}

// Server holds the HTTP and room channel handlers.
type Server struct {
	rooms    *room.Service
	registry *lobby.Registry
	tokens   TokenResolver
	games    GameWatcher
	log      *logrus.Logger

	// origins accepted for websocket upgrades; empty accepts any.
	origins []string
}

func NewServer(rooms *room.Service, registry *lobby.Registry, tokens TokenResolver, games GameWatcher, log *logrus.Logger, origins []string) *Server {
	return &Server{
		rooms:    rooms,
		registry: registry,
		tokens:   tokens,
		games:    games,
		log:      log,
		origins:  origins,
	}
}

// Routes returns the full router wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/rooms", s.authed(s.handleCreateRoom))
	mux.HandleFunc("GET /api/v1/rooms", s.authed(s.handleAvailableRooms))
	mux.HandleFunc("GET /api/v1/rooms/me", s.authed(s.handleMyRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_number}/users", s.authed(s.handleRoomUsers))
	mux.HandleFunc("POST /api/v1/rooms/{room_number}/join", s.authed(s.handleJoinRoom))
	mux.HandleFunc("POST /api/v1/rooms/{room_number}/leave", s.authed(s.handleLeaveRoom))
	mux.HandleFunc("POST /api/v1/rooms/{room_number}/game-start", s.authed(s.handleStartGame))
	mux.HandleFunc("GET /api/v1/watch", s.authed(s.handleWatch))

	mux.HandleFunc("GET /api/v1/ws/rooms/{room_number}", s.handleRoomSocket)

	mux.HandleFunc("POST /internal/game-server/rooms/{game_id}/end-game", s.handleEndGame)

	return middleware.LogMiddleware(s.log)(mux)
}

// WithCORS wraps h with the allowed origins.
func WithCORS(h http.Handler, origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(h)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Detail: reasonMissingToken})
			return
		}
		userID, err := s.tokens.ResolveUserID(token)
		if err != nil {
			s.log.WithError(err).Debug("rejected token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Detail: reasonInvalidToken})
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, message{Message: "healthy"})
}

type roomResponse struct {
	Name       string `json:"name"`
	RoomNumber int    `json:"room_number"`
	SlotIndex  int    `json:"slot_index"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	rm, seat, err := s.rooms.CreateRoom(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomResponse{Name: rm.Name, RoomNumber: rm.RoomNumber, SlotIndex: seat.SlotIndex})
}

func (s *Server) handleAvailableRooms(w http.ResponseWriter, r *http.Request, _ uuid.UUID) {
	rooms, err := s.rooms.AvailableRooms(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleMyRoom(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	detail, err := s.rooms.MyRoom(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRoomUsers(w http.ResponseWriter, r *http.Request, _ uuid.UUID) {
	n, ok := roomNumberOf(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: reasonBadRoom})
		return
	}
	rm, err := s.rooms.RoomByNumber(r.Context(), n)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	roster, err := s.rooms.Roster(r.Context(), rm.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.UserList{Users: roster})
}

// handleJoinRoom seats the caller, leaving any room they currently hold a
// seat in first. Joining the room they already sit in returns that seat.
func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	n, ok := roomNumberOf(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: reasonBadRoom})
		return
	}
	ctx := r.Context()
	target, err := s.rooms.RoomByNumber(ctx, n)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	current, err := s.rooms.CurrentSeat(ctx, userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if current != nil && current.RoomID == target.ID {
		writeJSON(w, http.StatusOK, roomResponse{Name: target.Name, RoomNumber: target.RoomNumber, SlotIndex: current.SlotIndex})
		return
	}
	if current != nil {
		if _, err := s.leaveAndAnnounce(ctx, userID, current.RoomID); err != nil {
			writeError(w, s.log, err)
			return
		}
	}

	seat, err := s.rooms.JoinRoom(ctx, userID, target.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Name: target.Name, RoomNumber: target.RoomNumber, SlotIndex: seat.SlotIndex})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	n, ok := roomNumberOf(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: reasonBadRoom})
		return
	}
	rm, err := s.rooms.RoomByNumber(r.Context(), n)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if _, err := s.leaveAndAnnounce(r.Context(), userID, rm.ID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Left room successfully"})
}

// leaveAndAnnounce runs an explicit leave in the room's lane, tells the
// remaining members, and closes the leaver's socket if one is open.
func (s *Server) leaveAndAnnounce(ctx context.Context, userID, roomID uuid.UUID) (res room.LeaveResult, err error) {
	s.registry.InRoom(roomID, func() {
		res, err = s.rooms.LeaveRoom(ctx, userID, roomID, false)
		if err != nil {
			return
		}
		s.registry.Kick(roomID, userID, websocket.StatusNormalClosure, reasonLeft)
		s.announceLeave(roomID, res)
	})
	return res, err
}

// announceLeave broadcasts user_left then the new roster. Must run in the
// room's lane after the leave committed.
func (s *Server) announceLeave(roomID uuid.UUID, res room.LeaveResult) {
	if !res.SeatRemoved || res.RoomClosed {
		return
	}
	s.registry.Broadcast(roomID, protocol.Success(protocol.ActionUserLeft, protocol.UserLeft{UserUID: res.LeaverUID}), uuid.Nil)
	s.registry.Broadcast(roomID, protocol.Success(protocol.ActionUserList, protocol.UserList{Users: res.Roster}), uuid.Nil)
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	n, ok := roomNumberOf(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: reasonBadRoom})
		return
	}
	rm, err := s.rooms.RoomByNumber(r.Context(), n)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.registry.InRoom(rm.ID, func() {
		_, err = s.rooms.StartGameAsHost(r.Context(), userID, rm.ID)
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Game started successfully"})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, _ uuid.UUID) {
	if _, err := s.rooms.CleanupRooms(r.Context()); err != nil {
		s.log.WithError(err).Warn("room cleanup before watch failed")
	}
	games, err := s.games.WatchGames(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("watch list unavailable")
		writeJSON(w, http.StatusBadGateway, errorBody{Detail: "game server unavailable", Code: string(room.CodeGameServerError)})
		return
	}
	if games == nil {
		games = []gameserver.WatchGame{}
	}
	writeJSON(w, http.StatusOK, games)
}

// handleEndGame is called by the game server when a session finishes. The
// room returns to the lobby and its members get the reset roster.
func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rm, err := s.rooms.RoomByGameID(ctx, r.PathValue("game_id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.registry.InRoom(rm.ID, func() {
		if err = s.rooms.EndGame(ctx, rm.ID); err != nil {
			return
		}
		roster, rosterErr := s.rooms.Roster(ctx, rm.ID)
		if rosterErr != nil {
			s.log.WithError(rosterErr).WithField("room_id", rm.ID).Warn("could not load roster after game end")
			return
		}
		s.registry.Broadcast(rm.ID, protocol.Success(protocol.ActionUserList, protocol.UserList{Users: roster}), uuid.Nil)
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Game ended successfully"})
}
