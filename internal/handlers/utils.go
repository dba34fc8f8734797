// internal/handlers/utils.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jason-s-yu/mcrlobby/internal/room"
	"github.com/sirupsen/logrus"
)

const authCookie = "auth_token"

// tokenFromRequest finds the bearer token in the Authorization header, the
// "authorization" query parameter or the auth_token cookie, in that order.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("authorization"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	if c, err := r.Cookie(authCookie); err == nil {
		return c.Value
	}
	return ""
}

func roomNumberOf(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("room_number"))
	return n, err == nil && n > 0
}

type message struct {
	Message string `json:"message"`
}

type errorBody struct {
	Detail       string         `json:"detail"`
	Code         string         `json:"code,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error code to its HTTP status.
func statusFor(code room.Code) int {
	switch code {
	case room.CodeRoomNotFound, room.CodeUserNotFound:
		return http.StatusNotFound
	case room.CodeNotHost:
		return http.StatusForbidden
	case room.CodeGameServerError:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// writeError renders err. Domain errors keep their code and details; anything
// else is logged and reported as a 500.
func writeError(w http.ResponseWriter, log *logrus.Logger, err error) {
	if de, ok := room.AsError(err); ok {
		writeJSON(w, statusFor(de.Code), errorBody{Detail: de.Message, Code: string(de.Code), ErrorDetails: de.Details})
		return
	}
	log.WithError(err).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error"})
}
