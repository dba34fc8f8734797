// internal/gameserver/client.go
package gameserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every call to the game server.
const DefaultTimeout = 5 * time.Second

// ErrUnavailable wraps transport failures and timeouts.
var ErrUnavailable = errors.New("game server unavailable")

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("game server %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Player is one seat handed to the game server when a session is allocated.
type Player struct {
	UserID    string `json:"user_id"`
	UID       string `json:"uid"`
	Nickname  string `json:"nickname"`
	SlotIndex int    `json:"slot_index"`
	IsBot     bool   `json:"is_bot"`
}

type StartRequest struct {
	GameID     string   `json:"game_id"`
	RoomNumber int      `json:"room_number"`
	Players    []Player `json:"players"`
}

type startResponse struct {
	WebsocketURL string `json:"websocket_url"`
}

// WatchGame is one running game as listed by the game server.
type WatchGame struct {
	GameID    json.RawMessage `json:"game_id"`
	StartTime string          `json:"start_time"`
	Users     []WatchUser     `json:"users"`
}

type WatchUser struct {
	UID      string `json:"uid"`
	Nickname string `json:"nickname"`
}

// Client talks to the external game server over plain HTTP. Calls are never
// retried.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Logger
}

// NewClient builds a client rooted at baseURL. A zero timeout selects
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, log *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// StartGame allocates a session and returns the websocket URL players join.
func (c *Client) StartGame(ctx context.Context, req StartRequest) (string, error) {
	var out startResponse
	if err := c.do(ctx, http.MethodPost, "/games/start", req, &out); err != nil {
		return "", err
	}
	if out.WebsocketURL == "" {
		return "", fmt.Errorf("game server POST /games/start: empty websocket_url")
	}
	return out.WebsocketURL, nil
}

// EndGame releases a session.
func (c *Client) EndGame(ctx context.Context, gameID string) error {
	return c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/end", nil, nil)
}

// WatchGames lists the games currently open to spectators.
func (c *Client) WatchGames(ctx context.Context) ([]WatchGame, error) {
	out := []WatchGame{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/games/watch", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"method": method, "path": path}).Warn("game server call failed")
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("game server call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
