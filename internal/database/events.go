// internal/database/events.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/mcrlobby/internal/models"
)

// EventLog is the append-only room_events history fed by the journal
// consumer. Appends of one batch are atomic.
type EventLog interface {
	AppendRoomEvents(ctx context.Context, events []models.RoomEvent) error
	ListRoomEvents(ctx context.Context, roomID uuid.UUID) ([]models.RoomEvent, error)
}

var (
	_ EventLog = (*Postgres)(nil)
	_ EventLog = (*SQLite)(nil)
	_ EventLog = (*Memory)(nil)
)

const eventColumns = `room_id, room_number, event_type, user_id, payload, occurred_at`

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func decodePayload(b []byte) (map[string]any, error) {
	var p map[string]any
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func (p *Postgres) AppendRoomEvents(ctx context.Context, events []models.RoomEvent) error {
	if len(events) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, e := range events {
			payload, err := encodePayload(e.Payload)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			_, err = tx.Exec(ctx, `INSERT INTO room_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
				e.RoomID, e.RoomNumber, e.Type, e.UserID, payload, e.OccurredAt)
			if err != nil {
				return pgError("append room event", err)
			}
		}
		return nil
	})
}

func (p *Postgres) ListRoomEvents(ctx context.Context, roomID uuid.UUID) ([]models.RoomEvent, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, `+eventColumns+` FROM room_events WHERE room_id = $1 ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room events: %w", err)
	}
	defer rows.Close()

	out := []models.RoomEvent{}
	for rows.Next() {
		var (
			e       models.RoomEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &e.RoomNumber, &e.Type, &e.UserID, &payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		if e.Payload, err = decodePayload(payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendRoomEvents(ctx context.Context, events []models.RoomEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	for _, e := range events {
		payload, err := encodePayload(e.Payload)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO room_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			e.RoomID, e.RoomNumber, e.Type, e.UserID, string(payload), e.OccurredAt.UnixNano())
		if err != nil {
			_ = tx.Rollback()
			return sqliteError("append room event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLite) ListRoomEvents(ctx context.Context, roomID uuid.UUID) ([]models.RoomEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, `+eventColumns+` FROM room_events WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room events: %w", err)
	}
	defer rows.Close()

	out := []models.RoomEvent{}
	for rows.Next() {
		var (
			e        models.RoomEvent
			payload  string
			occurred int64
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &e.RoomNumber, &e.Type, &e.UserID, &payload, &occurred); err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		if e.Payload, err = decodePayload([]byte(payload)); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		e.OccurredAt = time.Unix(0, occurred).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// memEvents backs the Memory event log. It lives outside the transactional
// state since appends never join a WithTx.
type memEvents struct {
	mu     sync.Mutex
	nextID int64
	rows   []models.RoomEvent
}

func (m *Memory) AppendRoomEvents(ctx context.Context, events []models.RoomEvent) error {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	for _, e := range events {
		m.events.nextID++
		e.ID = m.events.nextID
		m.events.rows = append(m.events.rows, e)
	}
	return nil
}

func (m *Memory) ListRoomEvents(ctx context.Context, roomID uuid.UUID) ([]models.RoomEvent, error) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	out := []models.RoomEvent{}
	for _, e := range m.events.rows {
		if e.RoomID == roomID {
			out = append(out, e)
		}
	}
	return out, nil
}
