// internal/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is the embedded Store. It keeps a single open connection, so
// transactions never interleave.
type SQLite struct {
	sqlQueries

	db  *sql.DB
	log *logrus.Logger
}

// NewSQLite opens (or creates) the database at path and runs migrations.
// ":memory:" gives a private throwaway database.
func NewSQLite(ctx context.Context, path string, log *logrus.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if path != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	err = runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	log.WithField("path", path).Info("opened sqlite store")
	return &SQLite{sqlQueries: sqlQueries{db: db}, db: db, log: log}, nil
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.log.WithError(err).Warn("sqlite close")
	}
}

func (s *SQLite) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(sqlQueries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func sqliteError(op string, err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type sqlQueries struct {
	db sqlQuerier
}

func question(int) string { return "?" }

func (q sqlQueries) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.UID, &u.Nickname, &u.CharacterCode, &u.IsBot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", map[string]any{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (q sqlQueries) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CharacterCode == "" {
		u.CharacterCode = models.DefaultCharacterCode
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.UID, u.Nickname, u.CharacterCode, u.IsBot)
	if err != nil {
		return sqliteError("create user", err)
	}
	return nil
}

func (q sqlQueries) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return q.deleteByID(ctx, "users", "user", id)
}

func (q sqlQueries) GetCharacter(ctx context.Context, code string) (*models.Character, error) {
	var c models.Character
	err := q.db.QueryRowContext(ctx, `SELECT code, name FROM characters WHERE code = ?`, code).Scan(&c.Code, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("character", map[string]any{"code": code})
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLRoom(row scanner) (*models.Room, error) {
	var (
		r       models.Room
		session sql.NullString
		created int64
	)
	if err := row.Scan(&r.ID, &r.RoomNumber, &r.Name, &r.MaxSeats, &r.IsPlaying, &r.HostUserID, &session, &created); err != nil {
		return nil, err
	}
	r.GameSessionID = session.String
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (q sqlQueries) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	r, err := scanSQLRoom(q.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("room", map[string]any{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

func (q sqlQueries) FindRoom(ctx context.Context, f RoomFilter) (*models.Room, error) {
	cols := f.columns()
	where, args := whereClause(cols, question)
	r, err := scanSQLRoom(q.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms`+where+` ORDER BY room_number LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("room", conditions(cols))
	}
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	return r, nil
}

func (q sqlQueries) ListRooms(ctx context.Context, f RoomFilter) ([]models.Room, error) {
	where, args := whereClause(f.columns(), question)
	rows, err := q.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms`+where+` ORDER BY room_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	out := []models.Room{}
	for rows.Next() {
		r, err := scanSQLRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (q sqlQueries) MaxRoomNumber(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(room_number), 0) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("max room number: %w", err)
	}
	return n, nil
}

func (q sqlQueries) CreateRoom(ctx context.Context, r *models.Room) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RoomNumber, r.Name, r.MaxSeats, r.IsPlaying, r.HostUserID, nullString(r.GameSessionID), r.CreatedAt.UnixNano())
	if err != nil {
		return sqliteError("create room", err)
	}
	return nil
}

func (q sqlQueries) UpdateRoom(ctx context.Context, r *models.Room) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE rooms
		SET room_number = ?, name = ?, max_seats = ?, is_playing = ?, host_user_id = ?, game_session_id = ?
		WHERE id = ?
	`, r.RoomNumber, r.Name, r.MaxSeats, r.IsPlaying, r.HostUserID, nullString(r.GameSessionID), r.ID)
	if err != nil {
		return sqliteError("update room", err)
	}
	return affected(res, "room", r.ID)
}

func (q sqlQueries) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	return q.deleteByID(ctx, "rooms", "room", id)
}

func scanSQLSeat(row scanner) (*models.Seat, error) {
	var (
		s      models.Seat
		joined int64
	)
	if err := row.Scan(&s.ID, &s.RoomID, &s.UserID, &s.SlotIndex, &s.IsReady, &s.IsBot, &joined); err != nil {
		return nil, err
	}
	s.JoinedAt = time.Unix(0, joined).UTC()
	return &s, nil
}

func (q sqlQueries) FindSeat(ctx context.Context, f SeatFilter) (*models.Seat, error) {
	cols := f.columns()
	where, args := whereClause(cols, question)
	s, err := scanSQLSeat(q.db.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM room_users`+where+` ORDER BY room_id, slot_index LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("seat", conditions(cols))
	}
	if err != nil {
		return nil, fmt.Errorf("find seat: %w", err)
	}
	return s, nil
}

func (q sqlQueries) ListSeats(ctx context.Context, f SeatFilter) ([]models.Seat, error) {
	where, args := whereClause(f.columns(), question)
	rows, err := q.db.QueryContext(ctx, `SELECT `+seatColumns+` FROM room_users`+where+` ORDER BY room_id, slot_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	defer rows.Close()

	out := []models.Seat{}
	for rows.Next() {
		s, err := scanSQLSeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (q sqlQueries) CreateSeat(ctx context.Context, s *models.Seat) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.JoinedAt.IsZero() {
		s.JoinedAt = now()
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO room_users (`+seatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RoomID, s.UserID, s.SlotIndex, s.IsReady, s.IsBot, s.JoinedAt.UnixNano())
	if err != nil {
		return sqliteError("create seat", err)
	}
	return nil
}

func (q sqlQueries) UpdateSeat(ctx context.Context, s *models.Seat) error {
	res, err := q.db.ExecContext(ctx, `UPDATE room_users SET slot_index = ?, is_ready = ?, is_bot = ? WHERE id = ?`,
		s.SlotIndex, s.IsReady, s.IsBot, s.ID)
	if err != nil {
		return sqliteError("update seat", err)
	}
	return affected(res, "seat", s.ID)
}

func (q sqlQueries) DeleteSeat(ctx context.Context, id uuid.UUID) error {
	return q.deleteByID(ctx, "room_users", "seat", id)
}

func (q sqlQueries) deleteByID(ctx context.Context, table, kind string, id uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return affected(res, kind, id)
}

func affected(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, map[string]any{"id": id})
	}
	return nil
}
