package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/sirupsen/logrus"
)

// maxTxAttempts bounds the retries of a serializable transaction that lost a
// race to a concurrent writer.
const maxTxAttempts = 5

// PostgresURL builds a connection string from the POSTGRES_* / PG_* tuple.
func PostgresURL(user, password, host, port, database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, database)
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgxpool backed Store.
type Postgres struct {
	pgQueries

	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgres connects, pings and migrates the database at connStr.
func NewPostgres(ctx context.Context, connStr string, log *logrus.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	p := &Postgres{pgQueries: pgQueries{db: pool}, pool: pool, log: log}
	err = runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := pool.Exec(ctx, sql)
		return err
	}, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.WithField("host", config.ConnConfig.Host).Info("connected to postgres")
	return p, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// WithTx runs fn in a serializable transaction, retrying serialization
// failures, deadlocks and unique violations caused by concurrent writers.
func (p *Postgres) WithTx(ctx context.Context, fn func(q Queries) error) error {
	for attempt := 1; ; attempt++ {
		err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(pgQueries{db: tx})
		})
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == maxTxAttempts || ctx.Err() != nil {
			return err
		}
		p.log.WithError(err).WithField("attempt", attempt).Debug("retrying transaction")
	}
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

// pgError tags unique violations with ErrConflict and keeps the driver error
// in the chain.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type pgQueries struct {
	db pgxQuerier
}

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func (q pgQueries) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.UID, &u.Nickname, &u.CharacterCode, &u.IsBot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("user", map[string]any{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (q pgQueries) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CharacterCode == "" {
		u.CharacterCode = models.DefaultCharacterCode
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.UID, u.Nickname, u.CharacterCode, u.IsBot)
	if err != nil {
		return pgError("create user", err)
	}
	return nil
}

func (q pgQueries) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return q.deleteByID(ctx, "users", "user", id)
}

func (q pgQueries) GetCharacter(ctx context.Context, code string) (*models.Character, error) {
	var c models.Character
	err := q.db.QueryRow(ctx, `SELECT code, name FROM characters WHERE code = $1`, code).Scan(&c.Code, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("character", map[string]any{"code": code})
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return &c, nil
}

func scanPgRoom(row pgx.Row) (*models.Room, error) {
	var (
		r       models.Room
		session *string
	)
	if err := row.Scan(&r.ID, &r.RoomNumber, &r.Name, &r.MaxSeats, &r.IsPlaying, &r.HostUserID, &session, &r.CreatedAt); err != nil {
		return nil, err
	}
	if session != nil {
		r.GameSessionID = *session
	}
	return &r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (q pgQueries) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	r, err := scanPgRoom(q.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("room", map[string]any{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

func (q pgQueries) FindRoom(ctx context.Context, f RoomFilter) (*models.Room, error) {
	cols := f.columns()
	where, args := whereClause(cols, dollar)
	r, err := scanPgRoom(q.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms`+where+` ORDER BY room_number LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("room", conditions(cols))
	}
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	return r, nil
}

func (q pgQueries) ListRooms(ctx context.Context, f RoomFilter) ([]models.Room, error) {
	where, args := whereClause(f.columns(), dollar)
	rows, err := q.db.Query(ctx, `SELECT `+roomColumns+` FROM rooms`+where+` ORDER BY room_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	out := []models.Room{}
	for rows.Next() {
		r, err := scanPgRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (q pgQueries) MaxRoomNumber(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COALESCE(MAX(room_number), 0) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("max room number: %w", err)
	}
	return n, nil
}

func (q pgQueries) CreateRoom(ctx context.Context, r *models.Room) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.RoomNumber, r.Name, r.MaxSeats, r.IsPlaying, r.HostUserID, nullable(r.GameSessionID), r.CreatedAt)
	if err != nil {
		return pgError("create room", err)
	}
	return nil
}

func (q pgQueries) UpdateRoom(ctx context.Context, r *models.Room) error {
	ct, err := q.db.Exec(ctx, `
		UPDATE rooms
		SET room_number = $2, name = $3, max_seats = $4, is_playing = $5,
		    host_user_id = $6, game_session_id = $7
		WHERE id = $1
	`, r.ID, r.RoomNumber, r.Name, r.MaxSeats, r.IsPlaying, r.HostUserID, nullable(r.GameSessionID))
	if err != nil {
		return pgError("update room", err)
	}
	if ct.RowsAffected() == 0 {
		return notFound("room", map[string]any{"id": r.ID})
	}
	return nil
}

func (q pgQueries) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	return q.deleteByID(ctx, "rooms", "room", id)
}

func scanPgSeat(row pgx.Row) (*models.Seat, error) {
	var s models.Seat
	if err := row.Scan(&s.ID, &s.RoomID, &s.UserID, &s.SlotIndex, &s.IsReady, &s.IsBot, &s.JoinedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (q pgQueries) FindSeat(ctx context.Context, f SeatFilter) (*models.Seat, error) {
	cols := f.columns()
	where, args := whereClause(cols, dollar)
	s, err := scanPgSeat(q.db.QueryRow(ctx, `SELECT `+seatColumns+` FROM room_users`+where+` ORDER BY room_id, slot_index LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("seat", conditions(cols))
	}
	if err != nil {
		return nil, fmt.Errorf("find seat: %w", err)
	}
	return s, nil
}

func (q pgQueries) ListSeats(ctx context.Context, f SeatFilter) ([]models.Seat, error) {
	where, args := whereClause(f.columns(), dollar)
	rows, err := q.db.Query(ctx, `SELECT `+seatColumns+` FROM room_users`+where+` ORDER BY room_id, slot_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	defer rows.Close()

	out := []models.Seat{}
	for rows.Next() {
		s, err := scanPgSeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (q pgQueries) CreateSeat(ctx context.Context, s *models.Seat) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.JoinedAt.IsZero() {
		s.JoinedAt = now()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO room_users (`+seatColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.RoomID, s.UserID, s.SlotIndex, s.IsReady, s.IsBot, s.JoinedAt)
	if err != nil {
		return pgError("create seat", err)
	}
	return nil
}

func (q pgQueries) UpdateSeat(ctx context.Context, s *models.Seat) error {
	ct, err := q.db.Exec(ctx, `
		UPDATE room_users
		SET slot_index = $2, is_ready = $3, is_bot = $4
		WHERE id = $1
	`, s.ID, s.SlotIndex, s.IsReady, s.IsBot)
	if err != nil {
		return pgError("update seat", err)
	}
	if ct.RowsAffected() == 0 {
		return notFound("seat", map[string]any{"id": s.ID})
	}
	return nil
}

func (q pgQueries) DeleteSeat(ctx context.Context, id uuid.UUID) error {
	return q.deleteByID(ctx, "room_users", "seat", id)
}

func (q pgQueries) deleteByID(ctx context.Context, table, kind string, id uuid.UUID) error {
	ct, err := q.db.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if ct.RowsAffected() == 0 {
		return notFound(kind, map[string]any{"id": id})
	}
	return nil
}
