// internal/cache/journal.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list room lifecycle events are pushed to.
const DefaultQueueName = "mcr_room_events"

// RoomEventRecord is one committed room mutation, as consumed downstream.
type RoomEventRecord struct {
	RoomID     uuid.UUID      `json:"room_id"`
	RoomNumber int            `json:"room_number"`
	Type       string         `json:"type"`
	UserID     uuid.UUID      `json:"user_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Journal appends room events to a Redis queue.
type Journal struct {
	rdb   *redis.Client
	queue string
	log   *logrus.Logger
}

// Connect dials Redis at addr and verifies the connection with a ping.
func Connect(ctx context.Context, addr string, db int, queue string, log *logrus.Logger) (*Journal, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	log.WithFields(logrus.Fields{"addr": addr, "queue": queue}).Info("room event journal connected")
	return NewJournal(rdb, queue, log), nil
}

// NewJournal wraps an existing client. An empty queue selects DefaultQueueName.
func NewJournal(rdb *redis.Client, queue string, log *logrus.Logger) *Journal {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Journal{rdb: rdb, queue: queue, log: log}
}

// Record serializes rec and RPushes it. A zero Timestamp is stamped with the
// current time in milliseconds.
func (j *Journal) Record(ctx context.Context, rec RoomEventRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal RoomEventRecord: %w", err)
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", j.queue, err)
	}
	return nil
}

func (j *Journal) Queue() string { return j.queue }

func (j *Journal) Close() error { return j.rdb.Close() }
