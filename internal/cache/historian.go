// internal/cache/historian.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jason-s-yu/mcrlobby/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EventSink persists a batch of room events atomically.
type EventSink interface {
	AppendRoomEvents(ctx context.Context, events []models.RoomEvent) error
}

// Popper blocks for up to timeout waiting for the next queued payload. It
// returns ok=false when the wait timed out.
type Popper interface {
	Pop(ctx context.Context, timeout time.Duration) (payload string, ok bool, err error)
}

type redisPopper struct {
	rdb   *redis.Client
	queue string
}

func (p redisPopper) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	res, err := p.rdb.BLPop(ctx, timeout, p.queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// res[0] is the queue name and res[1] the payload
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// Popper returns a Popper draining the journal's queue.
func (j *Journal) Popper() Popper { return redisPopper{rdb: j.rdb, queue: j.queue} }

// HistorianConfig tunes batching. Zero values select the defaults.
type HistorianConfig struct {
	BatchSize  int
	FlushDelay time.Duration
}

const (
	DefaultBatchSize  = 20
	DefaultFlushDelay = 500 * time.Millisecond
)

// Historian drains journaled room events and writes them to an EventSink in
// batches: a batch is flushed when full or when the queue stays idle for
// FlushDelay.
type Historian struct {
	src  Popper
	sink EventSink
	log  *logrus.Logger

	batchSize  int
	flushDelay time.Duration
	batch      []models.RoomEvent
}

func NewHistorian(src Popper, sink EventSink, cfg HistorianConfig, log *logrus.Logger) *Historian {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	return &Historian{
		src:        src,
		sink:       sink,
		log:        log,
		batchSize:  cfg.BatchSize,
		flushDelay: cfg.FlushDelay,
		batch:      make([]models.RoomEvent, 0, cfg.BatchSize),
	}
}

// Run consumes until ctx is done, then flushes what is buffered. A record
// that fails to decode is logged and skipped.
func (h *Historian) Run(ctx context.Context) error {
	h.log.WithFields(logrus.Fields{"batch_size": h.batchSize, "flush_delay": h.flushDelay}).Info("historian started")
	defer h.log.Info("historian stopped")

	lastFlush := time.Now()
	for {
		payload, ok, err := h.src.Pop(ctx, h.flushDelay)
		if ok {
			var rec RoomEventRecord
			if err := json.Unmarshal([]byte(payload), &rec); err != nil {
				h.log.WithError(err).Warn("invalid room event record")
			} else {
				h.batch = append(h.batch, rec.event())
			}
		}
		if ctx.Err() != nil {
			return h.flush(context.WithoutCancel(ctx))
		}
		if err != nil {
			h.log.WithError(err).Error("pop room event")
			time.Sleep(h.flushDelay)
			continue
		}
		if len(h.batch) == 0 {
			continue
		}
		if len(h.batch) >= h.batchSize || !ok || time.Since(lastFlush) >= h.flushDelay {
			if err := h.flush(ctx); err != nil {
				h.log.WithError(err).WithField("pending", len(h.batch)).Error("flush room events")
				continue
			}
			lastFlush = time.Now()
		}
	}
}

// flush writes the buffered batch. On failure the batch is kept for the
// next attempt.
func (h *Historian) flush(ctx context.Context) error {
	if len(h.batch) == 0 {
		return nil
	}
	if err := h.sink.AppendRoomEvents(ctx, h.batch); err != nil {
		return err
	}
	h.log.WithField("count", len(h.batch)).Debug("flushed room events")
	h.batch = make([]models.RoomEvent, 0, h.batchSize)
	return nil
}

func (r RoomEventRecord) event() models.RoomEvent {
	return models.RoomEvent{
		RoomID:     r.RoomID,
		RoomNumber: r.RoomNumber,
		Type:       r.Type,
		UserID:     r.UserID,
		Payload:    r.Payload,
		OccurredAt: time.UnixMilli(r.Timestamp).UTC(),
	}
}
