// cmd/historian drains the room event journal from Redis and persists it to
// the room_events table.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/jason-s-yu/mcrlobby/internal/cache"
	"github.com/jason-s-yu/mcrlobby/internal/config"
	"github.com/jason-s-yu/mcrlobby/internal/database"
	"github.com/jason-s-yu/mcrlobby/internal/logging"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

type eventStore interface {
	database.EventLog
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	if cfg.RedisAddr == "" {
		logger.Fatal("REDIS_ADDR is required")
	}

	ctx := context.Background()
	store, err := openEventStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	journal, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RoomEventsQueue, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	logger.WithFields(logrus.Fields{"queue": journal.Queue(), "store": cfg.StoreDriver}).Info("draining room events")

	h := cache.NewHistorian(journal.Popper(), store, cache.HistorianConfig{
		BatchSize:  cfg.HistorianBatchSize,
		FlushDelay: cfg.HistorianFlushDelay,
	}, logger)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.Run(runCtx) }()

	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"historian": func(ctx context.Context) error {
			stop()
			err := <-done
			_ = journal.Close()
			store.Close()
			return err
		},
	})
	exitCode := <-wait
	logger.WithField("code", exitCode).Info("historian exited")
	os.Exit(exitCode)
}

func openEventStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (eventStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return database.NewPostgres(ctx, cfg.DatabaseURL, log)
	case config.DriverSQLite:
		return database.NewSQLite(ctx, cfg.SQLitePath, log)
	default:
		return nil, fmt.Errorf("historian needs a persistent store, got %q", cfg.StoreDriver)
	}
}
