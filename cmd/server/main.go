// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/jason-s-yu/mcrlobby/internal/auth"
	"github.com/jason-s-yu/mcrlobby/internal/cache"
	"github.com/jason-s-yu/mcrlobby/internal/config"
	"github.com/jason-s-yu/mcrlobby/internal/database"
	"github.com/jason-s-yu/mcrlobby/internal/gameserver"
	"github.com/jason-s-yu/mcrlobby/internal/handlers"
	"github.com/jason-s-yu/mcrlobby/internal/lobby"
	"github.com/jason-s-yu/mcrlobby/internal/logging"
	"github.com/jason-s-yu/mcrlobby/internal/room"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

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

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}

	tokens, err := openTokens(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to load signing keys")
	}

	games := gameserver.NewClient(cfg.GameServerURL, cfg.GameServerTimeout, logger)
	rooms := room.NewService(store, games, logger)
	registry := lobby.NewRegistry(logger)
	registry.UsePlayChecker(rooms)
	rooms.UseNotifier(registry)

	var journal *cache.Journal
	if cfg.RedisAddr != "" {
		journal, err = cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RoomEventsQueue, logger)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, room events are not journaled")
		} else {
			rooms.UseJournal(journal)
		}
	}

	srv := handlers.NewServer(rooms, registry, tokens, games, logger, cfg.AllowedOrigins)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.WithCORS(srv.Routes(), cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "store": cfg.StoreDriver, "env": cfg.Env}).Info("lobby server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server exited")
		}
	}()

	ops := map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"store": func(ctx context.Context) error {
			store.Close()
			return nil
		},
	}
	if journal != nil {
		ops["redis"] = func(ctx context.Context) error {
			rooms.Close()
			return journal.Close()
		}
	}

	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, ops)
	exitCode := <-wait
	logger.WithField("code", exitCode).Info("lobby server stopped")
	os.Exit(exitCode)
}

func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (database.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return database.NewPostgres(ctx, cfg.DatabaseURL, log)
	case config.DriverSQLite:
		return database.NewSQLite(ctx, cfg.SQLitePath, log)
	case config.DriverMemory:
		log.Warn("using the in-memory store, state is lost on restart")
		return database.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// openTokens loads the signing keys from disk, or generates a throwaway pair
// when no key paths are configured.
func openTokens(cfg config.Config, log *logrus.Logger) (*auth.JWT, error) {
	if cfg.JWTPrivateKeyPath != "" && cfg.JWTPublicKeyPath != "" {
		return auth.LoadKeys(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.TokenTTL)
	}
	if cfg.Production() {
		return nil, errors.New("JWT_PRIVATE_KEY_PATH and JWT_PUBLIC_KEY_PATH are required in production")
	}
	log.Warn("no signing keys configured, using an ephemeral key pair")
	return auth.NewEphemeral(cfg.TokenTTL)
}
