// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/mcrlobby/internal/auth"
	"github.com/jason-s-yu/mcrlobby/internal/cache"
	"github.com/jason-s-yu/mcrlobby/internal/database"
	"github.com/jason-s-yu/mcrlobby/internal/gameserver"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// RedisAddr empty disables the event journal.
	RedisAddr       string
	RedisDB         int
	RoomEventsQueue string

	// Journal consumer batching, read by cmd/historian.
	HistorianBatchSize  int
	HistorianFlushDelay time.Duration

	GameServerURL     string
	GameServerTimeout time.Duration

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	TokenTTL          time.Duration

	AllowedOrigins []string
}

// Production reports whether APP_ENV selects production behavior.
func (c Config) Production() bool { return c.Env == "production" }

// lookup resolves a key from the environment first, then the config file.
type lookup func(key string) string

func fromSources(file map[string]string) lookup {
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return file[key]
	}
}

func (l lookup) str(key, def string) string {
	if v := l(key); v != "" {
		return v
	}
	return def
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	file, err := readFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}
	return build(fromSources(file))
}

func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func build(get lookup) (Config, error) {
	cfg := Config{
		Env:               get.str("APP_ENV", "dev"),
		SQLitePath:        get.str("SQLITE_PATH", "mcrlobby.db"),
		RedisAddr:         get("REDIS_ADDR"),
		RoomEventsQueue:   get.str("ROOM_EVENTS_QUEUE", cache.DefaultQueueName),
		GameServerURL:     get.str("GAME_SERVER_URL", "http://localhost:9000"),
		JWTPrivateKeyPath: get("JWT_PRIVATE_KEY_PATH"),
		JWTPublicKeyPath:  get("JWT_PUBLIC_KEY_PATH"),
		AllowedOrigins:    splitCSV(get.str("ALLOWED_ORIGINS", "*")),
	}

	cfg.HTTPAddr = get("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":" + get.str("PORT", "8080")
	}

	defaultLevel := "info"
	if cfg.Env == "dev" {
		defaultLevel = "debug"
	}
	cfg.LogLevel = get.str("LOG_LEVEL", defaultLevel)

	cfg.StoreDriver = strings.ToLower(get.str("STORE_DRIVER", DriverPostgres))
	switch cfg.StoreDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	cfg.DatabaseURL = get("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = database.PostgresURL(
			get.str("POSTGRES_USER", "postgres"),
			get("POSTGRES_PASSWORD"),
			get.str("PG_HOST", "localhost"),
			get.str("PG_PORT", "5432"),
			get.str("PG_DATABASE", "mcr"),
		)
	}

	var err error
	if v := get("REDIS_DB"); v != "" {
		if cfg.RedisDB, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
	}
	cfg.HistorianBatchSize = cache.DefaultBatchSize
	if v := get("HISTORIAN_BATCH_SIZE"); v != "" {
		if cfg.HistorianBatchSize, err = strconv.Atoi(v); err != nil || cfg.HistorianBatchSize <= 0 {
			return Config{}, fmt.Errorf("invalid HISTORIAN_BATCH_SIZE %q", v)
		}
	}
	cfg.HistorianFlushDelay = cache.DefaultFlushDelay
	if v := get("HISTORIAN_FLUSH_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid HISTORIAN_FLUSH_MS %q", v)
		}
		cfg.HistorianFlushDelay = time.Duration(ms) * time.Millisecond
	}
	cfg.GameServerTimeout = gameserver.DefaultTimeout
	if v := get("GAME_SERVER_TIMEOUT"); v != "" {
		if cfg.GameServerTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("invalid GAME_SERVER_TIMEOUT %q: %w", v, err)
		}
	}
	if cfg.TokenTTL, err = auth.ParseExpireTime(get("TOKEN_EXPIRE_TIME")); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
