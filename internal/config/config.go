// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends. StoreSQLite is for development and tests only: the store
// holds a single connection, so every ledger transaction runs one at a time.
// Production deployments use StorePostgres.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds settings shared by the clinic services
type Config struct {
	Port            string
	DatabaseURL     string
	Store           string
	SQLitePath      string
	JWTSecret       string
	LockTimeout     time.Duration
	LogLevel        string
	KafkaBrokers    []string
	OTLPEndpoint    string
	WorkerCount     int
	ShutdownTimeout time.Duration
}

// Load reads the configuration. Variables already set in the environment
// win over the .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:         getenv("PORT", "8081"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Store:        strings.ToLower(getenv("STORE", StorePostgres)),
		SQLitePath:   getenv("SQLITE_PATH", "clinic.db"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	lockMS, err := getInt("LOCK_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.LockTimeout = time.Duration(lockMS) * time.Millisecond

	if cfg.WorkerCount, err = getInt("WORKER_COUNT", 16); err != nil {
		return nil, err
	}

	shutdown, err := getInt("SHUTDOWN_TIMEOUT", 30)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownTimeout = time.Duration(shutdown) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DevelopmentStore reports whether the configured store serializes all
// transactions and must not serve production traffic
func (c *Config) DevelopmentStore() bool {
	return c.Store == StoreSQLite
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("LOCK_TIMEOUT_MS must not be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
