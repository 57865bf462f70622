// Package config loads and validates the teamsync TOML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server    Server    `toml:"server"`
	Store     Store     `toml:"store"`
	Inbox     Inbox     `toml:"inbox"`
	Tracker   Tracker   `toml:"tracker"`
	Publisher Publisher `toml:"publisher"`
	Log       Log       `toml:"log"`
	Users     []User    `toml:"users"`
}

type Server struct {
	Addr            string   `toml:"addr"`
	JWTSecret       string   `toml:"jwt_secret"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	RateLimitMax    int      `toml:"rate_limit_max"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type Store struct {
	DSN         string `toml:"dsn"`
	Profile     string `toml:"profile"`
	DataDir     string `toml:"data_dir"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type Inbox struct {
	QueueDSN     string   `toml:"queue_dsn"`
	QueueSize    int      `toml:"queue_size"`
	Workers      int      `toml:"workers"`
	DedupeWindow Duration `toml:"dedupe_window"`
	MaxAttempts  int      `toml:"max_attempts"`
	RetryDelay   Duration `toml:"retry_delay"`
}

type Tracker struct {
	BaseURL       string   `toml:"base_url"`
	MaxRetries    int      `toml:"max_retries"`
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	WebhookSecret string   `toml:"webhook_secret"`
	SystemUser    string   `toml:"system_user"`
}

type Publisher struct {
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// User seeds the user directory at startup.
type User struct {
	ID           string `toml:"id"`
	Username     string `toml:"username"`
	Email        string `toml:"email"`
	Avatar       string `toml:"avatar"`
	Active       *bool  `toml:"active"`
	TrackerToken string `toml:"tracker_token"`
}

func (u User) IsActive() bool {
	return u.Active == nil || *u.Active
}

// Load reads path (if non-empty), applies defaults and TEAMSYNC_* environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(&cfg, lookup)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.RateLimitWindow.Duration == 0 {
		cfg.Server.RateLimitWindow.Duration = time.Minute
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = ".teamsync"
	}
	if cfg.Inbox.QueueSize == 0 {
		cfg.Inbox.QueueSize = 1024
	}
	if cfg.Inbox.Workers == 0 {
		cfg.Inbox.Workers = 2
	}
	if cfg.Inbox.DedupeWindow.Duration == 0 {
		cfg.Inbox.DedupeWindow.Duration = 10 * time.Minute
	}
	if cfg.Inbox.MaxAttempts == 0 {
		cfg.Inbox.MaxAttempts = 3
	}
	if cfg.Inbox.RetryDelay.Duration == 0 {
		cfg.Inbox.RetryDelay.Duration = 250 * time.Millisecond
	}
	if cfg.Tracker.BaseURL == "" {
		cfg.Tracker.BaseURL = "https://api.github.com"
	}
	if cfg.Tracker.MaxRetries == 0 {
		cfg.Tracker.MaxRetries = 3
	}
	if cfg.Tracker.BaseDelay.Duration == 0 {
		cfg.Tracker.BaseDelay.Duration = 100 * time.Millisecond
	}
	if cfg.Tracker.MaxDelay.Duration == 0 {
		cfg.Tracker.MaxDelay.Duration = 2 * time.Second
	}
	if cfg.Tracker.SystemUser == "" {
		cfg.Tracker.SystemUser = "system"
	}
	if cfg.Publisher.SubscriberBuffer == 0 {
		cfg.Publisher.SubscriberBuffer = 64
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	stringEnv(lookup, "TEAMSYNC_ADDR", &cfg.Server.Addr)
	stringEnv(lookup, "TEAMSYNC_JWT_SECRET", &cfg.Server.JWTSecret)
	int64Env(lookup, "TEAMSYNC_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	intEnv(lookup, "TEAMSYNC_RATE_LIMIT_MAX", &cfg.Server.RateLimitMax)
	durationEnv(lookup, "TEAMSYNC_RATE_LIMIT_WINDOW", &cfg.Server.RateLimitWindow)

	stringEnv(lookup, "TEAMSYNC_STORE_DSN", &cfg.Store.DSN)
	stringEnv(lookup, "TEAMSYNC_BACKEND_PROFILE", &cfg.Store.Profile)
	stringEnv(lookup, "TEAMSYNC_DATA_DIR", &cfg.Store.DataDir)
	stringEnv(lookup, "TEAMSYNC_POSTGRES_DSN", &cfg.Store.PostgresDSN)

	stringEnv(lookup, "TEAMSYNC_INBOX_QUEUE_DSN", &cfg.Inbox.QueueDSN)
	intEnv(lookup, "TEAMSYNC_INBOX_QUEUE_SIZE", &cfg.Inbox.QueueSize)
	intEnv(lookup, "TEAMSYNC_INBOX_WORKERS", &cfg.Inbox.Workers)
	durationEnv(lookup, "TEAMSYNC_INBOX_DEDUPE_WINDOW", &cfg.Inbox.DedupeWindow)

	stringEnv(lookup, "TEAMSYNC_TRACKER_BASE_URL", &cfg.Tracker.BaseURL)
	stringEnv(lookup, "TEAMSYNC_WEBHOOK_SECRET", &cfg.Tracker.WebhookSecret)
	stringEnv(lookup, "TEAMSYNC_SYSTEM_USER", &cfg.Tracker.SystemUser)

	stringEnv(lookup, "TEAMSYNC_LOG_LEVEL", &cfg.Log.Level)
	stringEnv(lookup, "TEAMSYNC_LOG_FORMAT", &cfg.Log.Format)
}

func stringEnv(lookup func(string) (string, bool), name string, target *string) {
	if raw, ok := lookup(name); ok && strings.TrimSpace(raw) != "" {
		*target = strings.TrimSpace(raw)
	}
}

func intEnv(lookup func(string) (string, bool), name string, target *int) {
	raw, ok := lookup(name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid environment override", "name", name, "value", raw)
		return
	}
	*target = value
}

func int64Env(lookup func(string) (string, bool), name string, target *int64) {
	raw, ok := lookup(name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("ignoring invalid environment override", "name", name, "value", raw)
		return
	}
	*target = value
}

func durationEnv(lookup func(string) (string, bool), name string, target *Duration) {
	raw, ok := lookup(name)
	if !ok || raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring invalid environment override", "name", name, "value", raw)
		return
	}
	target.Duration = value
}

func validate(cfg *Config) error {
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return errors.New("server.max_body_bytes must not be negative")
	}
	if cfg.Inbox.QueueSize < 0 || cfg.Inbox.Workers < 0 {
		return errors.New("inbox.queue_size and inbox.workers must not be negative")
	}
	if cfg.Publisher.SubscriberBuffer < 0 {
		return errors.New("publisher.subscriber_buffer must not be negative")
	}
	if _, _, err := cfg.Store.ResolveDSNs(cfg.Inbox.QueueDSN); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, user := range cfg.Users {
		id := strings.TrimSpace(user.ID)
		if id == "" || strings.TrimSpace(user.Username) == "" {
			return fmt.Errorf("users[%d]: id and username are required", i)
		}
		if seen[id] {
			return fmt.Errorf("users[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	return nil
}

// ParseLevel maps a config level name onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
	}
}

// ResolveDSNs returns the document store and inbox queue DSNs. Explicit DSNs
// win over the storage profile defaults.
func (s Store) ResolveDSNs(queueDSN string) (storeDSN, inboxDSN string, err error) {
	profileStore, profileQueue, err := s.profileDefaults()
	if err != nil {
		return "", "", err
	}
	storeDSN = strings.TrimSpace(s.DSN)
	if storeDSN == "" {
		storeDSN = profileStore
	}
	inboxDSN = strings.TrimSpace(queueDSN)
	if inboxDSN == "" {
		inboxDSN = profileQueue
	}
	return storeDSN, inboxDSN, nil
}

func (s Store) profileDefaults() (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(s.Profile))
	dataDir := strings.TrimSpace(s.DataDir)
	if dataDir == "" {
		dataDir = ".teamsync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(s.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("store.postgres_dsn is required when store.profile=%s", profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "documents.json"),
			"file://" + filepath.Join(dataDir, "inbox-queue.json"),
			nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "teamsync.db"),
			"file://" + filepath.Join(dataDir, "inbox-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported store.profile: %s", profile)
	}
}
