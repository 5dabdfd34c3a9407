package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

type Config struct {
	ServerPort      string
	Environment     string
	LogLevel        string
	FirebaseProject string
	CredentialsFile string
	StorageBucket   string
	StoreBackend    string
	RedisAddr       string
	Sync            SyncConfig
}

// SyncConfig holds the engine timings. Durations are stored in milliseconds
// so the TOML file stays flat.
type SyncConfig struct {
	PageSize                 int   `toml:"page_size"`
	TypingDebounceMs         int64 `toml:"typing_debounce_ms"`
	TypingStaleAfterMs       int64 `toml:"typing_stale_after_ms"`
	ReadDebounceMs           int64 `toml:"read_debounce_ms"`
	SendTimeoutMs            int64 `toml:"send_timeout_ms"`
	SubscriptionStaleAfterMs int64 `toml:"subscription_stale_after_ms"`
}

type fileConfig struct {
	Sync SyncConfig `toml:"sync"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:                 20,
		TypingDebounceMs:         1000,
		TypingStaleAfterMs:       5000,
		ReadDebounceMs:           500,
		SendTimeoutMs:            15000,
		SubscriptionStaleAfterMs: 60000,
	}
}

func Load() (*Config, error) {
	godotenv.Load()

	defaults := DefaultSyncConfig()
	config := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		LogLevel:        getEnv("LOG_LEVEL", ""),
		FirebaseProject: getEnv("FIREBASE_PROJECT_ID", ""),
		CredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		StorageBucket:   getEnv("STORAGE_BUCKET", ""),
		StoreBackend:    getEnv("STORE_BACKEND", StoreFirestore),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		Sync: SyncConfig{
			PageSize:                 int(getEnvAsInt64("SYNC_PAGE_SIZE", int64(defaults.PageSize))),
			TypingDebounceMs:         getEnvAsInt64("SYNC_TYPING_DEBOUNCE_MS", defaults.TypingDebounceMs),
			TypingStaleAfterMs:       getEnvAsInt64("SYNC_TYPING_STALE_AFTER_MS", defaults.TypingStaleAfterMs),
			ReadDebounceMs:           getEnvAsInt64("SYNC_READ_DEBOUNCE_MS", defaults.ReadDebounceMs),
			SendTimeoutMs:            getEnvAsInt64("SYNC_SEND_TIMEOUT_MS", defaults.SendTimeoutMs),
			SubscriptionStaleAfterMs: getEnvAsInt64("SYNC_SUBSCRIPTION_STALE_AFTER_MS", defaults.SubscriptionStaleAfterMs),
		},
	}

	if path := os.Getenv("JOKKO_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if config.StoreBackend != StoreFirestore && config.StoreBackend != StoreMemory {
		return nil, fmt.Errorf("unknown store backend %q", config.StoreBackend)
	}

	return config, nil
}

// loadFile overrides the sync section with the values present in a TOML file.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.Sync.merge(file.Sync)
	return nil
}

func (s *SyncConfig) merge(o SyncConfig) {
	if o.PageSize > 0 {
		s.PageSize = o.PageSize
	}
	if o.TypingDebounceMs > 0 {
		s.TypingDebounceMs = o.TypingDebounceMs
	}
	if o.TypingStaleAfterMs > 0 {
		s.TypingStaleAfterMs = o.TypingStaleAfterMs
	}
	if o.ReadDebounceMs > 0 {
		s.ReadDebounceMs = o.ReadDebounceMs
	}
	if o.SendTimeoutMs > 0 {
		s.SendTimeoutMs = o.SendTimeoutMs
	}
	if o.SubscriptionStaleAfterMs > 0 {
		s.SubscriptionStaleAfterMs = o.SubscriptionStaleAfterMs
	}
}

// WithDefaults fills zero fields, so callers can pass a partial SyncConfig.
func (s SyncConfig) WithDefaults() SyncConfig {
	out := DefaultSyncConfig()
	out.merge(s)
	return out
}

func (s SyncConfig) TypingDebounce() time.Duration {
	return time.Duration(s.TypingDebounceMs) * time.Millisecond
}

func (s SyncConfig) TypingStaleAfter() time.Duration {
	return time.Duration(s.TypingStaleAfterMs) * time.Millisecond
}

func (s SyncConfig) ReadDebounce() time.Duration {
	return time.Duration(s.ReadDebounceMs) * time.Millisecond
}

func (s SyncConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutMs) * time.Millisecond
}

func (s SyncConfig) SubscriptionStaleAfter() time.Duration {
	return time.Duration(s.SubscriptionStaleAfterMs) * time.Millisecond
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}
