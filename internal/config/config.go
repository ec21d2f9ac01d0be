package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	TokenStoreSQLite = "sqlite"
	TokenStoreRedis  = "redis"
)

type Config struct {
	ListenAddr    string
	BackendURL    string
	DBPath        string
	TokenStore    string
	RedisURL      string
	PreviewPath   string
	CameraURL     string
	TokenProbe    string
	SubmitTimeout time.Duration
	AuthTimeout   time.Duration
	LogLevel      string
	LogFile       string
}

// LoadDotEnv copies variables from a .env file into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func Load() (*Config, error) {
	submitTimeout, err := getDuration("SUBMIT_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	authTimeout, err := getDuration("AUTH_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", "127.0.0.1:8080"),
		BackendURL:    getEnv("BACKEND_URL", "http://localhost:8000"),
		DBPath:        getEnv("DB_PATH", "/data/reunite.db"),
		TokenStore:    getEnv("TOKEN_STORE", TokenStoreSQLite),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		PreviewPath:   getEnv("PREVIEW_PATH", "/data/previews"),
		CameraURL:     getEnv("CAMERA_URL", ""),
		TokenProbe:    getEnv("TOKEN_PROBE_PATH", "/api/stats"),
		SubmitTimeout: submitTimeout,
		AuthTimeout:   authTimeout,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
	}

	if cfg.TokenStore != TokenStoreSQLite && cfg.TokenStore != TokenStoreRedis {
		return nil, fmt.Errorf("TOKEN_STORE must be %q or %q, got %q", TokenStoreSQLite, TokenStoreRedis, cfg.TokenStore)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val, exists := os.LookupEnv(key)
	if !exists || val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
