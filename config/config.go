// Package config loads the admission settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every variable Load reads.
const EnvPrefix = "ADMISSION_"

// DefaultEnvFiles are read by Load when no files are given. Missing files are skipped.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Config holds the settings of an admission deployment.
type Config struct {
	RedisURL             string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisConnectAttempts int           `env:"REDIS_CONNECT_ATTEMPTS" envDefault:"5"`
	RedisConnectInterval time.Duration `env:"REDIS_CONNECT_INTERVAL" envDefault:"500ms"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	KeyPrefix       string        `env:"KEY_PREFIX" envDefault:"admission"`
	ConfigCacheSize int           `env:"CONFIG_CACHE_SIZE" envDefault:"1000"`
	ConfigCacheTTL  time.Duration `env:"CONFIG_CACHE_TTL" envDefault:"5m"`

	// OverrideRoles may override high-risk content scores.
	OverrideRoles []string `env:"OVERRIDE_ROLES" envDefault:"admin" envSeparator:","`

	DefaultTokens   float64       `env:"DEFAULT_TOKENS" envDefault:"100"`
	DefaultInterval time.Duration `env:"DEFAULT_INTERVAL" envDefault:"1m"`
}

// Load reads the env files, then parses the ADMISSION_ variables into a
// Config. Variables already set in the process environment win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("redis url is required"))
	}
	if c.ConfigCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("config cache size must be positive, got %d", c.ConfigCacheSize))
	}
	if c.DefaultTokens <= 0 {
		errs = append(errs, fmt.Errorf("default tokens must be positive, got %v", c.DefaultTokens))
	}
	if c.DefaultInterval < time.Second {
		errs = append(errs, fmt.Errorf("default interval must be at least one second, got %s", c.DefaultInterval))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", levelStr)
	}
}

// NewLogger creates a JSON logger writing to w at the given level.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
