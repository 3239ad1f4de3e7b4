// Package config loads service configuration. Sources are applied in order,
// each overriding the previous one: built-in defaults, an optional .env
// file, an optional YAML file named by CONFIG_FILE, then the process
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`             // e.g. "8080"
	Env             string        `yaml:"env"`              // "development" | "production"
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default 10s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default 10s
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // default 60s
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // default 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default 5s
	RateLimit       float64       `yaml:"rate_limit"`       // requests/s per identity; 0 disables
	RateBurst       int           `yaml:"rate_burst"`
	Faucet          bool          `yaml:"faucet"` // expose POST /dev/faucet
}

// DBConfig holds PostgreSQL settings. An empty URL selects the in-memory store.
type DBConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the cache and distributed lock settings. An empty URL
// disables both.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // default 30s
	LockTTL  time.Duration `yaml:"lock_ttl"`  // default 5s
}

// NATSConfig holds the outbound event stream settings. An empty URL disables
// JetStream publication.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Stream     string `yaml:"stream"`
	QueueDepth int    `yaml:"queue_depth"`
}

// AuthConfig holds caller authentication settings. Without a secret the
// X-Identity header is trusted.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // json | console
	File    string `yaml:"file"`
	MaxSize int    `yaml:"max_size_mb"`
	MaxAge  int    `yaml:"max_age_days"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration of the service.
type Config struct {
	Server ServerConfig `yaml:"server"`
	DB     DBConfig     `yaml:"db"`
	Redis  RedisConfig  `yaml:"redis"`
	NATS   NATSConfig   `yaml:"nats"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks the loaded values and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a TCP port, got %q", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must not be negative, got %g", c.Server.RateLimit))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_BURST must be at least 1, got %d", c.Server.RateBurst))
	}
	if c.IsProd() {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET must be set in production"))
		}
		if c.DB.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set in production"))
		}
		if c.Server.Faucet {
			errs = append(errs, errors.New("FAUCET_ENABLED must be off in production"))
		}
	}
	if c.Redis.URL != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_LOCK_TTL must be positive, got %s", c.Redis.LockTTL))
	}
	if c.NATS.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("NATS_QUEUE_DEPTH must be positive, got %d", c.NATS.QueueDepth))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Env:             "development",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Redis: RedisConfig{
			CacheTTL: 30 * time.Second,
			LockTTL:  5 * time.Second,
		},
		NATS: NATSConfig{
			Stream:     "VAULT_LEDGER_EVENTS",
			QueueDepth: 1024,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			MaxSize: 100,
			MaxAge:  28,
		},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loading
// ──────────────────────────────────────────────────────────────────────────────

// Load builds the configuration from defaults, .env, CONFIG_FILE and the
// environment, then validates it.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadFile overlays a YAML file onto cfg. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// ── Server ────────────────────────────────────────────────────────────────
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "ENVIRONMENT")
	collect(setDuration(&c.Server.ReadTimeout, "SERVER_READ_TIMEOUT"))
	collect(setDuration(&c.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT"))
	collect(setDuration(&c.Server.IdleTimeout, "SERVER_IDLE_TIMEOUT"))
	collect(setDuration(&c.Server.RequestTimeout, "REQUEST_TIMEOUT"))
	collect(setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT"))
	collect(setFloat(&c.Server.RateLimit, "RATE_LIMIT"))
	collect(setInt(&c.Server.RateBurst, "RATE_BURST"))
	collect(setBool(&c.Server.Faucet, "FAUCET_ENABLED"))

	// ── Stores ────────────────────────────────────────────────────────────────
	setString(&c.DB.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	collect(setDuration(&c.Redis.CacheTTL, "REDIS_CACHE_TTL"))
	collect(setDuration(&c.Redis.LockTTL, "REDIS_LOCK_TTL"))

	// ── Events ────────────────────────────────────────────────────────────────
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.NATS.Stream, "NATS_STREAM")
	collect(setInt(&c.NATS.QueueDepth, "NATS_QUEUE_DEPTH"))

	// ── Auth and logging ──────────────────────────────────────────────────────
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.Issuer, "JWT_ISSUER")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.File, "LOG_FILE")
	collect(setInt(&c.Log.MaxSize, "LOG_MAX_SIZE_MB"))
	collect(setInt(&c.Log.MaxAge, "LOG_MAX_AGE_DAYS"))

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

// setDuration parses a Go duration string such as "15m" or "2s".
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}
