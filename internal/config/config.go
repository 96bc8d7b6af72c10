package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the application configuration.
type Config struct {
	ServerPort int
	AppEnv     string
	Debug      bool
	LogLevel   string

	DB DatabaseConfig

	Session SessionConfig
	Redis   RedisConfig

	LoginDelay     time.Duration
	LoginRateLimit int // attempts per minute per client IP
	LoginRateBurst int
	BcryptCost     int

	AllowedOrigins []string

	// Created as an admin at startup when no user of that name exists.
	AdminUsername string
	AdminPassword string

	Fleet FleetConfig
}

// DatabaseConfig selects and addresses the credential store.
type DatabaseConfig struct {
	Driver   string // "mysql" or "sqlite"
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Path     string // sqlite file path
}

// SessionConfig controls the session cookie and its server-side record.
type SessionConfig struct {
	Name          string
	Lifetime      time.Duration
	RotateEvery   time.Duration
	Store         string // "memory" or "redis"
	SweepSchedule string
	CookieSecure  bool
}

// RedisConfig addresses the Redis session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// FleetConfig addresses the upstream fleet event stream.
type FleetConfig struct {
	WSURL                string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	TokenSecret          string
}

// Load reads an optional .env file and then builds the configuration from
// environment variables, falling back to defaults.
func Load() (*Config, error) {
	return LoadFile(getEnv("ENV_FILE", ".env"))
}

// LoadFile is Load with an explicit .env path. A missing file is not an error;
// variables already present in the environment take precedence over the file.
func LoadFile(envPath string) (*Config, error) {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	dbPort, err := getEnvInt("DB_PORT", 3306)
	if err != nil {
		return nil, err
	}
	lifetimeSec, err := getEnvInt("SESSION_LIFETIME", 3600)
	if err != nil {
		return nil, err
	}
	rotate, err := getEnvDuration("SESSION_ROTATE_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	loginDelay, err := getEnvDuration("LOGIN_DELAY", 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	rateLimit, err := getEnvInt("LOGIN_RATE_LIMIT", 5)
	if err != nil {
		return nil, err
	}
	rateBurst, err := getEnvInt("LOGIN_RATE_BURST", 5)
	if err != nil {
		return nil, err
	}
	cost, err := getEnvInt("BCRYPT_COST", bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	reconnectMs, err := getEnvInt("WS_RECONNECT_INTERVAL", 5000)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getEnvInt("WS_MAX_RECONNECT_ATTEMPTS", 10)
	if err != nil {
		return nil, err
	}
	heartbeat, err := getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	appEnv := getEnv("APP_ENV", "development")
	cookieSecure, err := getEnvBool("COOKIE_SECURE", appEnv == "production")
	if err != nil {
		return nil, err
	}
	debug, err := getEnvBool("APP_DEBUG", false)
	if err != nil {
		return nil, err
	}
	redisTLS, err := getEnvBool("REDIS_TLS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort: port,
		AppEnv:     appEnv,
		Debug:      debug,
		LogLevel:   getEnv("APP_LOG_LEVEL", "info"),
		DB: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "mysql"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			Name:     getEnv("DB_NAME", "openclaw_cc"),
			User:     getEnv("DB_USER", "openclaw_user"),
			Password: getEnv("DB_PASS", ""),
			Path:     getEnv("DATABASE_PATH", "./openclaw.db"),
		},
		Session: SessionConfig{
			Name:          getEnv("SESSION_NAME", "openclaw_session"),
			Lifetime:      time.Duration(lifetimeSec) * time.Second,
			RotateEvery:   rotate,
			Store:         getEnv("SESSION_STORE", "memory"),
			SweepSchedule: getEnv("SESSION_SWEEP_SCHEDULE", "@every 5m"),
			CookieSecure:  cookieSecure,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			TLS:      redisTLS,
		},
		LoginDelay:     loginDelay,
		LoginRateLimit: rateLimit,
		LoginRateBurst: rateBurst,
		BcryptCost:     cost,
		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")),
		AdminUsername:  getEnv("ADMIN_USERNAME", ""),
		AdminPassword:  getEnv("ADMIN_PASSWORD", ""),
		Fleet: FleetConfig{
			WSURL:                getEnv("WS_URL", "ws://100.64.0.2:8889/ws/events"),
			ReconnectInterval:    time.Duration(reconnectMs) * time.Millisecond,
			MaxReconnectAttempts: maxAttempts,
			HeartbeatInterval:    heartbeat,
			TokenSecret:          getEnv("FLEET_TOKEN_SECRET", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.Session.Store)
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("SESSION_LIFETIME must be positive")
	}
	if c.LoginRateLimit <= 0 || c.LoginRateBurst <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT and LOGIN_RATE_BURST must be positive")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	return nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
