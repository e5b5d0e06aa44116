// Package config loads runtime configuration from flags, environment variables and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nmea-ws-proxy/backend/internal/logger"
)

// AllowAllOrigins is the allow-list entry that disables origin checking.
const AllowAllOrigins = "*"

// Config holds all runtime configuration. Flags take precedence over environment variables.
type Config struct {
	Port      int
	Origins   map[string]bool
	LogLevel  string
	LogFormat string

	// DBPath is the sqlite file for uplink history; empty disables history.
	DBPath string

	// RedisAddr enables the fleet session mirror when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DialTimeout   time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	StatsInterval time.Duration
	MaxLineLength int
	ReadChunkSize int
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:          8080,
		Origins:       map[string]bool{AllowAllOrigins: true},
		LogLevel:      "INFO",
		LogFormat:     "json",
		DBPath:        "data/nmea_proxy.db",
		DialTimeout:   10 * time.Second,
		PingInterval:  30 * time.Second,
		PingTimeout:   10 * time.Second,
		StatsInterval: 30 * time.Second,
		MaxLineLength: 4096,
		ReadChunkSize: 1024,
	}
}

// Load reads .env (if present), then builds a Config from environment defaults overridden by args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	def := Default()
	cfg := &Config{}
	var origins string

	fs := flag.NewFlagSet("nmea-ws-proxy", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", envInt("PORT", def.Port), "WebSocket server port")
	fs.StringVar(&origins, "origins", getEnv("ORIGINS", ""), "comma-separated list of allowed origins (default: all)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", def.LogLevel), "logging level: DEBUG, INFO, WARNING, ERROR")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", def.LogFormat), "log output format: json or console")
	fs.StringVar(&cfg.DBPath, "db-path", getEnv("DB_PATH", def.DBPath), "sqlite path for uplink history (empty disables)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "redis address for the fleet session mirror (empty disables)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", envInt("REDIS_DB", 0), "redis database number")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", envDuration("DIAL_TIMEOUT", def.DialTimeout), "uplink TCP connect deadline")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", envDuration("PING_INTERVAL", def.PingInterval), "websocket keepalive ping interval (0 disables)")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", envDuration("PING_TIMEOUT", def.PingTimeout), "time allowed for a keepalive pong")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", envDuration("STATS_INTERVAL", def.StatsInterval), "interval between stats reports")
	fs.IntVar(&cfg.MaxLineLength, "max-line-length", envInt("MAX_LINE_LENGTH", def.MaxLineLength), "maximum buffered line length in bytes (0 = unbounded)")
	fs.IntVar(&cfg.ReadChunkSize, "read-chunk-size", envInt("READ_CHUNK_SIZE", def.ReadChunkSize), "uplink read size in bytes")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Origins = ParseOrigins(origins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout)
	}
	if c.PingInterval < 0 || c.PingTimeout < 0 {
		return fmt.Errorf("ping interval and timeout must not be negative")
	}
	if c.PingInterval > 0 && c.PingTimeout == 0 {
		return fmt.Errorf("ping timeout must be positive when keepalive is enabled")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive, got %s", c.StatsInterval)
	}
	if c.MaxLineLength < 0 {
		return fmt.Errorf("max line length must not be negative, got %d", c.MaxLineLength)
	}
	if c.ReadChunkSize <= 0 {
		return fmt.Errorf("read chunk size must be positive, got %d", c.ReadChunkSize)
	}
	return nil
}

// Addr returns the listen address on all interfaces.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// AllowsAnyOrigin reports whether the allow-list contains the wildcard.
func (c *Config) AllowsAnyOrigin() bool {
	return len(c.Origins) == 0 || c.Origins[AllowAllOrigins]
}

// OriginList returns the allow-list sorted, for logging.
func (c *Config) OriginList() []string {
	list := make([]string, 0, len(c.Origins))
	for o := range c.Origins {
		list = append(list, o)
	}
	sort.Strings(list)
	return list
}

// ParseOrigins splits a comma-separated allow-list. An empty list allows every origin.
func ParseOrigins(s string) map[string]bool {
	origins := make(map[string]bool)
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins[o] = true
		}
	}
	if len(origins) == 0 {
		origins[AllowAllOrigins] = true
	}
	return origins
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return defaultValue
}
