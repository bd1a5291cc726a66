package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Transport TransportConfig `yaml:"transport"`
	Feed      FeedConfig      `yaml:"feed"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	Environment string `yaml:"environment"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	MirrorUpdates bool   `yaml:"mirror_updates"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type CacheConfig struct {
	Backend     string        `yaml:"backend"` // memory, redis
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	SymbolTTL   time.Duration `yaml:"symbol_ttl"`
}

type UpstreamConfig struct {
	RESTURL         string        `yaml:"rest_url"`
	StreamURL       string        `yaml:"stream_url"`
	ProxyURL        string        `yaml:"proxy_url"`
	HistoryLimit    int           `yaml:"history_limit"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RetryCount      int           `yaml:"retry_count"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	Burst           int           `yaml:"burst"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	StreamReadLimit time.Duration `yaml:"stream_read_timeout"`
}

type TransportConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

type FeedConfig struct {
	PendingBuffer int           `yaml:"pending_buffer"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	StrictChecks  bool          `yaml:"strict_checks"`
	WatchlistFile string        `yaml:"watchlist_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:    50051,
			HTTPPort:    8080,
			Environment: "development",
		},
		Redis: RedisConfig{
			Host:          "localhost",
			Port:          6379,
			ChannelPrefix: "chart:market",
		},
		Cache: CacheConfig{
			Backend:     "memory",
			SnapshotTTL: 60 * time.Second,
			SymbolTTL:   time.Hour,
		},
		Upstream: UpstreamConfig{
			RESTURL:         "https://api.binance.com",
			StreamURL:       "wss://stream.binance.com:9443/ws",
			HistoryLimit:    1000,
			RequestTimeout:  10 * time.Second,
			RetryCount:      2,
			RequestsPerSec:  10,
			Burst:           5,
			ReconnectMin:    time.Second,
			ReconnectMax:    60 * time.Second,
			StreamReadLimit: 3 * time.Minute,
		},
		Transport: TransportConfig{
			SendBuffer:     256,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 4096,
		},
		Feed: FeedConfig{
			PendingBuffer: 64,
			FetchTimeout:  15 * time.Second,
			StopTimeout:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from defaults, an optional YAML file named by
// CONFIG_FILE and finally environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.GRPCPort = getEnvInt("SERVER_PORT", c.Server.GRPCPort)
	c.Server.HTTPPort = getEnvInt("HTTP_PORT", c.Server.HTTPPort)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.MirrorUpdates = getEnvBool("REDIS_MIRROR_UPDATES", c.Redis.MirrorUpdates)
	c.Redis.ChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", c.Redis.ChannelPrefix)

	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.SnapshotTTL = getEnvDuration("CACHE_TTL_SNAPSHOT", c.Cache.SnapshotTTL)
	c.Cache.SymbolTTL = getEnvDuration("CACHE_TTL_SYMBOLS", c.Cache.SymbolTTL)

	c.Upstream.RESTURL = getEnv("BINANCE_REST_URL", c.Upstream.RESTURL)
	c.Upstream.StreamURL = getEnv("BINANCE_STREAM_URL", c.Upstream.StreamURL)
	c.Upstream.ProxyURL = getEnv("UPSTREAM_PROXY_URL", c.Upstream.ProxyURL)
	c.Upstream.HistoryLimit = getEnvInt("HISTORY_LIMIT", c.Upstream.HistoryLimit)
	c.Upstream.RequestTimeout = getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", c.Upstream.RequestTimeout)
	c.Upstream.RetryCount = getEnvInt("UPSTREAM_RETRY_COUNT", c.Upstream.RetryCount)
	c.Upstream.RequestsPerSec = getEnvFloat("UPSTREAM_RPS", c.Upstream.RequestsPerSec)
	c.Upstream.Burst = getEnvInt("UPSTREAM_BURST", c.Upstream.Burst)
	c.Upstream.ReconnectMin = getEnvDuration("UPSTREAM_RECONNECT_MIN", c.Upstream.ReconnectMin)
	c.Upstream.ReconnectMax = getEnvDuration("UPSTREAM_RECONNECT_MAX", c.Upstream.ReconnectMax)
	c.Upstream.StreamReadLimit = getEnvDuration("UPSTREAM_STREAM_READ_TIMEOUT", c.Upstream.StreamReadLimit)

	c.Transport.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.Transport.SendBuffer)
	c.Transport.WriteWait = getEnvDuration("WS_WRITE_WAIT", c.Transport.WriteWait)
	c.Transport.PongWait = getEnvDuration("WS_PONG_WAIT", c.Transport.PongWait)

	c.Feed.PendingBuffer = getEnvInt("FEED_PENDING_BUFFER", c.Feed.PendingBuffer)
	c.Feed.FetchTimeout = getEnvDuration("FEED_FETCH_TIMEOUT", c.Feed.FetchTimeout)
	c.Feed.StopTimeout = getEnvDuration("FEED_STOP_TIMEOUT", c.Feed.StopTimeout)
	c.Feed.StrictChecks = getEnvBool("FEED_STRICT_CHECKS", c.Feed.StrictChecks || c.IsDevelopment())
	c.Feed.WatchlistFile = getEnv("WATCHLIST_FILE", c.Feed.WatchlistFile)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("CACHE_BACKEND=redis requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Redis.MirrorUpdates && !c.Redis.Enabled {
		return fmt.Errorf("REDIS_MIRROR_UPDATES requires REDIS_ENABLED")
	}
	if c.Cache.SnapshotTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_SNAPSHOT must be positive")
	}
	if c.Upstream.HistoryLimit <= 0 || c.Upstream.HistoryLimit > 1000 {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and 1000")
	}
	if c.Upstream.RESTURL == "" || c.Upstream.StreamURL == "" {
		return fmt.Errorf("upstream REST and stream URLs are required")
	}
	if c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	return nil
}

// IsDevelopment reports whether consistency violations should fail loudly
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Environment, "development")
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parseDuration(os.Getenv(key), defaultValue)
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
