// Package config loads service configuration from an optional YAML file, a
// .env file and the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// State store backends.
const (
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Config is the complete service configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Server     ServerConfig     `yaml:"server"`
	Poller     PollerConfig     `yaml:"poller"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	StateStore StateStoreConfig `yaml:"state_store"`
	Database   DatabaseConfig   `yaml:"database"`
	Spotify    SpotifyConfig    `yaml:"spotify"`
	Changefeed ChangefeedConfig `yaml:"changefeed"`
}

// ServerConfig covers the HTTP listener and the WebSocket endpoint.
type ServerConfig struct {
	HTTPPort       string        `yaml:"http_port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	JWTSecret      string        `yaml:"jwt_secret"`
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteWait      time.Duration `yaml:"write_wait"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// PollerConfig covers the poll loop.
type PollerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Workers         int           `yaml:"workers"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	TTL             time.Duration `yaml:"ttl"`
	KeyPrefix       string        `yaml:"key_prefix"`
	RefreshProfiles *bool         `yaml:"refresh_profiles"`
}

// FanoutConfig covers delivery and the friend list cache.
type FanoutConfig struct {
	SendTimeout     time.Duration `yaml:"send_timeout"`
	FriendCacheSize int           `yaml:"friend_cache_size"`
	FriendCacheTTL  time.Duration `yaml:"friend_cache_ttl"`
}

// StateStoreConfig selects and configures the shared snapshot store.
type StateStoreConfig struct {
	Backend        string          `yaml:"backend"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	Redis          RedisConfig     `yaml:"redis"`
	Firestore      FirestoreConfig `yaml:"firestore"`
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FirestoreConfig locates the Firestore collection.
type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

// DatabaseConfig locates the identity and friendship database.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// SpotifyConfig configures the provider client.
type SpotifyConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ChangefeedConfig enables Pub/Sub export when TopicID is set.
type ChangefeedConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if path != "" {
		// #nosec G304 -- path is from CLI args, controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyEnvOverrides maps the platform-conventional variables onto cfg.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := get("PORT"); ok {
		cfg.Server.HTTPPort = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := get("JWT_SECRET"); ok {
		cfg.Server.JWTSecret = v
	}
	if v, ok := get("FRONTEND_URL"); ok && v != "*" {
		cfg.Server.AllowedOrigins = []string{v}
	}
	if v, ok := get("DATABASE_URL"); ok {
		cfg.Database.URL = v
	}
	// Some platforms expose the private network address separately.
	if v, ok := get("REDIS_PRIVATE_URL"); ok {
		cfg.StateStore.Redis.URL = v
	} else if v, ok := get("REDIS_URL"); ok {
		cfg.StateStore.Redis.URL = v
	}
	if v, ok := get("SPOTIFY_CLIENT_ID"); ok {
		cfg.Spotify.ClientID = v
	}
	if v, ok := get("SPOTIFY_CLIENT_SECRET"); ok {
		cfg.Spotify.ClientSecret = v
	}
	if v, ok := get("POLL_INTERVAL"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
		cfg.Poller.Interval = d
	}
	if v, ok := get("CHANGEFEED_TOPIC"); ok {
		cfg.Changefeed.TopicID = v
	}
	if v, ok := get("GOOGLE_CLOUD_PROJECT"); ok {
		if cfg.Changefeed.ProjectID == "" {
			cfg.Changefeed.ProjectID = v
		}
		if cfg.StateStore.Firestore.ProjectID == "" {
			cfg.StateStore.Firestore.ProjectID = v
		}
	}
	return nil
}

// parseDuration accepts Go durations ("5s") or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Server.HTTPPort == "" {
		cfg.Server.HTTPPort = ":3000"
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 64
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = 25 * time.Second
	}
	if cfg.Server.WriteWait == 0 {
		cfg.Server.WriteWait = 10 * time.Second
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = 5 * time.Second
	}
	if cfg.Poller.Workers == 0 {
		cfg.Poller.Workers = 8
	}
	if cfg.Poller.FetchTimeout == 0 {
		cfg.Poller.FetchTimeout = 4 * time.Second
	}
	if cfg.Poller.TTL == 0 {
		cfg.Poller.TTL = 180 * time.Second
	}
	if cfg.Poller.KeyPrefix == "" {
		cfg.Poller.KeyPrefix = "now_playing:"
	}
	if cfg.Poller.RefreshProfiles == nil {
		on := true
		cfg.Poller.RefreshProfiles = &on
	}
	if cfg.Fanout.SendTimeout == 0 {
		cfg.Fanout.SendTimeout = 2 * time.Second
	}
	if cfg.Fanout.FriendCacheSize == 0 {
		cfg.Fanout.FriendCacheSize = 1024
	}
	if cfg.Fanout.FriendCacheTTL == 0 {
		cfg.Fanout.FriendCacheTTL = 15 * time.Second
	}
	if cfg.StateStore.Backend == "" {
		if cfg.StateStore.Redis.URL != "" || cfg.StateStore.Redis.Addr != "" {
			cfg.StateStore.Backend = BackendRedis
		} else {
			cfg.StateStore.Backend = BackendMemory
		}
	}
	if cfg.StateStore.ConnectTimeout == 0 {
		cfg.StateStore.ConnectTimeout = 5 * time.Second
	}
	if cfg.StateStore.Firestore.Collection == "" {
		cfg.StateStore.Firestore.Collection = "now-playing"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Spotify.Timeout == 0 {
		cfg.Spotify.Timeout = 5 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, "database.url (or DATABASE_URL) is required")
	}
	switch c.StateStore.Backend {
	case BackendRedis:
		if c.StateStore.Redis.URL == "" && c.StateStore.Redis.Addr == "" {
			errs = append(errs, "state_store.redis.url or addr is required for the redis backend")
		}
	case BackendFirestore:
		if c.StateStore.Firestore.ProjectID == "" {
			errs = append(errs, "state_store.firestore.project_id is required for the firestore backend")
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("state_store.backend %q is not one of redis, firestore, memory", c.StateStore.Backend))
	}
	if c.Poller.Interval < 0 || c.Poller.FetchTimeout < 0 || c.Poller.TTL < 0 {
		errs = append(errs, "poller durations must not be negative")
	}
	if c.Poller.TTL > 0 && c.Poller.TTL <= c.Poller.Interval {
		errs = append(errs, "poller.ttl must be longer than poller.interval")
	}
	if c.Poller.Workers < 0 {
		errs = append(errs, "poller.workers must not be negative")
	}
	if c.Changefeed.TopicID != "" && c.Changefeed.ProjectID == "" {
		errs = append(errs, "changefeed.project_id is required when changefeed.topic_id is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
