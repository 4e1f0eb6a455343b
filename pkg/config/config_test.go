package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsFromEnvOnly(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/nowplaying")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 180*time.Second, cfg.Poller.TTL)
	assert.Equal(t, 4*time.Second, cfg.Poller.FetchTimeout)
	assert.Equal(t, "now_playing:", cfg.Poller.KeyPrefix)
	assert.True(t, *cfg.Poller.RefreshProfiles)
	assert.Equal(t, BackendMemory, cfg.StateStore.Backend)
}

func TestLoad_YAMLWithExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	path := writeConfig(t, `
log_level: debug
server:
  http_port: ":9000"
  allowed_origins: ["https://app.example.com"]
poller:
  interval: 10s
  workers: 4
  refresh_profiles: false
state_store:
  redis:
    addr: "localhost:6379"
database:
  url: "postgres://app:${TEST_DB_PASSWORD}@db/app"
  auto_migrate: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 4, cfg.Poller.Workers)
	assert.False(t, *cfg.Poller.RefreshProfiles)
	assert.Equal(t, BackendRedis, cfg.StateStore.Backend, "redis address selects the redis backend")
	assert.Equal(t, "postgres://app:s3cret@db/app", cfg.Database.URL)
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":              "8080",
		"REDIS_URL":         "redis://public:6379",
		"REDIS_PRIVATE_URL": "redis://private:6379",
		"JWT_SECRET":        "jwt",
		"POLL_INTERVAL":     "3",
		"FRONTEND_URL":      "https://app.example.com",
		"SPOTIFY_CLIENT_ID": "cid",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	var cfg Config
	require.NoError(t, applyEnvOverrides(&cfg, lookup))

	assert.Equal(t, ":8080", cfg.Server.HTTPPort)
	assert.Equal(t, "redis://private:6379", cfg.StateStore.Redis.URL, "private url wins")
	assert.Equal(t, "jwt", cfg.Server.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.Poller.Interval)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "cid", cfg.Spotify.ClientID)
}

func TestApplyEnvOverrides_BadInterval(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "POLL_INTERVAL" {
			return "soon", true
		}
		return "", false
	}
	var cfg Config
	assert.Error(t, applyEnvOverrides(&cfg, lookup))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Database: DatabaseConfig{URL: "postgres://x"}}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing database", func(t *testing.T) {
		cfg := valid()
		cfg.Database.URL = ""
		assert.ErrorContains(t, cfg.Validate(), "database.url")
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.StateStore.Backend = "memcached"
		assert.ErrorContains(t, cfg.Validate(), "memcached")
	})

	t.Run("firestore needs a project", func(t *testing.T) {
		cfg := valid()
		cfg.StateStore.Backend = BackendFirestore
		assert.ErrorContains(t, cfg.Validate(), "project_id")
	})

	t.Run("ttl must outlive the interval", func(t *testing.T) {
		cfg := valid()
		cfg.Poller.TTL = cfg.Poller.Interval
		assert.ErrorContains(t, cfg.Validate(), "poller.ttl")
	})

	t.Run("changefeed needs a project", func(t *testing.T) {
		cfg := valid()
		cfg.Changefeed.TopicID = "presence"
		assert.ErrorContains(t, cfg.Validate(), "changefeed.project_id")
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("NP_TEST_VAR", "value")
	assert.Equal(t, "a-value-b", expandEnvVars("a-${NP_TEST_VAR}-b"))
	assert.Equal(t, "a--b", expandEnvVars("a-${NP_TEST_UNSET_VAR}-b"))
}
