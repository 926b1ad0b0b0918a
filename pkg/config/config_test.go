package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.ErrorContains(t, cfg.Validate(), "jwt secret is required", "writes are authenticated unless opted out")
	cfg.JWTSecret = "secret"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL())
	assert.Equal(t, 10*time.Minute, cfg.Cache.ListTTL())
	assert.Equal(t, PaginationConfig{DefaultPage: 1, DefaultLimit: 10, MaxLimit: 100}, cfg.Pagination)
	assert.True(t, cfg.Cache.AsyncEnabled)
	assert.True(t, cfg.Cache.InvalidationEnabled)
	assert.True(t, cfg.Cache.ListInvalidationEnabled)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestApplyEnv(t *testing.T) {
	t.Run("Overrides every recognised key", func(t *testing.T) {
		// Arrange
		cfg := Default()
		env := map[string]string{
			"CACHE_TTL":                  "60",
			"CACHE_LIST_TTL":             "120",
			"DEFAULT_PAGE":               "2",
			"DEFAULT_LIMIT":              "20",
			"MAX_LIMIT":                  "50",
			"ASYNC_CACHE_ENABLED":        "false",
			"CACHE_INVALIDATION_ENABLED": "0",
			"LIST_INVALIDATION_ENABLED":  "FALSE",
			"EVENT_EMISSION_ENABLED":     "false",
			"REDIS_HOST":                 "cache.internal",
			"REDIS_PORT":                 "6380",
			"REDIS_PASSWORD":             "secret",
			"REDIS_DB":                   "3",
			"HTTP_PORT":                  "9090",
			"JWT_SECRET":                 "jwt",
			"ALLOW_ANONYMOUS_WRITES":     "true",
			"GCS_ARCHIVE_BUCKET":         "archive",
			"GCS_ARCHIVE_PREFIX":         "events",
		}

		// Act
		err := applyEnv(&cfg, mapLookup(env))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Cache.TTL())
		assert.Equal(t, 2*time.Minute, cfg.Cache.ListTTL())
		assert.Equal(t, PaginationConfig{DefaultPage: 2, DefaultLimit: 20, MaxLimit: 50}, cfg.Pagination)
		assert.False(t, cfg.Cache.AsyncEnabled)
		assert.False(t, cfg.Cache.InvalidationEnabled)
		assert.False(t, cfg.Cache.ListInvalidationEnabled)
		assert.False(t, cfg.Events.Enabled)
		assert.Equal(t, RedisConfig{Host: "cache.internal", Port: 6380, Password: "secret", DB: 3}, cfg.Redis)
		assert.Equal(t, ":9090", cfg.HTTPPort)
		assert.Equal(t, "jwt", cfg.JWTSecret)
		assert.True(t, cfg.AllowAnonymousWrites)
		assert.Equal(t, "archive", cfg.Events.ArchiveBucket)
		assert.Equal(t, "events", cfg.Events.ArchivePrefix)
	})

	t.Run("Empty values keep defaults", func(t *testing.T) {
		cfg := Default()

		require.NoError(t, applyEnv(&cfg, mapLookup(map[string]string{"CACHE_TTL": "", "REDIS_HOST": ""})))

		assert.Equal(t, Default(), cfg)
	})

	t.Run("Malformed values are reported together", func(t *testing.T) {
		cfg := Default()

		err := applyEnv(&cfg, mapLookup(map[string]string{"CACHE_TTL": "five", "ASYNC_CACHE_ENABLED": "maybe"}))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "CACHE_TTL")
		assert.Contains(t, err.Error(), "ASYNC_CACHE_ENABLED")
	})
}

func TestLoad(t *testing.T) {
	t.Run("YAML then environment", func(t *testing.T) {
		// Arrange
		path := filepath.Join(t.TempDir(), "config.yaml")
		yamlContent := `
log_level: debug
redis:
  host: redis.yaml
  port: 6390
cache:
  ttl_seconds: 30
  list_ttl_seconds: 90
pagination:
  default_page: 1
  default_limit: 5
  max_limit: 25
`
		require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))
		t.Setenv("REDIS_HOST", "redis.env")
		t.Setenv("JWT_SECRET", "secret")

		// Act
		cfg, err := Load(path)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "redis.env", cfg.Redis.Host, "environment wins over the file")
		assert.Equal(t, 6390, cfg.Redis.Port)
		assert.Equal(t, 30*time.Second, cfg.Cache.TTL())
		assert.Equal(t, 5, cfg.Pagination.DefaultLimit)
		assert.True(t, cfg.Cache.AsyncEnabled, "keys absent from the file keep their defaults")
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("Invalid result", func(t *testing.T) {
		t.Setenv("DEFAULT_LIMIT", "500")

		_, err := Load("")

		assert.ErrorContains(t, err, "exceeds max limit")
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "Missing jwt secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "jwt secret"},
		{name: "Zero ttl", mutate: func(c *Config) { c.Cache.TTLSeconds = 0 }, wantErr: "cache ttl"},
		{name: "Zero page", mutate: func(c *Config) { c.Pagination.DefaultPage = 0 }, wantErr: "default page"},
		{name: "Bad port", mutate: func(c *Config) { c.Redis.Port = 70000 }, wantErr: "redis port"},
		{name: "Topic without project", mutate: func(c *Config) { c.Events.PubsubTopicID = "t" }, wantErr: "project id"},
		{name: "Listener without project", mutate: func(c *Config) {
			c.Events.Enabled = false
			c.Events.InvalidationID = "sub"
		}, wantErr: "project id"},
		{name: "Table without dataset", mutate: func(c *Config) {
			c.Events.ProjectID = "p"
			c.Events.BQTableID = "t"
		}, wantErr: "dataset id"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.JWTSecret = "secret"
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}

	t.Run("Anonymous writes opted in", func(t *testing.T) {
		cfg := Default()
		cfg.AllowAnonymousWrites = true

		assert.NoError(t, cfg.Validate())
	})
}
