package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/studysync/internal/breaker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "studysync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "studysync.db", cfg.Storage.Path)
	assert.Equal(t, "studysync", cfg.Storage.Namespace)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 10*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[storage]
path = "/var/lib/studysync/queue.db"
namespace = "user-42"

[remote]
base_url = "https://api.studysync.test"
token = "secret"

[sync]
workers = 2
call_timeout = "5s"
interval = "2m"

[breaker]
failure_threshold = 3

[breaker.endpoints.create-course]
failure_threshold = 10
reset_timeout = "1m"

[connectivity]
probe_url = "https://api.studysync.test/health"
probe_interval = "15s"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "user-42", cfg.Storage.Namespace)
	assert.Equal(t, "https://api.studysync.test", cfg.Remote.BaseURL)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, 5*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10, cfg.Breaker.Endpoints["create-course"].FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Endpoints["create-course"].ResetTimeout)
	assert.Equal(t, 15*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Breaker.Defaults().FailureThreshold)
	assert.Equal(t, 2, cfg.Sync.Dispatch().Workers)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	path := writeConfig(t, "[sync]\nworkerz = 3\n")
	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "sync.workerz")
}

func TestLoadFromFile_Malformed(t *testing.T) {
	path := writeConfig(t, "[sync\nworkers = ")
	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty path", func(c *Config) { c.Storage.Path = "" }, "storage path"},
		{"namespace colon", func(c *Config) { c.Storage.Namespace = "a:b" }, "namespace"},
		{"bad base url", func(c *Config) { c.Remote.BaseURL = "ftp://x" }, "base_url"},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }, "workers"},
		{"retry bounds", func(c *Config) { c.Sync.RetryMax = time.Millisecond }, "retry_min"},
		{"breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "thresholds"},
		{"negative endpoint", func(c *Config) {
			c.Breaker.Endpoints = map[string]breaker.Config{"x": {FailureThreshold: -1}}
		}, "endpoint x"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestResolveToken(t *testing.T) {
	t.Setenv("STUDYSYNC_TEST_TOKEN", "from-env")
	assert.Equal(t, "inline", RemoteConfig{Token: "inline", TokenEnv: "STUDYSYNC_TEST_TOKEN"}.ResolveToken())
	assert.Equal(t, "from-env", RemoteConfig{TokenEnv: "STUDYSYNC_TEST_TOKEN"}.ResolveToken())
	assert.Equal(t, "", RemoteConfig{}.ResolveToken())
}

func TestProbeTarget(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.ProbeTarget())
	cfg.Remote.BaseURL = "https://api.studysync.test"
	assert.Equal(t, "https://api.studysync.test", cfg.ProbeTarget())
	cfg.Connectivity.ProbeURL = "https://status.studysync.test"
	assert.Equal(t, "https://status.studysync.test", cfg.ProbeTarget())
}
