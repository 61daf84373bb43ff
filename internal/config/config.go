package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/dispatch"
)

// Config is the studysync configuration file.
type Config struct {
	Storage      StorageConfig      `toml:"storage"`
	Remote       RemoteConfig       `toml:"remote"`
	Sync         SyncConfig         `toml:"sync"`
	Breaker      BreakerConfig      `toml:"breaker"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Logging      LoggingConfig      `toml:"logging"`
}

// StorageConfig locates the on-device database.
type StorageConfig struct {
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
}

// RemoteConfig points at the remote authority.
type RemoteConfig struct {
	BaseURL  string `toml:"base_url"`
	Token    string `toml:"token"`
	TokenEnv string `toml:"token_env"`
}

// SyncConfig tunes draining.
type SyncConfig struct {
	Workers     int           `toml:"workers"`
	CallTimeout time.Duration `toml:"call_timeout"`
	MaxAttempts int           `toml:"max_attempts"`
	Interval    time.Duration `toml:"interval"`
	RetryMin    time.Duration `toml:"retry_min"`
	RetryMax    time.Duration `toml:"retry_max"`
}

// BreakerConfig holds the default breaker thresholds and per-endpoint
// overrides keyed by action name ("create-course").
type BreakerConfig struct {
	FailureThreshold int                       `toml:"failure_threshold"`
	SuccessThreshold int                       `toml:"success_threshold"`
	Timeout          time.Duration             `toml:"timeout"`
	ResetTimeout     time.Duration             `toml:"reset_timeout"`
	Endpoints        map[string]breaker.Config `toml:"endpoints"`
}

// ConnectivityConfig controls the reachability probe.
type ConnectivityConfig struct {
	ProbeURL      string        `toml:"probe_url"`
	ProbeInterval time.Duration `toml:"probe_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with working defaults for local use.
func DefaultConfig() *Config {
	b := breaker.DefaultConfig()
	d := dispatch.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			Path:      "studysync.db",
			Namespace: "studysync",
		},
		Remote: RemoteConfig{
			TokenEnv: "STUDYSYNC_TOKEN",
		},
		Sync: SyncConfig{
			Workers:     d.Workers,
			CallTimeout: d.CallTimeout,
			MaxAttempts: d.MaxAttempts,
			Interval:    time.Minute,
			RetryMin:    time.Second,
			RetryMax:    5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			Timeout:          b.Timeout,
			ResetTimeout:     b.ResetTimeout,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults.
// Unknown keys are an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Load returns the defaults when path is empty or names a missing file,
// and the parsed file otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadFromFile(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must be specified")
	}
	if c.Storage.Namespace == "" {
		return fmt.Errorf("storage namespace must be specified")
	}
	if strings.Contains(c.Storage.Namespace, ":") {
		return fmt.Errorf("storage namespace must not contain ':'")
	}

	if c.Remote.BaseURL != "" && !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote base_url must be an http(s) URL: %s", c.Remote.BaseURL)
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive")
	}
	if c.Sync.CallTimeout <= 0 {
		return fmt.Errorf("sync call_timeout must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max_attempts must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Sync.RetryMin <= 0 || c.Sync.RetryMax < c.Sync.RetryMin {
		return fmt.Errorf("sync retry_min must be positive and not above retry_max")
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Breaker.Timeout <= 0 || c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker timeout and reset_timeout must be positive")
	}
	for endpoint, e := range c.Breaker.Endpoints {
		if e.FailureThreshold < 0 || e.SuccessThreshold < 0 || e.Timeout < 0 || e.ResetTimeout < 0 {
			return fmt.Errorf("breaker endpoint %s: values must not be negative", endpoint)
		}
	}

	if c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity probe_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}
	return nil
}

// ResolveToken returns the bearer token: the token key if set, otherwise the
// environment variable named by token_env.
func (r RemoteConfig) ResolveToken() string {
	if r.Token != "" {
		return r.Token
	}
	if r.TokenEnv != "" {
		return os.Getenv(r.TokenEnv)
	}
	return ""
}

// ProbeTarget returns the URL the connectivity prober polls: probe_url, or
// the remote base URL when unset. Empty means no probing.
func (c *Config) ProbeTarget() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.BaseURL
}

// Dispatch returns the dispatcher settings.
func (s SyncConfig) Dispatch() dispatch.Config {
	return dispatch.Config{Workers: s.Workers, CallTimeout: s.CallTimeout, MaxAttempts: s.MaxAttempts}
}

// Defaults returns the breaker thresholds every endpoint starts from.
func (b BreakerConfig) Defaults() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout,
		ResetTimeout:     b.ResetTimeout,
	}
}
