// Package config loads the optional per-repository configuration from
// .crit/config.toml. Missing files yield defaults; unknown keys are
// ignored.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bobisme/botcrit/internal/event"
)

// Config holds the engine configuration.
type Config struct {
	// DefaultAgent is the identity used when no author is passed and no
	// identity environment variable is set.
	DefaultAgent string `toml:"default_agent"`
	// LockTimeoutSeconds bounds event-log lock acquisition.
	LockTimeoutSeconds int `toml:"lock_timeout_seconds"`
	// ContextLines is the default window around a thread anchor.
	ContextLines int `toml:"context_lines"`
	// WatchDebounceMS is the settle delay for watch-mode resyncs.
	WatchDebounceMS int `toml:"watch_debounce_ms"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LockTimeoutSeconds: 10,
		ContextLines:       3,
		WatchDebounceMS:    200,
	}
}

// Path returns the config file location under root's .crit directory.
func Path(root string) string {
	return filepath.Join(root, ".crit", "config.toml")
}

// Load reads the repo config, falling back to defaults when the file
// does not exist.
func Load(root string) (*Config, error) {
	return LoadFrom(Path(root))
}

// LoadFrom reads a config file at an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LockTimeout converts the configured lock bound to a duration. Zero or
// negative values fall back to the default.
func (c *Config) LockTimeout() time.Duration {
	secs := c.LockTimeoutSeconds
	if secs <= 0 {
		secs = DefaultConfig().LockTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// WatchDebounce converts the configured debounce to a duration.
func (c *Config) WatchDebounce() time.Duration {
	ms := c.WatchDebounceMS
	if ms <= 0 {
		ms = DefaultConfig().WatchDebounceMS
	}
	return time.Duration(ms) * time.Millisecond
}

// ResolveAgent determines the acting identity using the configured
// default as the pre-OS-user fallback: explicit argument, then the
// identity environment variables, then default_agent, then $USER.
func (c *Config) ResolveAgent(explicit string) (string, error) {
	return event.ResolveAgent(explicit, c.DefaultAgent)
}
