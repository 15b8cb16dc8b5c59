// Package config loads the rundownd configuration: built-in defaults, an
// optional YAML file, then environment variables (a .env file is loaded
// first when present).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/rundown/internal/errors"
)

// Config holds every tunable of the server and its sessions.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
	// AllowedOrigins limits websocket upgrades; empty allows same-host only.
	AllowedOrigins []string `yaml:"allowed_origins"`
	DebugMode      bool     `yaml:"debug_mode"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig holds the session timing knobs. The server hands it to
// clients so every editor of a rundown runs with the same timings; JSON
// durations are nanoseconds.
type SyncConfig struct {
	Debounce         time.Duration `yaml:"debounce" json:"debounce"`
	EditWindow       time.Duration `yaml:"edit_window" json:"editWindow"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" json:"watchdogInterval"`
	PushTimeout      time.Duration `yaml:"push_timeout" json:"pushTimeout"`
	ActivityWindow   time.Duration `yaml:"activity_window" json:"activityWindow"`
	MaxBackoff       time.Duration `yaml:"max_backoff" json:"maxBackoff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		HTTPAddr: ":8090",
		LogLevel: "INFO",
		Sync: SyncConfig{
			Debounce:         800 * time.Millisecond,
			EditWindow:       2 * time.Second,
			WatchdogInterval: 5 * time.Second,
			PushTimeout:      30 * time.Second,
			ActivityWindow:   10 * time.Minute,
			MaxBackoff:       time.Minute,
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file
// is ignored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = getEnv("RUNDOWN_CONFIG", "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "parse config file", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("RUNDOWN_DATA_DIR", c.DataDir)
	c.HTTPAddr = getEnv("RUNDOWN_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("RUNDOWN_LOG_LEVEL", c.LogLevel)
	c.DebugMode = getEnvAsBool("RUNDOWN_DEBUG", c.DebugMode)

	c.Sync.Debounce = getEnvAsMillis("RUNDOWN_DEBOUNCE_MS", c.Sync.Debounce)
	c.Sync.EditWindow = getEnvAsMillis("RUNDOWN_EDIT_WINDOW_MS", c.Sync.EditWindow)
	c.Sync.WatchdogInterval = getEnvAsMillis("RUNDOWN_WATCHDOG_INTERVAL_MS", c.Sync.WatchdogInterval)
	c.Sync.PushTimeout = getEnvAsMillis("RUNDOWN_PUSH_TIMEOUT_MS", c.Sync.PushTimeout)
	c.Sync.ActivityWindow = getEnvAsMillis("RUNDOWN_ACTIVITY_WINDOW_MS", c.Sync.ActivityWindow)
	c.Sync.MaxBackoff = getEnvAsMillis("RUNDOWN_MAX_BACKOFF_MS", c.Sync.MaxBackoff)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalid, "data_dir must be set")
	}
	if c.HTTPAddr == "" {
		return errors.New(errors.ErrInvalid, "http_addr must be set")
	}
	s := c.Sync
	for _, d := range []time.Duration{s.Debounce, s.EditWindow, s.WatchdogInterval, s.PushTimeout, s.ActivityWindow, s.MaxBackoff} {
		if d <= 0 {
			return errors.New(errors.ErrInvalid, "sync durations must be positive")
		}
	}
	if s.MaxBackoff < s.WatchdogInterval {
		return errors.New(errors.ErrInvalid, "max_backoff must not be shorter than watchdog_interval")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvAsInt(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
