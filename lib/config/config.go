// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local work against a test homeserver.
	Development Environment = "development"
	// Production is for long-running deployments.
	Production Environment = "production"
)

// Framing names the HTTP wire framing used on the connection.
type Framing string

const (
	FramingHTTP1 Framing = "http1"
	FramingHTTP2 Framing = "http2"
)

// Config is the configuration of the mxengine driver.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Homeserver HomeserverConfig `yaml:"homeserver"`
	Account    AccountConfig    `yaml:"account"`
	Store      StoreConfig      `yaml:"store"`
	Sync       SyncConfig       `yaml:"sync"`
	Log        LogConfig        `yaml:"log"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Sync *SyncConfig `yaml:"sync,omitempty"`
	Log  *LogConfig  `yaml:"log,omitempty"`
}

// HomeserverConfig locates the Matrix homeserver.
type HomeserverConfig struct {
	// URL is the base URL, e.g. https://matrix.example.org. An https
	// scheme enables TLS; the port defaults from the scheme.
	URL string `yaml:"url"`

	// Framing is "http1" or "http2". HTTP/2 requires TLS with ALPN
	// "h2" unless the server accepts prior-knowledge cleartext.
	// Default: http1
	Framing Framing `yaml:"framing"`
}

// AccountConfig identifies the account to log in as.
type AccountConfig struct {
	// UserID is the fully qualified Matrix user ID (@user:server).
	UserID string `yaml:"user_id"`

	// PasswordFile holds the account password, or "-" for stdin. When
	// empty the driver prompts on the terminal.
	PasswordFile string `yaml:"password_file"`

	// DeviceID reuses an existing device. Empty asks the server to
	// allocate one.
	DeviceID string `yaml:"device_id"`

	// DeviceDisplayName is shown to other users for new devices.
	// Default: mxengine
	DeviceDisplayName string `yaml:"device_display_name"`
}

// StoreConfig configures persistent session state.
type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps state in memory
	// only.
	Path string `yaml:"path"`

	// KeyFile holds the age private key used to seal the access
	// token and crypto state. Required when Path is set.
	KeyFile string `yaml:"key_file"`
}

// SyncConfig configures the sync loop.
type SyncConfig struct {
	// Timeout is the long-poll timeout sent to the server.
	// Default: 30s
	Timeout string `yaml:"timeout"`

	// FullState requests full room state on the first sync of a run.
	FullState bool `yaml:"full_state"`

	// MaxEvents bounds the events delivered per partial sync step.
	// Zero delivers whole syncs.
	MaxEvents int `yaml:"max_events"`

	// SetPresence is sent as set_presence (online, offline,
	// unavailable). Empty omits it.
	SetPresence string `yaml:"set_presence"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration. It provides values for
// fields a config file may omit; the file itself is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "mxengine")

	return &Config{
		Environment: Development,
		Homeserver: HomeserverConfig{
			Framing: FramingHTTP1,
		},
		Account: AccountConfig{
			DeviceDisplayName: "mxengine",
		},
		Store: StoreConfig{
			Path:    filepath.Join(dataDir, "session.db"),
			KeyFile: filepath.Join(dataDir, "store.key"),
		},
		Sync: SyncConfig{
			Timeout: "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the MXENGINE_CONFIG environment
// variable. There is no discovery: if it is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MXENGINE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MXENGINE_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc may carry comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a YAML subset; once comments are stripped the
		// YAML decoder reads it with the same struct tags.
		data = jsonc.ToJSON(data)
	}

	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Sync != nil {
		if overrides.Sync.Timeout != "" {
			c.Sync.Timeout = overrides.Sync.Timeout
		}
		if overrides.Sync.MaxEvents != 0 {
			c.Sync.MaxEvents = overrides.Sync.MaxEvents
		}
		if overrides.Sync.SetPresence != "" {
			c.Sync.SetPresence = overrides.Sync.SetPresence
		}
		// FullState is a bool, so it is always taken from the override.
		c.Sync.FullState = overrides.Sync.FullState
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.KeyFile = expandVars(c.Store.KeyFile, vars)
	c.Account.PasswordFile = expandVars(c.Account.PasswordFile, vars)
	c.Homeserver.URL = expandVars(c.Homeserver.URL, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. Provided
// vars win over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	} else if parsed, err := url.Parse(c.Homeserver.URL); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.url: %w", err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		errs = append(errs, fmt.Errorf("homeserver.url must use http or https, got %q", parsed.Scheme))
	} else if parsed.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver.url has no host"))
	}

	if c.Homeserver.Framing != FramingHTTP1 && c.Homeserver.Framing != FramingHTTP2 {
		errs = append(errs, fmt.Errorf("homeserver.framing must be http1 or http2, got %q", c.Homeserver.Framing))
	}

	if c.Account.UserID == "" {
		errs = append(errs, fmt.Errorf("account.user_id is required"))
	} else if _, err := ref.ParseUserID(c.Account.UserID); err != nil {
		errs = append(errs, fmt.Errorf("account.user_id: %w", err))
	}

	if c.Store.Path != "" && c.Store.KeyFile == "" {
		errs = append(errs, fmt.Errorf("store.key_file is required when store.path is set"))
	}

	if _, err := c.SyncTimeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("sync.max_events must not be negative"))
	}
	switch c.Sync.SetPresence {
	case "", "online", "offline", "unavailable":
	default:
		errs = append(errs, fmt.Errorf("sync.set_presence must be online, offline, or unavailable"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SyncTimeout parses Sync.Timeout.
func (c *Config) SyncTimeout() (time.Duration, error) {
	timeout, err := time.ParseDuration(c.Sync.Timeout)
	if err != nil {
		return 0, fmt.Errorf("sync.timeout: %w", err)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("sync.timeout must not be negative")
	}
	return timeout, nil
}

// EnsurePaths creates the parent directory of the store database.
func (c *Config) EnsurePaths() error {
	if c.Store.Path == "" {
		return nil
	}
	directory := filepath.Dir(c.Store.Path)
	if err := os.MkdirAll(directory, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}
