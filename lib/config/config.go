// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/cloudsync/lib/crdt"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "CLOUDSYNC_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Duration is a time.Duration written in YAML as a Go duration string
// ("90s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the receiver's configuration file.
type Config struct {
	Environment Environment   `yaml:"environment"`
	Paths       PathsConfig   `yaml:"paths"`
	Relay       RelayConfig   `yaml:"relay"`
	Sync        SyncConfig    `yaml:"sync"`
	Logging     LoggingConfig `yaml:"logging"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment block may replace.
// Only non-empty fields take effect.
type Overrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Relay   *RelayConfig   `yaml:"relay,omitempty"`
	Sync    *SyncConfig    `yaml:"sync,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// PathsConfig locates the receiver's files. Every path may use
// ${HOME}, ${CLOUDSYNC_DATA} (the data directory) and ${VAR:-default}.
type PathsConfig struct {
	// Data holds the watermark file.
	Data string `yaml:"data"`

	// Database is the SQLite file received operations are stored in.
	Database string `yaml:"database"`

	// KeyRing is the age-sealed key ring.
	KeyRing string `yaml:"key_ring"`

	// Identity is the age identity file that opens KeyRing.
	Identity string `yaml:"identity"`

	// AccessToken is re-read before every pull.
	AccessToken string `yaml:"access_token"`
}

// RelayConfig locates the relay.
type RelayConfig struct {
	// Address is the gRPC target of the Messages service.
	Address string `yaml:"address"`

	// Insecure disables TLS. Rejected in production.
	Insecure bool `yaml:"insecure"`

	// MaxMessageBytes raises the per-batch receive limit when set.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// DownloadTimeout bounds each signed-link download.
	DownloadTimeout Duration `yaml:"download_timeout"`
}

// SyncConfig identifies this device and tunes the receive loop.
type SyncConfig struct {
	Group  crdt.GroupID  `yaml:"group"`
	Device crdt.DeviceID `yaml:"device"`

	PollInterval Duration `yaml:"poll_interval"`
	Backoff      Duration `yaml:"backoff"`

	// Concurrency bounds parallel downloads. Zero means one per
	// available CPU.
	Concurrency int `yaml:"concurrency"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the values a config file is layered over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Data:        "${HOME}/.local/share/cloudsync",
			Database:    "${CLOUDSYNC_DATA}/operations.db",
			KeyRing:     "${CLOUDSYNC_DATA}/keyring.age",
			Identity:    "${CLOUDSYNC_DATA}/identity.txt",
			AccessToken: "${CLOUDSYNC_DATA}/access_token",
		},
		Relay: RelayConfig{
			DownloadTimeout: Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			PollInterval: Duration(time.Minute),
			Backoff:      Duration(time.Minute),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load loads the file named by CLOUDSYNC_CONFIG. There is no search
// path: without the variable, Load fails.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of the receiver config file, or use --config",
			EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, applies the overrides for the
// configured environment and expands path variables. The result is
// not validated; call Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	config.applyOverrides()
	config.expandPaths()
	return config, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		override(&c.Paths.Data, paths.Data)
		override(&c.Paths.Database, paths.Database)
		override(&c.Paths.KeyRing, paths.KeyRing)
		override(&c.Paths.Identity, paths.Identity)
		override(&c.Paths.AccessToken, paths.AccessToken)
	}
	if relay := overrides.Relay; relay != nil {
		override(&c.Relay.Address, relay.Address)
		// A bool cannot distinguish "unset" from false, so an
		// override section always decides Insecure.
		c.Relay.Insecure = relay.Insecure
		override(&c.Relay.MaxMessageBytes, relay.MaxMessageBytes)
		override(&c.Relay.DownloadTimeout, relay.DownloadTimeout)
	}
	if sync := overrides.Sync; sync != nil {
		override(&c.Sync.Group, sync.Group)
		override(&c.Sync.Device, sync.Device)
		override(&c.Sync.PollInterval, sync.PollInterval)
		override(&c.Sync.Backoff, sync.Backoff)
		override(&c.Sync.Concurrency, sync.Concurrency)
	}
	if logging := overrides.Logging; logging != nil {
		override(&c.Logging.Level, logging.Level)
	}
}

func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandPaths() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Data = expand(c.Paths.Data, vars)
	vars["CLOUDSYNC_DATA"] = c.Paths.Data

	c.Paths.Database = expand(c.Paths.Database, vars)
	c.Paths.KeyRing = expand(c.Paths.KeyRing, vars)
	c.Paths.Identity = expand(c.Paths.Identity, vars)
	c.Paths.AccessToken = expand(c.Paths.AccessToken, vars)
}

func expand(text string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("environment must be %q or %q, got %q", Development, Production, c.Environment))
	}
	for _, field := range []struct{ name, path string }{
		{"paths.data", c.Paths.Data},
		{"paths.database", c.Paths.Database},
		{"paths.key_ring", c.Paths.KeyRing},
		{"paths.identity", c.Paths.Identity},
		{"paths.access_token", c.Paths.AccessToken},
	} {
		if field.path == "" {
			errs = append(errs, fmt.Errorf("%s is required", field.name))
		} else if !filepath.IsAbs(field.path) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", field.name, field.path))
		}
	}
	if c.Relay.Address == "" {
		errs = append(errs, errors.New("relay.address is required"))
	}
	if c.Relay.Insecure && c.Environment == Production {
		errs = append(errs, errors.New("relay.insecure is not allowed in production"))
	}
	if c.Relay.MaxMessageBytes < 0 {
		errs = append(errs, errors.New("relay.max_message_bytes must not be negative"))
	}
	if c.Relay.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("relay.download_timeout must be positive"))
	}
	if c.Sync.Group.IsZero() {
		errs = append(errs, errors.New("sync.group is required"))
	}
	if c.Sync.Device.IsZero() {
		errs = append(errs, errors.New("sync.device is required"))
	}
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, errors.New("sync.poll_interval must be positive"))
	}
	if c.Sync.Backoff <= 0 {
		errs = append(errs, errors.New("sync.backoff must be positive"))
	}
	if c.Sync.Concurrency < 0 {
		errs = append(errs, errors.New("sync.concurrency must not be negative"))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// EnsurePaths creates the data directory and the directories of the
// database and key ring.
func (c *Config) EnsurePaths() error {
	directories := []string{
		c.Paths.Data,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.KeyRing),
	}
	for _, directory := range directories {
		if err := os.MkdirAll(directory, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}
