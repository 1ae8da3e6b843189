// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tether-remote/tether/envelope"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a Tether component.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Hub configures the connection to the Tether hub.
	Hub HubConfig `yaml:"hub"`

	// Identity configures the component's signing identity and the
	// keys it accepts commands from.
	Identity IdentityConfig `yaml:"identity"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Vnc configures the remote-desktop backend (agent only).
	Vnc VncConfig `yaml:"vnc"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Hub   *HubConfig   `yaml:"hub,omitempty"`
	Paths *PathsConfig `yaml:"paths,omitempty"`
	Vnc   *VncConfig   `yaml:"vnc,omitempty"`
}

// HubConfig configures the duplex channel to the hub.
type HubConfig struct {
	// URL is the hub's websocket base URL, e.g. wss://hub.example.com.
	// Clients append their role path (/hubs/agent, /hubs/viewer).
	URL string `yaml:"url"`

	// DeviceName is the human-readable name announced to viewers.
	// Default: the OS hostname.
	DeviceName string `yaml:"device_name"`
}

// IdentityConfig configures keys. Private keys live in files, never
// inline in the config, so the config itself can be world-readable.
type IdentityConfig struct {
	// KeyFile is the path to the hex-encoded Ed25519 private key this
	// component signs with.
	KeyFile string `yaml:"key_file"`

	// AuthorizedKeys are hex-encoded Ed25519 public keys whose
	// envelopes this component accepts. An agent lists its viewers'
	// keys here.
	AuthorizedKeys []string `yaml:"authorized_keys"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Tether data.
	// Default: ${HOME}/.tether
	Root string `yaml:"root"`

	// Resources is where support binaries are extracted.
	// Default: ${TETHER_ROOT}/resources
	Resources string `yaml:"resources"`

	// State is where runtime state is stored.
	// Default: ${TETHER_ROOT}/state
	State string `yaml:"state"`
}

// VncConfig configures the remote-desktop backend.
type VncConfig struct {
	// ServerPath is the backing VNC server executable.
	ServerPath string `yaml:"server_path"`

	// ProcessName is the executable name used to locate an
	// already-running backing process.
	ProcessName string `yaml:"process_name"`

	// SettingsFile is where the server settings document is written.
	// Default: ${TETHER_ROOT}/state/vnc-settings.yaml
	SettingsFile string `yaml:"settings_file"`

	// Elevated selects the service-managed flow. Default: false.
	Elevated bool `yaml:"elevated"`
}

// Default returns a Config with development defaults. Identity and
// Vnc.ServerPath have no defaults: they are host-specific and
// Validate rejects their absence where they are required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Hub: HubConfig{
			URL: "ws://localhost:8080",
		},
		Paths: PathsConfig{
			Root:      "${HOME}/.tether",
			Resources: "${TETHER_ROOT}/resources",
			State:     "${TETHER_ROOT}/state",
		},
		Vnc: VncConfig{
			SettingsFile: "${TETHER_ROOT}/state/vnc-settings.yaml",
		},
	}
}

// Load loads configuration from the TETHER_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if TETHER_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TETHER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TETHER_CONFIG environment variable not set; " +
			"set it to the path of your tether.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Hub != nil {
		if overrides.Hub.URL != "" {
			c.Hub.URL = overrides.Hub.URL
		}
		if overrides.Hub.DeviceName != "" {
			c.Hub.DeviceName = overrides.Hub.DeviceName
		}
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Resources != "" {
			c.Paths.Resources = overrides.Paths.Resources
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Vnc != nil {
		if overrides.Vnc.ServerPath != "" {
			c.Vnc.ServerPath = overrides.Vnc.ServerPath
		}
		if overrides.Vnc.ProcessName != "" {
			c.Vnc.ProcessName = overrides.Vnc.ProcessName
		}
		if overrides.Vnc.SettingsFile != "" {
			c.Vnc.SettingsFile = overrides.Vnc.SettingsFile
		}
		// Elevated is a bool, so overrides always apply it.
		c.Vnc.Elevated = overrides.Vnc.Elevated
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TETHER_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TETHER_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Resources = expandVars(c.Paths.Resources, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Identity.KeyFile = expandVars(c.Identity.KeyFile, vars)
	c.Vnc.ServerPath = expandVars(c.Vnc.ServerPath, vars)
	c.Vnc.SettingsFile = expandVars(c.Vnc.SettingsFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

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

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Hub.URL == "" {
		errs = append(errs, fmt.Errorf("hub.url is required"))
	} else if !strings.HasPrefix(c.Hub.URL, "ws://") && !strings.HasPrefix(c.Hub.URL, "wss://") {
		errs = append(errs, fmt.Errorf("hub.url must be a ws:// or wss:// URL"))
	}

	if c.Identity.KeyFile == "" {
		errs = append(errs, fmt.Errorf("identity.key_file is required"))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateAgent checks the additional fields an agent requires beyond
// Validate. Viewers skip this: they have no VNC backend and accept no
// inbound commands, so an empty authorized key list is fine for them.
func (c *Config) ValidateAgent() error {
	var errs []error

	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Identity.AuthorizedKeys) == 0 {
		errs = append(errs, fmt.Errorf("identity.authorized_keys is required for agents"))
	}

	if c.Vnc.ServerPath != "" && c.Vnc.ProcessName == "" {
		errs = append(errs, fmt.Errorf("vnc.process_name is required when vnc.server_path is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Resources, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// SigningKey reads and decodes the hex-encoded Ed25519 private key
// from Identity.KeyFile.
func (c *Config) SigningKey() (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(c.Identity.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding signing key %s: %w", c.Identity.KeyFile, err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key %s has wrong length: got %d bytes, want %d",
			c.Identity.KeyFile, len(decoded), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

// KeyRing builds the authorized key ring from Identity.AuthorizedKeys.
func (c *Config) KeyRing() (*envelope.KeyRing, error) {
	return envelope.ParseKeyRing(c.Identity.AuthorizedKeys)
}
