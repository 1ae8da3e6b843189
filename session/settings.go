// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// VncSettings is the configuration the backing VNC server reads at
// startup. Tether writes it and never reads it back — the server owns
// the values after that.
type VncSettings struct {
	AllowLoopback     bool   `yaml:"AllowLoopback"`
	LoopbackOnly      bool   `yaml:"LoopbackOnly"`
	UseAuthentication bool   `yaml:"UseAuthentication"`
	RemoveWallpaper   bool   `yaml:"RemoveWallpaper"`
	Password          []byte `yaml:"Password"`
}

// SettingsWriter persists VncSettings to the platform's configuration
// store for the backing server. Implementations are write-only.
type SettingsWriter interface {
	WriteSettings(settings VncSettings) error
}

// NewFileSettings returns a SettingsWriter that persists the settings
// as a YAML document at path, the configuration surface for backing
// servers that read a settings file. The file is written with mode
// 0600: it carries the encrypted session password.
func NewFileSettings(path string) SettingsWriter {
	return &fileSettings{path: path}
}

type fileSettings struct {
	path string
}

func (f *fileSettings) WriteSettings(settings VncSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("session: encoding VNC settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("session: creating VNC settings directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("session: writing VNC settings: %w", err)
	}
	return nil
}
