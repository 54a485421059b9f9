// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".cordillera"
	configFileName = "cordillera.yaml"
)

var (
	global   *Config
	loadOnce sync.Once
	loadErr  error
	validate = validator.New()
)

// Load returns the process-wide configuration, reading
// ~/.cordillera/cordillera.yaml on first call. A missing file is created
// from Default() so a fresh host works out of the box.
//
// # Outputs
//   - *Config: the validated configuration.
//   - error: unreadable file, malformed YAML, or validation failure.
//
// # Thread Safety
//   - Safe for concurrent use; the load happens exactly once.
func Load() (*Config, error) {
	loadOnce.Do(func() {
		global, loadErr = loadInternal()
	})
	return global, loadErr
}

// LoadFile reads and validates a configuration from an explicit path,
// bypassing the process-wide singleton. Used by tests and the --config
// flag.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := finalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadInternal() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	return LoadFile(path)
}

// DefaultPath returns the standard config location for the current user.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

// finalize expands paths, applies defaults, and validates.
func finalize(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	cfg.StateDir = expandHome(cfg.StateDir, home)
	cfg.BackupDir = expandHome(cfg.BackupDir, home)
	cfg.Offsite.CredentialsFile = expandHome(cfg.Offsite.CredentialsFile, home)

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(home, configDirName, "updates")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(home, configDirName, "backups")
	}
	if cfg.Runtime.Binary == "" {
		cfg.Runtime.Binary = "podman"
	}
	if cfg.Router.PointerPath == "" {
		cfg.Router.PointerPath = filepath.Join(cfg.StateDir, "active_generation")
	} else {
		cfg.Router.PointerPath = expandHome(cfg.Router.PointerPath, home)
	}
	if cfg.Update.DefaultStrategy == "" {
		cfg.Update.DefaultStrategy = "parallel-cutover"
	}
	if cfg.Update.RetryAttempts == 0 {
		cfg.Update.RetryAttempts = 3
	}
	if cfg.Update.RetentionDays == 0 {
		cfg.Update.RetentionDays = 30
	}
	if cfg.Update.RetentionMinKeep == 0 {
		cfg.Update.RetentionMinKeep = 5
	}
	if cfg.Update.MinDiskHeadroomMB == 0 {
		cfg.Update.MinDiskHeadroomMB = 1024
	}
	for i := range cfg.Units {
		if cfg.Units[i].HealthType == "" {
			if cfg.Units[i].HealthURL != "" {
				cfg.Units[i].HealthType = "http"
			} else {
				cfg.Units[i].HealthType = "container"
			}
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Offsite.Enabled && cfg.Offsite.Bucket == "" {
		return fmt.Errorf("invalid configuration: offsite.bucket is required when offsite.enabled is true")
	}
	seen := make(map[string]bool, len(cfg.Units))
	for _, u := range cfg.Units {
		if seen[u.Name] {
			return fmt.Errorf("invalid configuration: duplicate unit name %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
