// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"time"
)

// Config is the operator-facing configuration for the update engine,
// loaded from ~/.cordillera/cordillera.yaml.
type Config struct {
	// StateDir holds durable session records and the router pointer.
	StateDir string `yaml:"state_dir"`

	// BackupDir holds store snapshot artifacts.
	BackupDir string `yaml:"backup_dir"`

	// Runtime configures the container runtime.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Units are the application services managed by updates. May be
	// empty for read-only commands; an upgrade over zero units is a
	// no-op the orchestrator reports as such.
	Units []UnitConfig `yaml:"units" validate:"dive"`

	// Stores are the persistent data stores backed up before updates.
	Stores []StoreConfig `yaml:"stores" validate:"dive"`

	// Verification configures keyless image signature verification.
	Verification VerificationConfig `yaml:"verification"`

	// Router configures the traffic-routing pointer for cutovers.
	Router RouterConfig `yaml:"router"`

	// Update configures orchestrator behavior.
	Update UpdateConfig `yaml:"update"`

	// Offsite configures optional GCS copies of backup artifacts.
	Offsite OffsiteConfig `yaml:"offsite"`
}

// RuntimeConfig selects the container runtime binary.
type RuntimeConfig struct {
	// Binary is the runtime executable. Default: "podman".
	Binary string `yaml:"binary"`

	// Network is the container network units attach to.
	Network string `yaml:"network"`
}

// UnitConfig describes one managed service.
type UnitConfig struct {
	// Name is the logical service name; container names derive from it.
	Name string `yaml:"name" validate:"required"`

	// Image is the repository reference without a tag; the target
	// version becomes the tag.
	Image string `yaml:"image" validate:"required"`

	// Port is the container port published for the service.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// HealthURL is the readiness endpoint, for http health checks.
	HealthURL string `yaml:"health_url"`

	// HealthType is one of http, tcp, container. Default: http when
	// HealthURL is set, container otherwise.
	HealthType string `yaml:"health_type" validate:"omitempty,oneof=http tcp container"`

	// Critical units gate phase transitions; non-critical units only
	// degrade the verdict.
	Critical bool `yaml:"critical"`

	// Env is extra environment passed to the container.
	Env map[string]string `yaml:"env,omitempty"`
}

// ImageRef returns the fully qualified reference for a version.
func (u UnitConfig) ImageRef(version string) string {
	return fmt.Sprintf("%s:%s", u.Image, version)
}

// StoreConfig describes one persistent store and its external
// backup/restore command pair.
type StoreConfig struct {
	// ID names the store.
	ID string `yaml:"id" validate:"required"`

	// Kind selects the readiness probe: weaviate, influxdb, or custom.
	Kind string `yaml:"kind" validate:"required,oneof=weaviate influxdb custom"`

	// URL is the store endpoint, used by readiness probes.
	URL string `yaml:"url"`

	// Token authenticates the probe, for stores that need one.
	Token string `yaml:"token,omitempty"`

	// BackupCommand exports a consistent snapshot. The artifact path is
	// passed in the CORDILLERA_SNAPSHOT_PATH environment variable. Must
	// be idempotent.
	BackupCommand []string `yaml:"backup_command" validate:"required,min=1"`

	// RestoreCommand imports a snapshot, same contract. Must be
	// idempotent: restoring the same snapshot twice yields the same
	// end state.
	RestoreCommand []string `yaml:"restore_command" validate:"required,min=1"`
}

// VerificationConfig configures keyless signature verification.
type VerificationConfig struct {
	// Enabled defaults to true; disabling is discouraged.
	Enabled *bool `yaml:"enabled,omitempty"`

	// IdentityRegexp matches trusted build identities.
	IdentityRegexp string `yaml:"identity_regexp"`

	// OIDCIssuer is the expected certificate issuer.
	OIDCIssuer string `yaml:"oidc_issuer"`

	// RekorURL overrides the transparency log endpoint.
	RekorURL string `yaml:"rekor_url,omitempty"`

	// Parallelism bounds concurrent checks. Default: 4.
	Parallelism int `yaml:"parallelism" validate:"omitempty,min=1,max=32"`

	// TimeoutSeconds is the per-image budget. Default: 60.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"omitempty,min=1"`
}

// IsEnabled resolves the default-true Enabled flag.
func (v VerificationConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// RouterConfig configures the traffic-routing pointer.
type RouterConfig struct {
	// PointerPath is the file holding the live generation name. Empty
	// defaults to {state_dir}/active_generation.
	PointerPath string `yaml:"pointer_path"`

	// ReloadCommand is run after the pointer changes, typically a proxy
	// reload. Optional.
	ReloadCommand []string `yaml:"reload_command,omitempty"`
}

// UpdateConfig tunes orchestrator behavior.
type UpdateConfig struct {
	// DefaultStrategy is used when the CLI does not specify one.
	// Default: parallel-cutover.
	DefaultStrategy string `yaml:"default_strategy" validate:"omitempty,oneof=parallel-cutover sequential-replace"`

	// PhaseTimeoutSeconds is the per-phase budget. Default: 600.
	PhaseTimeoutSeconds int `yaml:"phase_timeout_seconds" validate:"omitempty,min=1"`

	// GracePeriodSeconds retains the old generation after cutover so a
	// rollback stays a pointer flip. Default: 300.
	GracePeriodSeconds int `yaml:"grace_period_seconds" validate:"omitempty,min=0"`

	// RetryAttempts bounds per-unit transient retries. Default: 3.
	RetryAttempts int `yaml:"retry_attempts" validate:"omitempty,min=1,max=10"`

	// RetryBackoffMS is the pause between unit retries. Default: 2000.
	RetryBackoffMS int `yaml:"retry_backoff_ms" validate:"omitempty,min=0"`

	// MinDiskHeadroomMB is the free space validation requires in the
	// backup directory before a non-dry-run session proceeds.
	// Default: 1024.
	MinDiskHeadroomMB int64 `yaml:"min_disk_headroom_mb" validate:"omitempty,min=0"`

	// RetentionDays is how long terminal sessions are kept. Default: 30.
	RetentionDays int `yaml:"retention_days" validate:"omitempty,min=1"`

	// RetentionMinKeep is the floor of records kept regardless of age.
	// Default: 5.
	RetentionMinKeep int `yaml:"retention_min_keep" validate:"omitempty,min=0"`
}

// PhaseTimeout returns the per-phase budget as a duration.
func (u UpdateConfig) PhaseTimeout() time.Duration {
	if u.PhaseTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(u.PhaseTimeoutSeconds) * time.Second
}

// RetryBackoff returns the pause between unit retries.
func (u UpdateConfig) RetryBackoff() time.Duration {
	if u.RetryBackoffMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(u.RetryBackoffMS) * time.Millisecond
}

// GracePeriod returns the old-generation retention window.
func (u UpdateConfig) GracePeriod() time.Duration {
	return time.Duration(u.GracePeriodSeconds) * time.Second
}

// OffsiteConfig configures GCS copies of backup artifacts.
type OffsiteConfig struct {
	// Enabled turns offsite copies on.
	Enabled bool `yaml:"enabled"`

	// ProjectID is the GCP project.
	ProjectID string `yaml:"project_id"`

	// Bucket receives the artifacts.
	Bucket string `yaml:"bucket"`

	// CredentialsFile is a service account key path.
	CredentialsFile string `yaml:"credentials_file"`
}

// ImagesFor returns the fully qualified image references all units would
// run at the given version.
func (c *Config) ImagesFor(version string) []string {
	refs := make([]string, 0, len(c.Units))
	for _, unit := range c.Units {
		refs = append(refs, unit.ImageRef(version))
	}
	return refs
}

// Default returns the built-in configuration written on first run.
func Default() *Config {
	enabled := true
	return &Config{
		StateDir:  "~/.cordillera/updates",
		BackupDir: "~/.cordillera/backups",
		Runtime:   RuntimeConfig{Binary: "podman", Network: "cordillera"},
		Units: []UnitConfig{
			{
				Name:      "gateway",
				Image:     "ghcr.io/cordillera-sh/gateway",
				Port:      8088,
				HealthURL: "http://localhost:8088/healthz",
				Critical:  true,
			},
			{
				Name:      "worker",
				Image:     "ghcr.io/cordillera-sh/worker",
				HealthURL: "http://localhost:8090/healthz",
				Critical:  true,
			},
		},
		Stores: []StoreConfig{
			{
				ID:             "vectordb",
				Kind:           "weaviate",
				URL:            "http://localhost:8080",
				BackupCommand:  []string{"cordillera-store", "export", "vectordb"},
				RestoreCommand: []string{"cordillera-store", "import", "vectordb"},
			},
			{
				ID:             "timeseries",
				Kind:           "influxdb",
				URL:            "http://localhost:8086",
				BackupCommand:  []string{"cordillera-store", "export", "timeseries"},
				RestoreCommand: []string{"cordillera-store", "import", "timeseries"},
			},
		},
		Verification: VerificationConfig{
			Enabled:        &enabled,
			IdentityRegexp: "^https://github.com/cordillera-sh/.+$",
			OIDCIssuer:     "https://token.actions.githubusercontent.com",
		},
		Update: UpdateConfig{
			DefaultStrategy:     "parallel-cutover",
			PhaseTimeoutSeconds: 600,
			GracePeriodSeconds:  300,
			RetryAttempts:       3,
			RetryBackoffMS:      2000,
			MinDiskHeadroomMB:   1024,
			RetentionDays:       30,
			RetentionMinKeep:    5,
		},
	}
}
