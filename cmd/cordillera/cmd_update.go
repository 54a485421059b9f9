// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
	"github.com/cordillera-sh/cordillera/cmd/cordillera/gcs"
	"github.com/cordillera-sh/cordillera/cmd/cordillera/internal/infra/process"
	"github.com/cordillera-sh/cordillera/pkg/logging"
)

// loadConfig resolves the --config flag against the default search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// newCLILogger builds the process logger from the global flags. JSON
// output mode keeps stdout machine-readable, so human log lines are
// suppressed and only the file log remains.
func newCLILogger(cfg *config.Config) *logging.Logger {
	level := logging.LevelInfo
	switch logLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  filepath.Join(cfg.StateDir, "logs"),
		Service: "cordillera",
		Quiet:   jsonOutput,
	})
}

// buildOrchestrator wires the full collaborator graph from config. The
// returned cleanup closes resources that hold file handles or network
// clients and must run after the command finishes.
func buildOrchestrator(cmd *cobra.Command, cfg *config.Config, logger *logging.Logger) (*Orchestrator, func(), error) {
	log := logger.Slog()
	runner := NewExecRunner()

	lock := process.NewSessionLock(process.LockConfig{Dir: cfg.StateDir})
	store := NewFileSessionStore(filepath.Join(cfg.StateDir, "sessions"), lock)

	var offsite gcs.Uploader
	if cfg.Offsite.Enabled {
		client, err := gcs.NewClient(cmd.Context(), cfg.Offsite.ProjectID,
			cfg.Offsite.Bucket, cfg.Offsite.CredentialsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to offsite bucket: %w", err)
		}
		offsite = client
	}
	migrator := NewCommandMigrator(runner, cfg.BackupDir, offsite, log)

	vcfg := DefaultCosignVerifierConfig()
	vcfg.IdentityRegexp = cfg.Verification.IdentityRegexp
	vcfg.OIDCIssuer = cfg.Verification.OIDCIssuer
	vcfg.RekorURL = cfg.Verification.RekorURL
	if cfg.Verification.Parallelism > 0 {
		vcfg.Parallelism = cfg.Verification.Parallelism
	}
	if cfg.Verification.TimeoutSeconds > 0 {
		vcfg.PerImageTimeout = time.Duration(cfg.Verification.TimeoutSeconds) * time.Second
	}
	verifier := NewCosignVerifier(vcfg, runner)

	health := NewDefaultHealthEvaluator(runner, cfg.Runtime.Binary, DefaultEvaluatorConfig())
	runtime := NewPodmanRuntime(runner, cfg.Runtime, log)
	router := NewFileTrafficRouter(runner, cfg.Router, log)

	probers := make([]StoreProber, 0, len(cfg.Stores))
	for _, store := range cfg.Stores {
		prober, err := NewStoreProber(store)
		if err != nil {
			return nil, nil, fmt.Errorf("configuring prober for store %q: %w", store.ID, err)
		}
		probers = append(probers, prober)
	}

	metrics := NewUpdateMetrics()

	orch := NewOrchestrator(store, migrator, verifier, health, runtime, router,
		probers, metrics, cfg, log)

	cleanup := func() {
		if offsite != nil {
			offsite.Close()
		}
	}
	return orch, cleanup, nil
}

// fatal prints the error for the active output mode and exits non-zero.
func fatal(err error) {
	if jsonOutput {
		printJSONError(err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func runUpdate(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	if timeoutSeconds > 0 {
		cfg.Update.PhaseTimeoutSeconds = timeoutSeconds
	}
	logger := newCLILogger(cfg)
	defer logger.Close()

	orch, cleanup, err := buildOrchestrator(cmd, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	session, err := orch.Upgrade(cmd.Context(), UpgradeOptions{
		TargetVersion:    targetVersion,
		Strategy:         strategyName,
		DryRun:           dryRun,
		SkipBackup:       skipBackup,
		SkipVerification: skipVerification,
	})
	if session != nil {
		renderSession(session, err)
	}
	if err != nil {
		var conflict *SessionConflictError
		if errors.As(err, &conflict) {
			fatal(fmt.Errorf("another update is in progress (pid %d, lock %s)",
				conflict.HolderPID, conflict.LockPath))
		}
		if session == nil {
			fatal(err)
		}
		os.Exit(1)
	}
}

func runRollback(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	logger := newCLILogger(cfg)
	defer logger.Close()

	orch, cleanup, err := buildOrchestrator(cmd, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	session, err := orch.Rollback(cmd.Context(), RollbackOptions{
		SessionID:   rollbackSession,
		RestoreData: restoreData,
	})
	if session != nil {
		renderSession(session, err)
	}
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			fatal(errors.New("no session is eligible for rollback"))
		}
		if session == nil {
			fatal(err)
		}
		os.Exit(1)
	}
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	logger := newCLILogger(cfg)
	defer logger.Close()

	orch, cleanup, err := buildOrchestrator(cmd, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	report, err := orch.Status(cmd.Context())
	if err != nil {
		fatal(err)
	}
	renderStatus(report)
}

func runListSessions(cmd *cobra.Command, args []string) {
	store, err := openSessionStore()
	if err != nil {
		fatal(err)
	}
	sessions, err := store.List()
	if err != nil {
		fatal(err)
	}
	renderSessionList(sessions)
}

func runShowSession(cmd *cobra.Command, args []string) {
	store, err := openSessionStore()
	if err != nil {
		fatal(err)
	}
	session, err := store.Get(args[0])
	if err != nil {
		fatal(err)
	}
	renderSession(session, nil)
}

func runPruneSessions(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	logger := newCLILogger(cfg)
	defer logger.Close()

	orch, cleanup, err := buildOrchestrator(cmd, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	removed, err := orch.Prune()
	if err != nil {
		fatal(err)
	}
	renderPruneResult(removed)
}

// openSessionStore opens the session directory for read-only commands.
// The lock is constructed but never acquired; reads do not take it.
func openSessionStore() (*FileSessionStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lock := process.NewSessionLock(process.LockConfig{Dir: cfg.StateDir})
	return NewFileSessionStore(filepath.Join(cfg.StateDir, "sessions"), lock), nil
}
