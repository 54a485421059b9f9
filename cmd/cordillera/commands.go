// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath       string
	logLevel         string
	jsonOutput       bool
	targetVersion    string
	strategyName     string
	dryRun           bool
	skipBackup       bool
	skipVerification bool
	timeoutSeconds   int
	rollbackSession  string
	restoreData      bool

	rootCmd = &cobra.Command{
		Use:   "cordillera",
		Short: "A cli to manage and update a Cordillera deployment",
		Long: `Cordillera orchestrates safe upgrades of a multi-service
				deployment: application containers plus their persistent data
				stores are moved to a new version through validation, backup,
				signature verification, deployment, and health checking, with
				automatic rollback when anything goes wrong after mutation
				starts.`,
	}

	// --- Update ---
	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Run, inspect, and roll back version updates",
	}
	updateRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Upgrade the deployment to a target version",
		Run:   runUpdate, // Defined in cmd_update.go
	}
	updateRollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Roll a finished or stuck session back to its source version",
		Run:   runRollback, // Defined in cmd_update.go
	}
	updateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the active generation, unit health, and session state",
		Run:   runStatus, // Defined in cmd_update.go
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded update sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded update sessions, most recent first",
		Run:   runListSessions, // Defined in cmd_update.go
	}
	sessionsShowCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Show one session's full phase history",
		Args:  cobra.ExactArgs(1),
		Run:   runShowSession, // Defined in cmd_update.go
	}
	sessionsPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete terminal session records past the retention window",
		Run:   runPruneSessions, // Defined in cmd_update.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a config file (default: ~/.cordillera/cordillera.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log verbosity: debug, info, warn, or error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit machine-readable JSON instead of human output")

	rootCmd.AddCommand(updateCmd)
	updateCmd.AddCommand(updateRunCmd)
	updateRunCmd.Flags().StringVar(&targetVersion, "target", "",
		"Target version to upgrade to (required)")
	updateRunCmd.Flags().StringVar(&strategyName, "strategy", "",
		"Deployment strategy: parallel-cutover or sequential-replace (default from config)")
	updateRunCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Validate for real, then simulate every mutating phase")
	updateRunCmd.Flags().BoolVar(&skipBackup, "skip-backup", false,
		"Skip store backups. Rollback cannot restore data without them.")
	updateRunCmd.Flags().BoolVar(&skipVerification, "skip-verification", false,
		"Skip image signature verification")
	updateRunCmd.Flags().IntVar(&timeoutSeconds, "timeout", 0,
		"Per-phase timeout in seconds (default from config)")
	_ = updateRunCmd.MarkFlagRequired("target")

	updateCmd.AddCommand(updateRollbackCmd)
	updateRollbackCmd.Flags().StringVar(&rollbackSession, "session", "",
		"Session to roll back (default: the most recent eligible session)")
	updateRollbackCmd.Flags().BoolVar(&restoreData, "restore-data", false,
		"Also restore persistent stores from this session's backups")

	updateCmd.AddCommand(updateStatusCmd)

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
}
