// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// ANSI colors, applied only when stdout is a terminal.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
)

// useColor reports whether stdout supports ANSI colors. Piped output and
// JSON mode stay plain so scripts never see escape codes.
func useColor() bool {
	if jsonOutput {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func colorize(color, s string) string {
	if !useColor() {
		return s
	}
	return color + s + colorReset
}

// phaseColor picks a color reflecting how a session ended up.
func phaseColor(phase UpdatePhase) string {
	switch phase {
	case PhaseCompleted:
		return colorGreen
	case PhaseFailed:
		return colorRed
	case PhaseRolledBack, PhaseRollingBack:
		return colorYellow
	default:
		return colorDim
	}
}

func outcomeColor(outcome PhaseOutcome) string {
	switch outcome {
	case OutcomeSuccess:
		return colorGreen
	case OutcomeFailure:
		return colorRed
	default:
		return colorDim
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encoding output: %v\n", err)
		os.Exit(1)
	}
}

func printJSONError(err error) {
	printJSON(map[string]string{"error": err.Error()})
}

// renderSession prints one session's summary and phase history. A non-nil
// runErr is the error the session ended with; the phase records already
// carry its detail, so it only drives the headline.
func renderSession(session *UpdateSession, runErr error) {
	if jsonOutput {
		printJSON(session)
		return
	}

	fmt.Printf("Session %s\n", session.ID)
	fmt.Printf("  %s -> %s (%s)\n", orDash(session.SourceVersion),
		session.TargetVersion, session.Strategy)
	if session.DryRun {
		fmt.Println("  mode: dry-run")
	}
	fmt.Printf("  phase: %s\n", colorize(phaseColor(session.Phase), string(session.Phase)))
	if session.Error != "" {
		fmt.Printf("  error: %s\n", colorize(colorRed, session.Error))
	}
	if session.ManualInterventionRequired {
		fmt.Printf("  %s\n", colorize(colorRed,
			"MANUAL INTERVENTION REQUIRED: automatic rollback failed"))
	}

	if len(session.PhaseHistory) > 0 {
		fmt.Println("  history:")
		for _, rec := range session.PhaseHistory {
			line := fmt.Sprintf("    %-22s %-10s %s", rec.Phase,
				colorize(outcomeColor(rec.Outcome), string(rec.Outcome)),
				phaseDuration(rec))
			if rec.Detail != "" {
				line += "  " + colorize(colorDim, rec.Detail)
			}
			fmt.Println(line)
		}
	}

	if len(session.BackupRefs) > 0 {
		fmt.Println("  backups:")
		for _, b := range session.BackupRefs {
			loc := b.Location
			if b.OffsiteLocation != "" {
				loc += " (+" + b.OffsiteLocation + ")"
			}
			fmt.Printf("    %-12s %s (%d bytes)\n", b.StoreID, loc, b.SizeBytes)
		}
	}

	if runErr != nil && session.Error == "" {
		fmt.Printf("  error: %s\n", colorize(colorRed, runErr.Error()))
	}
}

// renderStatus prints the live deployment state.
func renderStatus(report *StatusReport) {
	if jsonOutput {
		printJSON(report)
		return
	}

	fmt.Printf("Active generation: %s\n", orDash(report.ActiveGeneration))

	if report.Active != nil {
		fmt.Printf("In-flight session: %s (%s, %s -> %s)\n", report.Active.ID,
			colorize(phaseColor(report.Active.Phase), string(report.Active.Phase)),
			orDash(report.Active.SourceVersion), report.Active.TargetVersion)
	} else if report.Latest != nil {
		fmt.Printf("Last session: %s (%s, finished %s)\n", report.Latest.ID,
			colorize(phaseColor(report.Latest.Phase), string(report.Latest.Phase)),
			humanTime(report.Latest.FinishedAt))
	} else {
		fmt.Println("No recorded sessions.")
	}

	if len(report.Units) > 0 {
		fmt.Println("Units:")
		for _, u := range report.Units {
			health := string(u.Health)
			switch u.Health {
			case UnitHealthHealthy:
				health = colorize(colorGreen, health)
			case UnitHealthUnhealthy:
				health = colorize(colorRed, health)
			default:
				health = colorize(colorDim, health)
			}
			fmt.Printf("  %-32s %-12s %-10s %s\n", u.Identity, u.Service,
				orDash(u.CurrentVersion), health)
		}
	} else {
		fmt.Println("Units: none running")
	}

	if len(report.StoresNotReady) > 0 {
		fmt.Printf("Stores not ready: %s\n",
			colorize(colorRed, fmt.Sprintf("%v", report.StoresNotReady)))
	}
}

// renderSessionList prints a one-line summary per session.
func renderSessionList(sessions []*UpdateSession) {
	if jsonOutput {
		printJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No recorded sessions.")
		return
	}
	fmt.Printf("%-38s %-20s %-24s %s\n", "SESSION", "PHASE", "VERSIONS", "STARTED")
	for _, s := range sessions {
		versions := fmt.Sprintf("%s -> %s", orDash(s.SourceVersion), s.TargetVersion)
		fmt.Printf("%-38s %-20s %-24s %s\n", s.ID,
			colorize(phaseColor(s.Phase), string(s.Phase)),
			versions, humanTime(s.StartedAt))
	}
}

func renderPruneResult(removed int) {
	if jsonOutput {
		printJSON(map[string]int{"removed": removed})
		return
	}
	fmt.Printf("Pruned %d session record(s).\n", removed)
}

func phaseDuration(rec PhaseRecord) string {
	if rec.CompletedAt.IsZero() {
		return "in flight"
	}
	return rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond).String()
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
