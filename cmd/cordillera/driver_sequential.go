package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
)

// SequentialReplaceDriver replaces units one at a time, each gated on
// its own health before the next unit is touched.
//
// # Description
//
// For every unit in configuration order: the old container is stopped
// (not removed), the new one started under the session's generation,
// and its probe must pass before the loop advances. A failure rolls
// back only the units already replaced, in reverse order, by removing
// the new containers and restarting the old ones. Traffic repoints to
// the new generation only after every unit converged, so a mid-sequence
// crash leaves the pointer on the old generation.
//
// Slower than parallel-cutover and tolerates a mixed-version window,
// but peak resource use stays near one generation.
type SequentialReplaceDriver struct {
	runtime UnitRuntime
	router  TrafficRouter
	health  HealthEvaluator
	units   []config.UnitConfig
	update  config.UpdateConfig
	log     *slog.Logger
}

var _ DeploymentDriver = (*SequentialReplaceDriver)(nil)

// NewSequentialReplaceDriver builds the driver.
func NewSequentialReplaceDriver(runtime UnitRuntime, router TrafficRouter, health HealthEvaluator, units []config.UnitConfig, update config.UpdateConfig, log *slog.Logger) *SequentialReplaceDriver {
	return &SequentialReplaceDriver{
		runtime: runtime,
		router:  router,
		health:  health,
		units:   units,
		update:  update,
		log:     log,
	}
}

// Deploy replaces units one at a time, then repoints traffic.
func (d *SequentialReplaceDriver) Deploy(ctx context.Context, session *UpdateSession) (*DeployOutcome, error) {
	gen := generationName(session.ID)
	prev, err := d.router.Active(ctx)
	if err != nil {
		return nil, &DeploymentError{Strategy: StrategySequentialReplace, Wrapped: err}
	}
	d.log.Info("replacing units sequentially",
		"generation", gen, "previous", prev,
		"target_version", session.TargetVersion, "units", len(d.units))

	var started []string
	var lastReport *HealthReport
	for _, unit := range d.units {
		name, report, err := d.replaceUnit(ctx, unit, session.TargetVersion, gen, prev)
		if err != nil {
			d.log.Error("unit replacement failed, unwinding replaced units",
				"unit", unit.Name, "replaced", len(started), "error", err)
			if undoErr := d.unwind(ctx, started, gen, prev); undoErr != nil {
				// Report the unwind failure; the orchestrator escalates.
				return nil, &DeploymentError{
					Strategy: StrategySequentialReplace,
					Unit:     unit.Name,
					Wrapped:  fmt.Errorf("deploy failed (%w) and unwind failed: %v", err, undoErr),
				}
			}
			if _, ok := err.(*HealthCheckError); ok {
				return nil, err
			}
			return nil, &DeploymentError{Strategy: StrategySequentialReplace, Unit: unit.Name, Wrapped: err}
		}
		started = append(started, name)
		lastReport = report
	}

	if err := d.router.Switch(ctx, gen); err != nil {
		return nil, &DeploymentError{Strategy: StrategySequentialReplace, Wrapped: fmt.Errorf("repointing traffic: %w", err)}
	}

	return &DeployOutcome{Generation: gen, Units: started, Report: lastReport}, nil
}

// replaceUnit swaps one unit and gates on its isolated health.
func (d *SequentialReplaceDriver) replaceUnit(ctx context.Context, unit config.UnitConfig, version, gen, prev string) (string, *HealthReport, error) {
	if err := retryBounded(ctx, d.update.RetryAttempts, d.update.RetryBackoff(), func() error {
		return d.runtime.Pull(ctx, unit.ImageRef(version))
	}); err != nil {
		return "", nil, err
	}

	if prev != "" {
		if err := d.runtime.StopUnit(ctx, ContainerName(unit.Name, prev)); err != nil {
			return "", nil, err
		}
	}

	var name string
	if err := retryBounded(ctx, d.update.RetryAttempts, d.update.RetryBackoff(), func() error {
		var err error
		name, err = d.runtime.StartUnit(ctx, unit, version, gen)
		if err != nil {
			_ = d.runtime.RemoveUnit(ctx, ContainerName(unit.Name, gen))
			return err
		}
		return nil
	}); err != nil {
		return "", nil, err
	}

	report, err := d.health.WaitHealthy(ctx, routedProbes([]config.UnitConfig{unit}, gen), d.unitWaitOptions())
	if err != nil {
		return "", report, err
	}
	d.log.Info("unit replaced", "unit", unit.Name, "container", name, "version", version)
	return name, report, nil
}

// unwind removes the replaced units' new containers and restarts the
// old ones, in reverse replacement order.
func (d *SequentialReplaceDriver) unwind(ctx context.Context, started []string, gen, prev string) error {
	for i := len(started) - 1; i >= 0; i-- {
		if err := d.runtime.StopUnit(ctx, started[i]); err != nil {
			return err
		}
		if err := d.runtime.RemoveUnit(ctx, started[i]); err != nil {
			return err
		}
	}
	if prev == "" {
		return nil
	}
	// Restart only the old containers whose replacements were removed.
	for i := len(started) - 1; i >= 0; i-- {
		unit := d.units[i]
		if err := d.runtime.StartExisting(ctx, ContainerName(unit.Name, prev)); err != nil {
			return err
		}
	}
	return nil
}

// Rollback removes the session's generation and restarts the previous
// one, repointing traffic if the sequence had already committed.
func (d *SequentialReplaceDriver) Rollback(ctx context.Context, session *UpdateSession) error {
	gen := generationName(session.ID)

	prev, err := d.previousGeneration(ctx, gen)
	if err != nil {
		return err
	}

	names, err := d.runtime.ListGeneration(ctx, gen)
	if err != nil {
		return err
	}
	for i := len(names) - 1; i >= 0; i-- {
		if err := d.runtime.StopUnit(ctx, names[i]); err != nil {
			return err
		}
		if err := d.runtime.RemoveUnit(ctx, names[i]); err != nil {
			return err
		}
	}

	if prev == "" {
		return nil
	}
	oldNames, err := d.runtime.ListGeneration(ctx, prev)
	if err != nil {
		return err
	}
	for _, name := range oldNames {
		if err := d.runtime.StartExisting(ctx, name); err != nil {
			return err
		}
	}

	active, err := d.router.Active(ctx)
	if err != nil {
		return fmt.Errorf("reading routing pointer: %w", err)
	}
	if active == gen {
		if err := d.router.Switch(ctx, prev); err != nil {
			return fmt.Errorf("switching traffic back to %s: %w", prev, err)
		}
	}
	d.log.Info("sequential rollback complete", "restored_generation", prev)
	return nil
}

// Finalize removes the stopped previous generation. The old containers
// were already stopped during replacement, so there is no grace window
// to honor.
func (d *SequentialReplaceDriver) Finalize(ctx context.Context, session *UpdateSession) error {
	gen := generationName(session.ID)
	prev, err := d.previousGeneration(ctx, gen)
	if err != nil || prev == "" {
		return err
	}
	names, err := d.runtime.ListGeneration(ctx, prev)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.runtime.RemoveUnit(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Status reads live units from the runtime.
func (d *SequentialReplaceDriver) Status(ctx context.Context) ([]DeploymentUnit, error) {
	return d.runtime.InspectUnits(ctx)
}

func (d *SequentialReplaceDriver) previousGeneration(ctx context.Context, gen string) (string, error) {
	units, err := d.runtime.InspectUnits(ctx)
	if err != nil {
		return "", fmt.Errorf("inspecting units for previous generation: %w", err)
	}
	for _, u := range units {
		if u.Generation != "" && u.Generation != gen {
			return u.Generation, nil
		}
	}
	return "", nil
}

func (d *SequentialReplaceDriver) unitWaitOptions() WaitOptions {
	opts := DefaultWaitOptions()
	if t := d.update.PhaseTimeout(); t < opts.Timeout {
		opts.Timeout = t
	}
	return opts
}
