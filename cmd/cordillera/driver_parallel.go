package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
)

// ParallelCutoverDriver deploys a complete second generation of units
// alongside the live one, gates it on health, and switches traffic with
// a single pointer flip.
//
// # Description
//
// The candidate generation carries the session's generation label. The
// previous generation stays running (stopped, not removed, only at
// Finalize after the grace period), so rollback before and shortly
// after cutover is just a pointer flip back. Unit start failures and a
// failed candidate health gate both leave traffic untouched on the old
// generation.
//
// # Thread Safety
//
// One driver instance serves one session; methods are not called
// concurrently.
type ParallelCutoverDriver struct {
	runtime UnitRuntime
	router  TrafficRouter
	health  HealthEvaluator
	units   []config.UnitConfig
	update  config.UpdateConfig
	log     *slog.Logger
}

var _ DeploymentDriver = (*ParallelCutoverDriver)(nil)

// NewParallelCutoverDriver builds the driver.
func NewParallelCutoverDriver(runtime UnitRuntime, router TrafficRouter, health HealthEvaluator, units []config.UnitConfig, update config.UpdateConfig, log *slog.Logger) *ParallelCutoverDriver {
	return &ParallelCutoverDriver{
		runtime: runtime,
		router:  router,
		health:  health,
		units:   units,
		update:  update,
		log:     log,
	}
}

// Deploy starts the candidate generation, gates it on health, and cuts
// traffic over. On any failure the routing pointer is left on the
// previous generation; cleanup of partial candidates is Rollback's job.
func (d *ParallelCutoverDriver) Deploy(ctx context.Context, session *UpdateSession) (*DeployOutcome, error) {
	gen := generationName(session.ID)
	prev, err := d.router.Active(ctx)
	if err != nil {
		return nil, &DeploymentError{Strategy: StrategyParallelCutover, Wrapped: err}
	}
	d.log.Info("deploying candidate generation",
		"generation", gen, "previous", prev,
		"target_version", session.TargetVersion, "units", len(d.units))

	if err := d.pullImages(ctx, session.TargetVersion); err != nil {
		return nil, err
	}

	started, err := d.startGeneration(ctx, session.TargetVersion, gen)
	if err != nil {
		return nil, err
	}

	// Candidate gate: the generation is not yet routed, so probes check
	// container state. The full endpoint gate runs post-cutover.
	report, err := d.health.WaitHealthy(ctx, candidateProbes(d.units, gen), d.candidateWaitOptions())
	if err != nil {
		return nil, err
	}

	if err := d.router.Switch(ctx, gen); err != nil {
		return nil, &DeploymentError{Strategy: StrategyParallelCutover, Wrapped: fmt.Errorf("cutover: %w", err)}
	}
	d.log.Info("cutover complete", "generation", gen, "previous", prev)

	return &DeployOutcome{Generation: gen, Units: started, Report: report}, nil
}

// Rollback points traffic back at the previous generation (restarting
// its containers if Finalize already stopped them) and removes the
// candidate.
func (d *ParallelCutoverDriver) Rollback(ctx context.Context, session *UpdateSession) error {
	gen := generationName(session.ID)

	prev, err := d.previousGeneration(ctx, gen)
	if err != nil {
		return err
	}

	active, err := d.router.Active(ctx)
	if err != nil {
		return fmt.Errorf("reading routing pointer: %w", err)
	}
	if active == gen {
		if prev == "" {
			return fmt.Errorf("no previous generation to roll back to")
		}
		if err := d.restartGeneration(ctx, prev); err != nil {
			return err
		}
		if err := d.router.Switch(ctx, prev); err != nil {
			return fmt.Errorf("switching traffic back to %s: %w", prev, err)
		}
		d.log.Info("traffic returned to previous generation", "generation", prev)
	}

	if err := d.removeGeneration(ctx, gen); err != nil {
		return err
	}
	d.log.Info("candidate generation removed", "generation", gen)
	return nil
}

// Finalize stops and removes the superseded generation after the grace
// period.
func (d *ParallelCutoverDriver) Finalize(ctx context.Context, session *UpdateSession) error {
	gen := generationName(session.ID)
	prev, err := d.previousGeneration(ctx, gen)
	if err != nil {
		return err
	}
	if prev == "" {
		return nil
	}

	if grace := d.update.GracePeriod(); grace > 0 {
		d.log.Info("retaining previous generation through grace period",
			"generation", prev, "grace", grace)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(grace):
		}
	}

	return d.removeGeneration(ctx, prev)
}

// Status reads live units from the runtime.
func (d *ParallelCutoverDriver) Status(ctx context.Context) ([]DeploymentUnit, error) {
	return d.runtime.InspectUnits(ctx)
}

func (d *ParallelCutoverDriver) pullImages(ctx context.Context, version string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, unit := range d.units {
		g.Go(func() error {
			return retryBounded(gctx, d.update.RetryAttempts, d.update.RetryBackoff(), func() error {
				return d.runtime.Pull(gctx, unit.ImageRef(version))
			})
		})
	}
	if err := g.Wait(); err != nil {
		return &DeploymentError{Strategy: StrategyParallelCutover, Wrapped: err}
	}
	return nil
}

func (d *ParallelCutoverDriver) startGeneration(ctx context.Context, version, gen string) ([]string, error) {
	started := make([]string, len(d.units))
	g, gctx := errgroup.WithContext(ctx)
	for i, unit := range d.units {
		g.Go(func() error {
			return retryBounded(gctx, d.update.RetryAttempts, d.update.RetryBackoff(), func() error {
				name, err := d.runtime.StartUnit(gctx, unit, version, gen)
				if err != nil {
					// Retries must not trip the name-in-use error.
					_ = d.runtime.RemoveUnit(gctx, ContainerName(unit.Name, gen))
					return err
				}
				started[i] = name
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &DeploymentError{Strategy: StrategyParallelCutover, Wrapped: err}
	}
	return started, nil
}

func (d *ParallelCutoverDriver) restartGeneration(ctx context.Context, gen string) error {
	names, err := d.runtime.ListGeneration(ctx, gen)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.runtime.StartExisting(ctx, name); err != nil {
			return fmt.Errorf("restarting previous generation %s: %w", gen, err)
		}
	}
	return nil
}

func (d *ParallelCutoverDriver) removeGeneration(ctx context.Context, gen string) error {
	names, err := d.runtime.ListGeneration(ctx, gen)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.runtime.StopUnit(ctx, name); err != nil {
			return err
		}
		if err := d.runtime.RemoveUnit(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// previousGeneration finds the generation label carried by units outside
// the session's own generation. Empty on a first deployment.
func (d *ParallelCutoverDriver) previousGeneration(ctx context.Context, gen string) (string, error) {
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

func (d *ParallelCutoverDriver) candidateWaitOptions() WaitOptions {
	opts := DefaultWaitOptions()
	if t := d.update.PhaseTimeout(); t < opts.Timeout {
		opts.Timeout = t
	}
	return opts
}

// candidateProbes builds container-state probes for a not-yet-routed
// generation.
func candidateProbes(units []config.UnitConfig, gen string) []ProbeDefinition {
	defs := make([]ProbeDefinition, 0, len(units))
	for _, u := range units {
		defs = append(defs, ProbeDefinition{
			ID:            GenerateID(),
			Name:          u.Name,
			Kind:          ProbeContainer,
			ContainerName: ContainerName(u.Name, gen),
			Critical:      u.Critical,
		})
	}
	return defs
}

// routedProbes builds the full endpoint probes used once a generation
// serves traffic.
func routedProbes(units []config.UnitConfig, gen string) []ProbeDefinition {
	defs := make([]ProbeDefinition, 0, len(units))
	for _, u := range units {
		def := ProbeDefinition{
			ID:       GenerateID(),
			Name:     u.Name,
			Kind:     ProbeKind(u.HealthType),
			URL:      u.HealthURL,
			Critical: u.Critical,
		}
		if def.Kind == ProbeContainer || def.URL == "" {
			def.Kind = ProbeContainer
			def.ContainerName = ContainerName(u.Name, gen)
		}
		defs = append(defs, def)
	}
	return defs
}
