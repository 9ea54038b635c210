package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/snapdump/internal/config"
	"github.com/MacJediWizard/snapdump/internal/schedule"
	"github.com/MacJediWizard/snapdump/internal/zfs"
)

// backup runs the configured backups, or only the named ones.
func (a *app) backup(ctx context.Context, names []string, pretend bool) error {
	runner, err := a.cfg.BuildRunner(names, time.Now(), a.tools(), a.out)
	if err != nil {
		return err
	}
	runner.SetMetrics(a.metrics)
	a.logger.Debug().
		Str("run_id", runner.ID().String()).
		Strs("actions", runner.Describe()).
		Bool("pretend", pretend).
		Msg("backup planned")
	return runner.Run(ctx, pretend)
}

// snapshot takes the next numbered recursive snapshot of each volume. With
// no volumes given, the configured ones are used.
func (a *app) snapshot(ctx context.Context, volumes []string, pretend bool) error {
	if len(volumes) == 0 {
		for _, s := range a.cfg.ZFS.Snapshots {
			volumes = append(volumes, s.Volume)
		}
	}
	if len(volumes) == 0 {
		a.logger.Info().Msg("no zfs volumes to snapshot")
		return nil
	}

	z, err := a.inventory(ctx, a.zfsOptions(""))
	if err != nil {
		return err
	}

	now := time.Now()
	for _, vol := range volumes {
		if _, ok := z.Find(vol); !ok {
			return fmt.Errorf("%s: %w", vol, zfs.ErrVolumeNotFound)
		}
		index := z.NextUnder(vol)
		if pretend {
			fmt.Fprintf(a.out, "would: Make snapshot: %s@%s\n", vol, z.SnapName(index, now))
			continue
		}
		if _, err := z.TakeSnapshot(ctx, vol, index, now); err != nil {
			return err
		}
	}
	return nil
}

// clone replicates one volume tree.
func (a *app) clone(ctx context.Context, c config.Clone, perform bool) error {
	logger := a.logger.With().Str("component", "clone").Str("source", c.Source).Str("dest", c.Dest).Logger()
	logger.Info().Str("host", c.Host).Str("dest_host", c.DestHost).Bool("perform", perform).Msg("cloning")

	src, err := a.inventory(ctx, a.zfsOptions(c.Host))
	if err != nil {
		return err
	}
	dest := src
	if c.DestHost != c.Host {
		if dest, err = a.inventory(ctx, a.zfsOptions(c.DestHost)); err != nil {
			return err
		}
	}
	return src.Clone(ctx, c.Source, c.Dest, dest, perform, c.Exclude)
}

// cloneJobs runs the named configured clones, or all of them.
func (a *app) cloneJobs(ctx context.Context, names []string, perform bool) error {
	clones, err := selectNamed(a.cfg.ZFS.Clones, names, func(c config.Clone) string { return c.Name }, "clone")
	if err != nil {
		return err
	}
	for _, c := range clones {
		if err := a.clone(ctx, c, perform); err != nil {
			return fmt.Errorf("clone %s: %w", c.Name, err)
		}
	}
	return nil
}

// prune thins one volume's snapshots. A positive keep overrides the
// configured retention window.
func (a *app) prune(ctx context.Context, p config.Prune, keep int, really bool) error {
	opts := a.zfsOptions(p.Host)
	if keep > 0 {
		opts.Keep = keep
	}
	z, err := a.inventory(ctx, opts)
	if err != nil {
		return err
	}
	return z.PruneHanoi(ctx, p.Volume, really)
}

// pruneJobs prunes the named configured volumes, or all of them.
func (a *app) pruneJobs(ctx context.Context, volumes []string, keep int, really bool) error {
	entries, err := selectNamed(a.cfg.ZFS.Prune, volumes, func(p config.Prune) string { return p.Volume }, "prune volume")
	if err != nil {
		return err
	}
	for _, p := range entries {
		if err := a.prune(ctx, p, keep, really); err != nil {
			return err
		}
	}
	return nil
}

// scheduler builds a scheduler holding every configured schedule.
func (a *app) scheduler() (*schedule.Scheduler, error) {
	s := schedule.New(schedule.Options{
		Logger:      a.logger,
		Metrics:     a.metrics,
		MetricsFile: a.cfg.Config.MetricsFile,
	})
	for _, sc := range a.cfg.Schedules {
		job := schedule.Job{Name: sc.Name, Kind: sc.Job, Spec: sc.Cron, Run: a.jobFunc(sc)}
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// jobFunc returns the work a schedule performs. Scheduled jobs always
// make changes.
func (a *app) jobFunc(sc config.Schedule) func(ctx context.Context) error {
	names := sc.Names
	switch sc.Job {
	case config.JobBackup:
		return func(ctx context.Context) error { return a.backup(ctx, names, false) }
	case config.JobSnapshot:
		return func(ctx context.Context) error { return a.snapshot(ctx, names, false) }
	case config.JobClone:
		return func(ctx context.Context) error { return a.cloneJobs(ctx, names, true) }
	case config.JobPrune:
		return func(ctx context.Context) error { return a.pruneJobs(ctx, names, 0, true) }
	}
	return func(context.Context) error {
		return &config.ConfigError{Field: "schedules", Reason: fmt.Sprintf("unknown job %q", sc.Job)}
	}
}

// selectNamed returns the items with the given names in the order named,
// or every item when names is empty.
func selectNamed[T any](items []T, names []string, name func(T) string, what string) ([]T, error) {
	if len(names) == 0 {
		return items, nil
	}
	byName := make(map[string]T, len(items))
	for _, it := range items {
		byName[name(it)] = it
	}
	selected := make([]T, 0, len(names))
	for _, n := range names {
		it, ok := byName[n]
		if !ok {
			return nil, &config.ConfigError{Field: "names", Reason: fmt.Sprintf("no %s named %q", what, n)}
		}
		selected = append(selected, it)
	}
	return selected, nil
}
