package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/MacJediWizard/snapdump/internal/config"
	"github.com/MacJediWizard/snapdump/internal/mounts"
	"github.com/MacJediWizard/snapdump/internal/zfs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newBackupCmd(flags *globalFlags) *cobra.Command {
	var pretend bool

	cmd := &cobra.Command{
		Use:   "backup [NAME...]",
		Short: "Run the configured backups",
		Long: `Run the configured simple and LVM backups, or only the named ones.

Each phase (timestamps, snapshots, mounts, integrity scans, borg) runs for
every selected volume before the next phase begins. Snapshots are unmounted
and removed afterwards, including when a step fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, true, !pretend)
			if err != nil {
				return err
			}
			defer a.close()

			return a.record(config.JobBackup, func() error {
				return a.backup(cmd.Context(), args, pretend)
			})
		},
	}

	cmd.Flags().BoolVarP(&pretend, "pretend", "n", false, "Show what would be done without doing it")

	return cmd
}

func newSnapshotCmd(flags *globalFlags) *cobra.Command {
	var pretend bool

	cmd := &cobra.Command{
		Use:   "snapshot [VOLUME...]",
		Short: "Take the next numbered snapshot of zfs volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, len(args) == 0, !pretend)
			if err != nil {
				return err
			}
			defer a.close()

			return a.record(config.JobSnapshot, func() error {
				return a.snapshot(cmd.Context(), args, pretend)
			})
		},
	}

	cmd.Flags().BoolVarP(&pretend, "pretend", "n", false, "Show what would be done without doing it")

	return cmd
}

func newCloneCmd(flags *globalFlags) *cobra.Command {
	var (
		c       config.Clone
		jobs    []string
		perform bool
	)

	cmd := &cobra.Command{
		Use:   "clone [SOURCE DEST]",
		Short: "Replicate a zfs volume tree",
		Long: `Replicate every volume under SOURCE to the matching volume under DEST,
creating missing volumes and sending the snapshots DEST does not have yet.

Without --perform the plan is printed and nothing is changed. Use --job to
run clones from the configuration instead of giving SOURCE and DEST.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(jobs) > 0 {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, len(jobs) > 0, perform)
			if err != nil {
				return err
			}
			defer a.close()

			return a.record(config.JobClone, func() error {
				if len(jobs) > 0 {
					return a.cloneJobs(cmd.Context(), jobs, perform)
				}
				c.Source, c.Dest = args[0], args[1]
				return a.clone(cmd.Context(), c, perform)
			})
		},
	}

	cmd.Flags().StringVar(&c.Host, "host", "", "Host holding the source volumes (default local)")
	cmd.Flags().StringVar(&c.DestHost, "dest-host", "", "Host holding the destination volumes (default local)")
	cmd.Flags().StringArrayVar(&c.Exclude, "exclude", nil, "Skip source volumes matching this regular expression")
	cmd.Flags().StringArrayVar(&jobs, "job", nil, "Run the named clone from the configuration")
	cmd.Flags().BoolVar(&perform, "perform", false, "Actually create volumes and transfer snapshots")

	return cmd
}

func newPruneCmd(flags *globalFlags) *cobra.Command {
	var (
		host   string
		keep   int
		really bool
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "prune [VOLUME]",
		Short: "Thin old numbered snapshots",
		Long: `Delete old numbered snapshots of VOLUME, keeping the most recent ones
and an exponentially thinning selection of older ones. Each deleted
snapshot is replaced by a bookmark.

Without --really the snapshots that would be deleted are printed.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, all, really)
			if err != nil {
				return err
			}
			defer a.close()

			return a.record(config.JobPrune, func() error {
				if all {
					return a.pruneJobs(cmd.Context(), nil, keep, really)
				}
				return a.prune(cmd.Context(), config.Prune{Volume: args[0], Host: host}, keep, really)
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host holding the volume (default local)")
	cmd.Flags().IntVar(&keep, "keep", 0, "Number of recent snapshots always kept (default from config, else 10)")
	cmd.Flags().BoolVar(&really, "really", false, "Actually delete snapshots")
	cmd.Flags().BoolVar(&all, "all", false, "Prune every volume listed in the configuration")

	return cmd
}

// listEntry is one volume in the list output.
type listEntry struct {
	zfs.Filesystem `yaml:",inline"`
	Usage          *usageReport `yaml:"usage,omitempty"`
}

type usageReport struct {
	Total string `yaml:"total"`
	Used  string `yaml:"used"`
	Free  string `yaml:"free"`
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var (
		host  string
		usage bool
	)

	cmd := &cobra.Command{
		Use:   "list [VOLUME]",
		Short: "Show zfs volumes and their snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, false, false)
			if err != nil {
				return err
			}
			defer a.close()

			z, err := a.inventory(cmd.Context(), a.zfsOptions(host))
			if err != nil {
				return err
			}

			fss := z.Filesystems
			if len(args) == 1 {
				fss = z.Filtered(args[0])
			}

			entries := make([]listEntry, len(fss))
			for i, fs := range fss {
				entries[i] = listEntry{Filesystem: fs}
				if usage && host == "" {
					entries[i].Usage = a.usage(cmd.Context(), fs.Mount)
				}
			}

			enc := yaml.NewEncoder(a.out)
			defer enc.Close()
			return enc.Encode(entries)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "List volumes on this host (default local)")
	cmd.Flags().BoolVar(&usage, "usage", false, "Include space usage of mounted volumes")

	return cmd
}

// usage reports space figures for a mounted volume, or nil when the volume
// is not mounted somewhere that can be measured.
func (a *app) usage(ctx context.Context, mount string) *usageReport {
	switch mount {
	case "", "-", "none", "legacy":
		return nil
	}
	u, err := mounts.UsageOf(ctx, mount)
	if err != nil {
		a.logger.Debug().Err(err).Str("mount", mount).Msg("no usage for volume")
		return nil
	}
	return &usageReport{
		Total: humanize.IBytes(u.Total),
		Used:  humanize.IBytes(u.Used),
		Free:  humanize.IBytes(u.Free),
	}
}

func newDaemonCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run configured schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, true, true)
			if err != nil {
				return err
			}
			defer a.close()

			return runDaemon(cmd.Context(), a)
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	s, err := a.scheduler()
	if err != nil {
		return err
	}
	if s.Active() == 0 {
		return errors.New("no schedules configured")
	}

	var srv *http.Server
	if listen := a.cfg.Config.MetricsListen; listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Str("listen", listen).Msg("metrics server failed")
			}
		}()
		a.logger.Info().Str("listen", listen).Msg("serving metrics")
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "snapdump %s daemon running %d schedules. Press Ctrl+C to stop.\n", Version, s.Active())
	for _, sc := range a.cfg.Schedules {
		if next, ok := s.NextRun(sc.Name); ok {
			fmt.Fprintf(a.out, "  %-20s %-8s next %s\n", sc.Name, sc.Job, next.Format(time.RFC3339))
		}
	}

	<-ctx.Done()
	fmt.Fprintln(a.out, "\nShutting down...")

	<-s.Stop().Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
	return nil
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage snapdump configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(flags),
		newConfigValidateCmd(flags),
		newConfigInitCmd(flags),
	)

	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(flags)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(path, true)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Config file: %s\n", path)
			enc := yaml.NewEncoder(out)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func newConfigValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(flags)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(path, true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %s (%d simple, %d lvm, %d clones, %d schedules)\n",
				path, len(cfg.Simple), len(cfg.LVM), len(cfg.ZFS.Clones), len(cfg.Schedules))
			return nil
		},
	}
}

func newConfigInitCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(flags)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Example().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote example configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}
