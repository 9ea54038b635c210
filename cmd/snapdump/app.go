package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MacJediWizard/snapdump/internal/actions"
	"github.com/MacJediWizard/snapdump/internal/config"
	"github.com/MacJediWizard/snapdump/internal/metrics"
	"github.com/MacJediWizard/snapdump/internal/sudo"
	"github.com/MacJediWizard/snapdump/internal/zfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries what every command needs once the configuration is loaded.
type app struct {
	cfg     *config.File
	path    string
	logger  zerolog.Logger
	out     io.Writer
	keeper  *sudo.Keeper
	metrics *metrics.PrometheusMetrics
}

// resolveConfigPath returns the --config path or the default location.
func resolveConfigPath(flags *globalFlags) (string, error) {
	if flags.configPath != "" {
		return flags.configPath, nil
	}
	return config.DefaultConfigPath()
}

// loadConfig reads, overrides and validates the configuration. When the
// file is optional and missing, an empty configuration is used.
func loadConfig(path string, required bool) (*config.File, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &config.File{}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp loads configuration and sets up logging, metrics and, when
// elevate is set, the sudo keep-alive.
func newApp(cmd *cobra.Command, flags *globalFlags, requireConfig, elevate bool) (*app, error) {
	path, err := resolveConfigPath(flags)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(path, requireConfig)
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		cfg.Config.LogLevel = flags.logLevel
	}
	level, err := cfg.Config.Level()
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	enable := cfg.Config.UseSudo()
	if cmd.Flags().Changed("sudo") {
		enable = flags.sudo
	}
	keeper, err := sudo.Start(cmd.Context(), enable && elevate, sudo.Options{}, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("config", path).Bool("sudo", keeper.Active()).Msg("snapdump starting")

	return &app{
		cfg:     cfg,
		path:    path,
		logger:  logger,
		out:     cmd.OutOrStdout(),
		keeper:  keeper,
		metrics: m,
	}, nil
}

// close stops the sudo keep-alive.
func (a *app) close() {
	a.keeper.Stop()
}

// record runs fn as one job run of the given kind, updating metrics and
// the textfile export.
func (a *app) record(kind string, fn func() error) error {
	start := time.Now()
	err := fn()
	finished := time.Now()

	a.metrics.RecordRun(kind, err, finished.Sub(start).Seconds(), float64(finished.Unix()))
	if werr := a.metrics.WriteTextfile(a.cfg.Config.MetricsFile); werr != nil {
		a.logger.Warn().Err(werr).Msg("failed to write metrics file")
	}
	return err
}

func (a *app) tools() actions.Tools {
	return actions.Tools{
		Builder: a.keeper,
		Logger:  a.logger,
		ZFS:     a.cfg.Config.ZFS,
	}
}

func (a *app) zfsOptions(host string) zfs.Options {
	return zfs.Options{
		Host:    host,
		Binary:  a.cfg.Config.ZFS,
		PV:      a.cfg.Config.PV,
		Builder: a.keeper,
		Keep:    a.cfg.ZFS.Keep,
		Logger:  a.logger,
		Out:     a.out,
		Metrics: a.metrics,
	}
}

func (a *app) inventory(ctx context.Context, opts zfs.Options) (*zfs.Zfs, error) {
	return zfs.New(ctx, a.cfg.ZFS.SnapPrefix(), opts)
}
