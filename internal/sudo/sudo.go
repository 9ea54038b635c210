// Package sudo keeps sudo credentials fresh for long-running operations.
//
// Many snapdump actions need root. Rather than running the whole tool as
// root, commands can be wrapped with sudo. A background goroutine
// periodically runs a trivial sudo command so the cached credentials do not
// time out in the middle of a long transfer. When already running as root,
// or when elevation is disabled, no goroutine is started and commands run
// directly.
package sudo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MacJediWizard/snapdump/internal/command"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often the keeper refreshes credentials.
const DefaultInterval = 60 * time.Second

// Options configures a Keeper.
type Options struct {
	// Interval between keep-alive pokes. Zero means DefaultInterval.
	Interval time.Duration
	// Binary is the sudo executable. Empty means "sudo".
	Binary string
	// IsRoot reports whether the process already has root privileges.
	// Nil means check the effective uid.
	IsRoot func() bool
}

// Keeper wraps commands with sudo and keeps the credentials alive.
type Keeper struct {
	binary string
	active bool
	logger zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start possibly starts a keep-alive goroutine. Elevation is used only when
// enable is true and the process is not already root. The first poke runs
// synchronously so a password prompt happens before any work begins.
func Start(ctx context.Context, enable bool, opts Options, logger zerolog.Logger) (*Keeper, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Binary == "" {
		opts.Binary = "sudo"
	}
	isRoot := opts.IsRoot
	if isRoot == nil {
		isRoot = func() bool { return os.Geteuid() == 0 }
	}

	k := &Keeper{
		binary: opts.Binary,
		active: enable && !isRoot(),
		logger: logger.With().Str("component", "sudo").Logger(),
		done:   make(chan struct{}),
	}

	if !k.active {
		close(k.done)
		return k, nil
	}

	if err := k.poke(ctx); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.loop(loopCtx, opts.Interval)

	k.logger.Debug().Dur("interval", opts.Interval).Msg("sudo keep-alive started")
	return k, nil
}

// Active reports whether commands are being wrapped with sudo.
func (k *Keeper) Active() bool {
	return k.active
}

// Command implements command.Builder.
func (k *Keeper) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if !k.active {
		return exec.CommandContext(ctx, name, args...)
	}
	return exec.CommandContext(ctx, k.binary, append([]string{name}, args...)...)
}

// Stop ends the keep-alive loop and waits for it to exit. Credentials that
// were already granted and commands already running are not affected.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() {
		if k.cancel != nil {
			k.logger.Info().Msg("stopping sudo keep-alive")
			k.cancel()
		}
	})
	<-k.done
}

func (k *Keeper) loop(ctx context.Context, interval time.Duration) {
	defer close(k.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.poke(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				k.logger.Error().Err(err).Msg("background sudo failed")
				return
			}
		}
	}
}

// poke runs "sudo true", which may prompt for a password the first time.
func (k *Keeper) poke(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, k.binary, "true")
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr
	if err := command.Run(cmd); err != nil {
		return fmt.Errorf("unable to run sudo: %w", err)
	}
	return nil
}

var _ command.Builder = (*Keeper)(nil)
