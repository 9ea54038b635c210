package actions

import (
	"context"

	"github.com/MacJediWizard/snapdump/internal/command"
	"github.com/MacJediWizard/snapdump/internal/mounts"
	"github.com/MacJediWizard/snapdump/internal/zfs"
	"github.com/rs/zerolog"
)

// Default tool locations.
const (
	DefaultRsync        = "/usr/bin/rsync"
	DefaultRsure        = "rsure"
	DefaultSnapshotSize = "5g"
)

// Tools describes how actions reach the external programs they drive.
type Tools struct {
	// Builder constructs every command. Usually the sudo keeper.
	Builder command.Builder
	Logger  zerolog.Logger

	// ZFS defaults to the binary the inventory uses.
	ZFS   string
	Rsync string
	Rsure string

	// SnapshotSize is the copy-on-write reserve given to LVM snapshots.
	SnapshotSize string

	// Mounts reads the mount table. Nil means the live system table.
	Mounts mounts.Table
}

func (t Tools) withDefaults() Tools {
	if t.Builder == nil {
		t.Builder = command.Local{}
	}
	if t.ZFS == "" {
		t.ZFS = zfs.DefaultBinary
	}
	if t.Rsync == "" {
		t.Rsync = DefaultRsync
	}
	if t.Rsure == "" {
		t.Rsure = DefaultRsure
	}
	if t.SnapshotSize == "" {
		t.SnapshotSize = DefaultSnapshotSize
	}
	return t
}

// run executes a tool with stdin closed and stderr passed through.
func (t Tools) run(ctx context.Context, name string, args ...string) error {
	return command.RunQuiet(t.Builder.Command(ctx, name, args...))
}
