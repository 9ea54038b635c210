package actions

import (
	"context"
	"fmt"
)

// BorgBackup archives a directory with borg. The script wraps the borg
// binary and supplies the repository and its passphrase.
type BorgBackup struct {
	dir    string
	script string
	name   string
	tools  Tools
}

// NewBorgBackup creates an archive named name of dir using script.
func NewBorgBackup(dir, script, name string, tools Tools) *BorgBackup {
	return &BorgBackup{dir: dir, script: script, name: name, tools: tools.withDefaults()}
}

func (b *BorgBackup) Perform(ctx context.Context) error {
	b.tools.Logger.Info().Str("dir", b.dir).Str("archive", b.name).Msg("running borg backup")
	return b.tools.run(ctx, b.script,
		"create", "--exclude-caches", "-x", "--stat", "--progress",
		"::"+b.name,
		b.dir)
}

func (b *BorgBackup) Cleanup(ctx context.Context) error { return nil }

func (b *BorgBackup) Describe() string {
	return fmt.Sprintf("Borg backup of %s to %s", b.dir, b.name)
}

// Rsync mirrors one tree onto another, typically a mounted snapshot onto a
// zfs volume.
type Rsync struct {
	src     string
	dest    string
	acls    bool
	verbose bool
	tools   Tools
}

// NewRsync creates a mirror of src onto dest.
func NewRsync(src, dest string, acls, verbose bool, tools Tools) *Rsync {
	return &Rsync{src: src, dest: dest, acls: acls, verbose: verbose, tools: tools.withDefaults()}
}

func (r *Rsync) Perform(ctx context.Context) error {
	r.tools.Logger.Info().Str("src", r.src).Str("dest", r.dest).Msg("rsync")
	args := []string{"-aHx", "--delete"}
	if r.verbose {
		args = append(args, "-i")
	}
	if r.acls {
		args = append(args, "-AX")
	}
	args = append(args, r.src+"/.", r.dest+"/.")
	return r.tools.run(ctx, r.tools.Rsync, args...)
}

func (r *Rsync) Cleanup(ctx context.Context) error { return nil }

func (r *Rsync) Describe() string {
	return fmt.Sprintf("Rsync from %s to %s", r.src, r.dest)
}

// ZfsSnapshot takes a single, non-recursive zfs snapshot.
type ZfsSnapshot struct {
	volume string
	snap   string
	tools  Tools
}

// NewZfsSnapshot creates an action snapshotting volume as volume@snap.
func NewZfsSnapshot(volume, snap string, tools Tools) *ZfsSnapshot {
	return &ZfsSnapshot{volume: volume, snap: snap, tools: tools.withDefaults()}
}

func (z *ZfsSnapshot) Perform(ctx context.Context) error {
	name := z.volume + "@" + z.snap
	z.tools.Logger.Info().Str("snapshot", name).Msg("zfs snapshot")
	return z.tools.run(ctx, z.tools.ZFS, "snapshot", name)
}

func (z *ZfsSnapshot) Cleanup(ctx context.Context) error { return nil }

func (z *ZfsSnapshot) Describe() string {
	return fmt.Sprintf("Zfs snapshot %s@%s", z.volume, z.snap)
}
