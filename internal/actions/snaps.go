package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MacJediWizard/snapdump/internal/mounts"
)

// Stamp touches a marker file so its modification time records when the
// backup was taken. Some backup tools use it to catch files modified
// between the snapshot and an incremental backup. The stamp is left in
// place.
type Stamp struct {
	path  string
	tools Tools
}

// NewStamp creates a Stamp action for the given path.
func NewStamp(path string, tools Tools) *Stamp {
	return &Stamp{path: path, tools: tools.withDefaults()}
}

func (s *Stamp) Perform(ctx context.Context) error {
	s.tools.Logger.Info().Str("path", s.path).Msg("writing backup stamp")
	if err := s.tools.run(ctx, "touch", s.path); err != nil {
		return fmt.Errorf("write stamp: %w", err)
	}
	return nil
}

func (s *Stamp) Cleanup(ctx context.Context) error { return nil }

func (s *Stamp) Describe() string {
	return fmt.Sprintf("Backup stamp file: %s", s.path)
}

// LVMSnapshot creates a copy-on-write snapshot of a logical volume and
// removes it again on cleanup.
type LVMSnapshot struct {
	vg    string
	lv    string
	snap  string
	tools Tools
}

// NewLVMSnapshot creates an action snapshotting vg/lv as vg/snap.
func NewLVMSnapshot(vg, lv, snap string, tools Tools) *LVMSnapshot {
	return &LVMSnapshot{vg: vg, lv: lv, snap: snap, tools: tools.withDefaults()}
}

func (l *LVMSnapshot) Perform(ctx context.Context) error {
	l.tools.Logger.Info().Str("vg", l.vg).Str("lv", l.lv).Str("snap", l.snap).Msg("creating lvm snapshot")
	return l.tools.run(ctx, "lvcreate",
		"-L", l.tools.SnapshotSize,
		"-s",
		"-n", l.snap,
		l.vg+"/"+l.lv)
}

func (l *LVMSnapshot) Cleanup(ctx context.Context) error {
	l.tools.Logger.Info().Str("vg", l.vg).Str("snap", l.snap).Msg("removing lvm snapshot")
	return l.tools.run(ctx, "lvremove", "-f", l.vg+"/"+l.snap)
}

func (l *LVMSnapshot) Describe() string {
	return fmt.Sprintf("LVM2 snapshot of %s/%s to %s", l.vg, l.lv, l.snap)
}

// MountSnap mounts a snapshot device, read-mostly, and unmounts it on
// cleanup.
type MountSnap struct {
	device string
	mount  string
	xfs    bool
	tools  Tools
}

// NewMountSnap creates an action mounting device at mount. XFS snapshots
// carry the origin's UUID and need nouuid to mount beside it.
func NewMountSnap(device, mount string, xfs bool, tools Tools) *MountSnap {
	return &MountSnap{device: device, mount: mount, xfs: xfs, tools: tools.withDefaults()}
}

func (m *MountSnap) Perform(ctx context.Context) error {
	m.tools.Logger.Info().Str("device", m.device).Str("mount", m.mount).Msg("mounting snapshot")
	if err := m.tools.run(ctx, "mkdir", "-p", m.mount); err != nil {
		return err
	}
	opts := "noatime"
	if m.xfs {
		opts = "nouuid,noatime"
	}
	return m.tools.run(ctx, "mount", m.device, "-o", opts, m.mount)
}

func (m *MountSnap) Cleanup(ctx context.Context) error {
	m.tools.Logger.Info().Str("mount", m.mount).Msg("unmounting snapshot")
	return m.tools.run(ctx, "umount", m.mount)
}

func (m *MountSnap) Describe() string {
	return fmt.Sprintf("Mount LVM2 snapshot %s to %s", m.device, m.mount)
}

// SureFile is the name of the integrity store kept at the top of each
// scanned tree.
const SureFile = "2sure.dat.gz"

// Rsure runs an integrity scan of a directory tree with the external rsure
// tool. When copyTo is set the updated store is copied there afterwards,
// which is how a scan of a snapshot lands back on the live volume.
type Rsure struct {
	dir    string
	copyTo string
	name   string
	tools  Tools
}

// NewRsure creates an integrity scan of dir tagged with name.
func NewRsure(dir, copyTo, name string, tools Tools) *Rsure {
	return &Rsure{dir: dir, copyTo: copyTo, name: name, tools: tools.withDefaults()}
}

func (r *Rsure) Perform(ctx context.Context) error {
	mounted, err := mounts.IsMountPoint(ctx, r.tools.Mounts, r.dir)
	if err != nil {
		return err
	}
	if !mounted {
		return fmt.Errorf("rsure scan of %s: %w", r.dir, mounts.ErrNotMounted)
	}

	surefile := filepath.Join(r.dir, SureFile)
	mode := "scan"
	if info, err := os.Stat(surefile); err == nil && info.Mode().IsRegular() {
		mode = "update"
	}

	r.tools.Logger.Info().Str("dir", r.dir).Str("mode", mode).Str("store", surefile).Msg("rsure scan")
	if err := r.tools.run(ctx, r.tools.Rsure,
		"--file", surefile,
		mode,
		"--tag", "name="+r.name,
		r.dir); err != nil {
		return err
	}

	if r.copyTo == "" {
		return nil
	}
	r.tools.Logger.Info().Str("store", surefile).Str("dest", r.copyTo).Msg("copying rsure store")
	return r.tools.run(ctx, "cp", "-p", surefile, r.copyTo)
}

func (r *Rsure) Cleanup(ctx context.Context) error { return nil }

func (r *Rsure) Describe() string {
	if r.copyTo != "" {
		return fmt.Sprintf("Rsure scan of %s (store copied to %s)", r.dir, r.copyTo)
	}
	return fmt.Sprintf("Rsure scan of %s", r.dir)
}
