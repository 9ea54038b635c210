package config

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/snapdump/internal/actions"
)

// BackupTimeFormat stamps backup archive names and integrity scan tags.
const BackupTimeFormat = "20060102T150405"

// phase groups all actions of one kind so that, for instance, every
// snapshot is taken before any is mounted.
type phase int

const (
	phaseTimestamp phase = iota
	phaseSnapshot
	phaseMount
	phaseRsure
	phaseRsync
	phaseZFS
	phaseBorg
	numPhases
)

var phaseTitles = [numPhases]string{
	phaseTimestamp: "Timestamps",
	phaseSnapshot:  "Snapshots",
	phaseMount:     "Mount",
	phaseRsure:     "Rsure",
	phaseRsync:     "Rsync",
	phaseZFS:       "Zfs snapshots",
	phaseBorg:      "Borg",
}

// BuildRunner builds the backup runner for the named entries, or for every
// entry when names is empty.
func (f *File) BuildRunner(names []string, now time.Time, tools actions.Tools, out io.Writer) (*actions.Runner, error) {
	filter, err := f.nameFilter(names)
	if err != nil {
		return nil, err
	}

	var phases [numPhases]*actions.Runner
	for p := range phases {
		phases[p] = actions.NewRunner(out, tools.Logger)
		phases[p].Push(actions.NewMessage(phaseTitles[p], out))
	}

	tools.Rsure = f.Config.Rsure
	tools.Rsync = f.Config.Rsync
	tools.SnapshotSize = f.Config.SnapshotSize
	local := now.UTC().Format(BackupTimeFormat)

	for _, s := range f.Simple {
		if !filter(s.Name) {
			continue
		}
		f.addSimple(phases, s, local, tools)
	}
	for _, l := range f.LVM {
		if !filter(l.Name) {
			continue
		}
		f.addLVM(phases, l, local, tools)
	}

	runner := actions.NewRunner(out, tools.Logger)
	for _, p := range phases {
		runner.Append(p)
	}
	runner.Push(actions.NewMessage("Finished, cleaning up", out))
	return runner, nil
}

func (f *File) addSimple(phases [numPhases]*actions.Runner, s Simple, local string, tools actions.Tools) {
	if wants(s.Actions, ActionStamp) {
		phases[phaseTimestamp].Push(actions.NewStamp(filepath.Join(s.Mount, f.Config.StampName()), tools))
	}
	if wants(s.Actions, ActionRsure) {
		phases[phaseRsure].Push(actions.NewRsure(s.Mount, "", local, tools))
	}
	if wants(s.Actions, ActionBorg) {
		phases[phaseBorg].Push(actions.NewBorgBackup(s.Mount, f.Config.Borg, s.Name+"-"+local, tools))
	}
}

func (f *File) addLVM(phases [numPhases]*actions.Runner, l LVM, local string, tools actions.Tools) {
	if wants(l.Actions, ActionStamp) {
		phases[phaseTimestamp].Push(actions.NewStamp(filepath.Join(l.Mount, f.Config.StampName()), tools))
	}
	if wants(l.Actions, ActionSnapshot) {
		phases[phaseSnapshot].Push(actions.NewLVMSnapshot(l.VG, l.LV, l.LVSnap, tools))
	}
	if wants(l.Actions, ActionMount) {
		device := fmt.Sprintf("/dev/%s/%s", l.VG, l.LVSnap)
		phases[phaseMount].Push(actions.NewMountSnap(device, l.Snap, l.FS == "xfs", tools))
	}
	if wants(l.Actions, ActionRsure) {
		phases[phaseRsure].Push(actions.NewRsure(l.Snap, l.Mount, local, tools))
	}
	if m := l.Mirror; m != nil {
		if wants(l.Actions, ActionRsync) {
			phases[phaseRsync].Push(actions.NewRsync(l.Snap, m.Dir, m.ACLs, m.Verbose, tools))
		}
		if wants(l.Actions, ActionZFS) {
			phases[phaseZFS].Push(actions.NewZfsSnapshot(m.Volume, local, tools))
		}
	}
	if wants(l.Actions, ActionBorg) {
		phases[phaseBorg].Push(actions.NewBorgBackup(l.Snap, f.Config.Borg, l.Name+"-"+local, tools))
	}
}

// nameFilter returns a predicate selecting the named backups. Every name
// must refer to a configured backup.
func (f *File) nameFilter(names []string) (func(string) bool, error) {
	if len(names) == 0 {
		return func(string) bool { return true }, nil
	}

	known := map[string]bool{}
	for _, s := range f.Simple {
		known[s.Name] = true
	}
	for _, l := range f.LVM {
		known[l.Name] = true
	}

	selected := map[string]bool{}
	for _, n := range names {
		if !known[n] {
			return nil, configErr("names", "no backup named %q", n)
		}
		selected[n] = true
	}
	return func(name string) bool { return selected[name] }, nil
}
